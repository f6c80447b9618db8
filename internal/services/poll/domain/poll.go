package domain

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/livepoll/internal/platform/errors"
)

// Role is the part a connection plays in a poll.
type Role string

const (
	RolePresenter   Role = "presenter"
	RoleParticipant Role = "participant"
)

// ParseRole accepts "presenter" or "participant"; empty means participant.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RolePresenter:
		return RolePresenter, nil
	case RoleParticipant, "":
		return RoleParticipant, nil
	default:
		return "", invalidInput("unknown role " + value)
	}
}

// JoinRequest describes one join frame.
type JoinRequest struct {
	PollID string
	ConnID string
	Role   Role
	Name   string
	// Duration replaces the poll's default round duration when positive.
	// Only honored for presenters.
	Duration time.Duration
	// PresenterGrant is the grant presented by a presenter taking over an
	// existing poll.
	PresenterGrant string
}

// FallbackName is the display name given to participants who join without one.
func FallbackName(connID string) string {
	short := strings.ReplaceAll(connID, "-", "")
	if len(short) > 6 {
		short = short[:6]
	}
	return "Participant-" + short
}

// Poll owns one poll's roster, current round and history. All methods are
// safe for concurrent use; each runs as one atomic step under the poll lock,
// events included, so subscribers see events in mutation order.
type Poll struct {
	mu       sync.Mutex
	id       string
	gateway  Gateway
	settings *Options

	presenterID     string
	roster          map[string]string
	rosterOrder     []string
	round           *Round
	timer           Timer
	history         []HistoryEntry
	defaultDuration time.Duration
	lastActivity    time.Time
	evicted         bool
}

func newPoll(id string, gateway Gateway, settings *Options) *Poll {
	return &Poll{
		id:              id,
		gateway:         gateway,
		settings:        settings,
		roster:          make(map[string]string),
		defaultDuration: settings.DefaultDuration,
		lastActivity:    settings.Clock.Now(),
	}
}

// ID returns the poll identifier.
func (p *Poll) ID() string {
	return p.id
}

// Join subscribes the connection and records its role. Participants are
// upserted into the roster. The joiner receives a joined ack and a snapshot;
// everyone receives the updated roster.
func (p *Poll) Join(req JoinRequest) error {
	connID := strings.TrimSpace(req.ConnID)
	if connID == "" {
		return invalidInput("connection id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evicted {
		return pollNotFound(p.id)
	}
	p.touchLocked()
	p.gateway.Subscribe(p.id, connID)

	name := strings.TrimSpace(req.Name)
	switch req.Role {
	case RolePresenter:
		p.presenterID = connID
		p.removeLocked(connID)
		if req.Duration > 0 {
			p.defaultDuration = min(req.Duration, MaxRoundDuration)
		}
	default:
		req.Role = RoleParticipant
		if p.presenterID == connID {
			p.presenterID = ""
		}
		if name == "" {
			name = p.roster[connID]
		}
		if name == "" {
			name = FallbackName(connID)
		}
		p.upsertLocked(connID, name)
	}

	p.gateway.SendTo(connID, EventJoined, JoinedPayload{
		PollID:         p.id,
		Role:           req.Role,
		Name:           name,
		ConnectionID:   connID,
		PresenterGrant: req.PresenterGrant,
	})
	p.broadcastRosterLocked()
	p.gateway.SendTo(connID, EventPollState, p.snapshotLocked(connID))
	return nil
}

// Ask opens a new round. Only the presenter may ask. An open round blocks the
// ask unless it has run out of time or every participant has answered; in
// those cases it is closed and archived first. A zero duration uses the
// poll's default.
func (p *Poll) Ask(connID string, question string, options []string, duration time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evicted {
		return pollNotFound(p.id)
	}
	if !p.isPresenterLocked(connID) {
		return apperrors.New(apperrors.CodeUnauthorized, "only the presenter can ask")
	}

	question = strings.TrimSpace(question)
	if question == "" {
		return invalidInput("question is required")
	}
	cleaned := CleanOptions(options)
	if len(cleaned) < MinOptions {
		return invalidInput("at least two non-empty options are required")
	}
	if duration < 0 {
		return invalidInput("duration must be positive")
	}
	if duration > MaxRoundDuration {
		return invalidInput("duration must not exceed " + MaxRoundDuration.String())
	}
	if duration == 0 {
		duration = p.defaultDuration
	}
	if p.settings.CloseGrace > time.Duration(math.MaxInt64)-duration {
		return invalidInput("duration plus close grace is too long")
	}

	now := p.settings.Clock.Now()
	if p.round != nil && !p.round.Closed {
		switch {
		case !IsActive(p.round, now):
			p.closeLocked(CloseReasonTimeout, now)
		case p.allAnsweredLocked():
			p.closeLocked(CloseReasonAllAnswered, now)
		default:
			return apperrors.New(apperrors.CodeTransitionRefused, "current round is still open")
		}
	}

	round := &Round{
		Question:  question,
		Options:   cleaned,
		StartedAt: now,
		Duration:  duration,
		Answers:   make(map[string]Answer),
	}
	p.round = round
	p.timer = p.settings.Clock.AfterFunc(duration+p.settings.CloseGrace, func() {
		p.expire(round)
	})
	p.touchLocked()

	p.gateway.BroadcastToPoll(p.id, EventNewQuestion, NewQuestionPayload{
		Question:    round.Question,
		Options:     slices.Clone(round.Options),
		DurationSec: duration.Seconds(),
		StartedAt:   unixMillis(now),
	})
	return nil
}

// SubmitAnswer records a participant's choice while the round is active and
// broadcasts the running tally. The round closes as soon as every participant
// has answered. A non-empty name renames the participant in place.
func (p *Poll) SubmitAnswer(connID string, optionIndex int, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evicted {
		return pollNotFound(p.id)
	}

	now := p.settings.Clock.Now()
	round := p.round
	if !IsActive(round, now) {
		return apperrors.New(apperrors.CodeNotAcceptingAnswers, "round is not accepting answers")
	}
	current, ok := p.roster[connID]
	if !ok {
		return apperrors.New(apperrors.CodeUnauthorized, "connection is not a participant of this poll")
	}
	if optionIndex < 0 || optionIndex >= len(round.Options) {
		return invalidInput("option index out of range")
	}

	if name = strings.TrimSpace(name); name != "" && name != current {
		p.roster[connID] = name
		p.broadcastRosterLocked()
	}
	round.Answers[connID] = Answer{OptionIndex: optionIndex, AnsweredAt: now}
	p.touchLocked()

	p.gateway.BroadcastToPoll(p.id, EventPartialResults, PartialResultsPayload{
		Results:         Tally(len(round.Options), round.Answers),
		RespondentCount: len(round.Answers),
	})
	if p.settings.OnAnswer != nil {
		p.settings.OnAnswer(p.id)
	}

	if p.allAnsweredLocked() {
		p.closeLocked(CloseReasonAllAnswered, now)
	}
	return nil
}

// RemoveParticipant drops a participant from the roster on the presenter's
// behalf. Their answer in the open round is discarded; tallies already sent
// are not re-sent and the round is neither closed nor reopened by removal.
func (p *Poll) RemoveParticipant(callerID string, participantID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evicted {
		return pollNotFound(p.id)
	}
	if !p.isPresenterLocked(callerID) {
		return apperrors.New(apperrors.CodeUnauthorized, "only the presenter can remove participants")
	}
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return invalidInput("participant connection id is required")
	}
	if !p.removeLocked(participantID) {
		return invalidInput("participant is not in the roster")
	}
	p.touchLocked()
	p.broadcastRosterLocked()
	return nil
}

// Leave handles a disconnect: the connection is unsubscribed and, if it was a
// participant, removed like RemoveParticipant.
func (p *Poll) Leave(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Release already dropped an evicted poll's subscriptions, and the id may
	// now belong to a recreated poll.
	if p.evicted {
		return
	}
	p.gateway.Unsubscribe(p.id, connID)
	if p.removeLocked(connID) {
		p.broadcastRosterLocked()
	}
}

// Snapshot returns the state as seen by connID without side effects.
func (p *Poll) Snapshot(connID string) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(connID)
}

// SendState sends a fresh snapshot to connID.
func (p *Poll) SendState(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gateway.SendTo(connID, EventPollState, p.snapshotLocked(connID))
}

// History returns the closed rounds, oldest first. Presenter only.
func (p *Poll) History(connID string) ([]HistoryEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isPresenterLocked(connID) {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "only the presenter can read history")
	}
	return slices.Clone(p.history), nil
}

// SendHistory sends the history list to the presenter.
func (p *Poll) SendHistory(connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isPresenterLocked(connID) {
		return apperrors.New(apperrors.CodeUnauthorized, "only the presenter can read history")
	}
	p.gateway.SendTo(connID, EventHistoryList, HistoryListPayload{Entries: p.historyItemsLocked()})
	return nil
}

// IsPresenter reports whether connID currently holds the presenter role.
func (p *Poll) IsPresenter(connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isPresenterLocked(connID)
}

func (p *Poll) expire(round *Round) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.round != round || round.Closed {
		return
	}
	p.closeLocked(CloseReasonTimeout, p.settings.Clock.Now())
}

// closeLocked is the single place a round closes. It is a no-op on a closed
// round, so timers and the all-answered check may both reach it.
func (p *Poll) closeLocked(reason CloseReason, now time.Time) {
	round := p.round
	if round == nil || round.Closed {
		return
	}
	round.Closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	results := Tally(len(round.Options), round.Answers)
	entry := newHistoryEntry(round, results, now, reason)
	p.history = append(p.history, entry)
	if limit := p.settings.HistoryLimit; limit > 0 && len(p.history) > limit {
		p.history = slices.Clone(p.history[len(p.history)-limit:])
	}
	p.touchLocked()
	if p.settings.OnRoundClosed != nil {
		p.settings.OnRoundClosed(p.id, entry)
	}

	p.gateway.BroadcastToPoll(p.id, EventResults, ResultsPayload{
		Results:  results,
		Question: round.Question,
		Options:  slices.Clone(round.Options),
	})
}

func (p *Poll) allAnsweredLocked() bool {
	if p.round == nil || len(p.roster) == 0 {
		return false
	}
	for connID := range p.roster {
		if _, ok := p.round.Answers[connID]; !ok {
			return false
		}
	}
	return true
}

func (p *Poll) isPresenterLocked(connID string) bool {
	return connID != "" && connID == p.presenterID
}

func (p *Poll) upsertLocked(connID string, name string) {
	if _, ok := p.roster[connID]; !ok {
		p.rosterOrder = append(p.rosterOrder, connID)
	}
	p.roster[connID] = name
}

// removeLocked reports whether connID was in the roster.
func (p *Poll) removeLocked(connID string) bool {
	if _, ok := p.roster[connID]; !ok {
		return false
	}
	delete(p.roster, connID)
	p.rosterOrder = slices.DeleteFunc(p.rosterOrder, func(id string) bool { return id == connID })
	if p.round != nil && !p.round.Closed {
		delete(p.round.Answers, connID)
	}
	return true
}

func (p *Poll) rosterLocked() []RosterEntry {
	entries := make([]RosterEntry, 0, len(p.rosterOrder))
	for _, connID := range p.rosterOrder {
		entries = append(entries, RosterEntry{ConnectionID: connID, Name: p.roster[connID]})
	}
	return entries
}

func (p *Poll) broadcastRosterLocked() {
	entries := p.rosterLocked()
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	p.gateway.BroadcastToPoll(p.id, EventRosterUpdate, RosterUpdatePayload{
		Names:        names,
		Participants: entries,
	})
}

func (p *Poll) historyItemsLocked() []HistoryItem {
	items := make([]HistoryItem, 0, len(p.history))
	for _, entry := range p.history {
		items = append(items, NewHistoryItem(entry))
	}
	return items
}

func (p *Poll) snapshotLocked(connID string) Snapshot {
	snapshot := Snapshot{
		PollID:  p.id,
		Options: []string{},
		Results: []int{},
	}
	if round := p.round; round != nil {
		snapshot.Question = round.Question
		snapshot.Options = slices.Clone(round.Options)
		snapshot.Results = Tally(len(round.Options), round.Answers)
		snapshot.Active = IsActive(round, p.settings.Clock.Now())
		snapshot.DurationSec = round.Duration.Seconds()
		snapshot.StartedAt = unixMillis(round.StartedAt)
		snapshot.Closed = round.Closed
		snapshot.RespondentCount = len(round.Answers)
	}
	if p.isPresenterLocked(connID) {
		snapshot.Presenter = true
		snapshot.Roster = p.rosterLocked()
		snapshot.History = p.historyItemsLocked()
	}
	return snapshot
}

func (p *Poll) touchLocked() {
	p.lastActivity = p.settings.Clock.Now()
}

// idleFor reports whether the poll has had no activity for ttl and has no
// open round.
func (p *Poll) idleFor(now time.Time, ttl time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.round != nil && !p.round.Closed {
		return false
	}
	return now.Sub(p.lastActivity) >= ttl
}

func (p *Poll) evict() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evicted = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gateway.Release(p.id)
}
