package domain

import "time"

// Outbound event kinds.
const (
	EventJoined         = "joined"
	EventPollState      = "pollState"
	EventNewQuestion    = "newQuestion"
	EventPartialResults = "partialResults"
	EventResults        = "results"
	EventRosterUpdate   = "rosterUpdate"
	EventHistoryList    = "historyList"
	EventErrorMessage   = "errorMessage"
)

// Gateway delivers session events to connections. Implementations must not
// block and must not call back into a Poll; sessions invoke it while holding
// their lock.
type Gateway interface {
	Subscribe(pollID string, connID string)
	Unsubscribe(pollID string, connID string)
	// Release drops every subscription of an evicted poll.
	Release(pollID string)
	BroadcastToPoll(pollID string, kind string, payload any)
	SendTo(connID string, kind string, payload any)
}

// JoinedPayload acknowledges a join to the joiner.
type JoinedPayload struct {
	PollID         string `json:"pollId"`
	Role           Role   `json:"role"`
	Name           string `json:"name,omitempty"`
	ConnectionID   string `json:"connectionId"`
	PresenterGrant string `json:"presenterGrant,omitempty"`
}

// Snapshot is the full state sent to a joining or resyncing connection.
// Roster and History are only filled for the presenter.
type Snapshot struct {
	PollID          string        `json:"pollId"`
	Question        string        `json:"question"`
	Options         []string      `json:"options"`
	Results         []int         `json:"results"`
	Active          bool          `json:"active"`
	DurationSec     float64       `json:"durationSec"`
	StartedAt       int64         `json:"startedAt"`
	Closed          bool          `json:"closed"`
	RespondentCount int           `json:"respondentCount"`
	Presenter       bool          `json:"presenter"`
	Roster          []RosterEntry `json:"roster,omitempty"`
	History         []HistoryItem `json:"history,omitempty"`
}

// NewQuestionPayload announces a freshly opened round.
type NewQuestionPayload struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	DurationSec float64  `json:"durationSec"`
	StartedAt   int64    `json:"startedAt"`
}

// PartialResultsPayload carries the running tally after each answer.
type PartialResultsPayload struct {
	Results         []int `json:"results"`
	RespondentCount int   `json:"respondentCount"`
}

// ResultsPayload carries the final tally of a closed round.
type ResultsPayload struct {
	Results  []int    `json:"results"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// RosterEntry is one participant as shown to clients.
type RosterEntry struct {
	ConnectionID string `json:"connectionId"`
	Name         string `json:"name"`
}

// RosterUpdatePayload lists current participants in join order.
type RosterUpdatePayload struct {
	Names        []string      `json:"names"`
	Participants []RosterEntry `json:"participants"`
}

// HistoryItem is the wire form of a HistoryEntry.
type HistoryItem struct {
	Question    string      `json:"question"`
	Options     []string    `json:"options"`
	Results     []int       `json:"results"`
	StartedAt   int64       `json:"startedAt"`
	DurationSec float64     `json:"durationSec"`
	ClosedAt    int64       `json:"closedAt"`
	CloseReason CloseReason `json:"closeReason"`
}

// HistoryListPayload answers getHistory.
type HistoryListPayload struct {
	Entries []HistoryItem `json:"entries"`
}

// ErrorMessagePayload is the user-visible refusal text.
type ErrorMessagePayload struct {
	Text string `json:"text"`
	Code string `json:"code"`
}

// NewHistoryItem converts a history entry to its wire form.
func NewHistoryItem(entry HistoryEntry) HistoryItem {
	return HistoryItem{
		Question:    entry.Question,
		Options:     entry.Options,
		Results:     entry.Results,
		StartedAt:   unixMillis(entry.StartedAt),
		DurationSec: entry.Duration.Seconds(),
		ClosedAt:    unixMillis(entry.ClosedAt),
		CloseReason: entry.CloseReason,
	}
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
