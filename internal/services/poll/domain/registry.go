package domain

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultRoundDuration is used when neither the ask nor the presenter's join
// supplies a duration.
const DefaultRoundDuration = 30 * time.Second

// PresenterAuthorizer decides whether a presenter join may take the
// presenter role. created is true when the join just created the poll. The
// returned grant is echoed to the joiner in its joined ack.
type PresenterAuthorizer interface {
	AuthorizePresenter(pollID string, created bool, grant string) (string, error)
}

// Options configures every poll a Registry creates.
type Options struct {
	Clock Clock
	// CloseGrace is added to each round's duration before auto-close.
	// Zero means DefaultCloseGrace.
	CloseGrace      time.Duration
	DefaultDuration time.Duration
	// HistoryLimit keeps only the newest entries when positive.
	HistoryLimit int
	Presenters   PresenterAuthorizer

	// OnAnswer and OnRoundClosed run under the poll lock and must not block.
	OnAnswer      func(pollID string)
	OnRoundClosed func(pollID string, entry HistoryEntry)
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = DefaultCloseGrace
	}
	if o.DefaultDuration <= 0 {
		o.DefaultDuration = DefaultRoundDuration
	}
	if o.DefaultDuration > MaxRoundDuration {
		o.DefaultDuration = MaxRoundDuration
	}
	if o.HistoryLimit < 0 {
		o.HistoryLimit = 0
	}
	return o
}

// Registry creates and looks up polls by identifier. It is the only
// process-wide poll state and is passed explicitly to the transport.
type Registry struct {
	mu       sync.Mutex
	polls    map[string]*Poll
	gateway  Gateway
	settings *Options
}

// NewRegistry builds an empty registry that delivers events through gateway.
func NewRegistry(gateway Gateway, opts Options) *Registry {
	settings := opts.withDefaults()
	return &Registry{
		polls:    make(map[string]*Poll),
		gateway:  gateway,
		settings: &settings,
	}
}

// GetOrCreate returns the poll for pollID, creating it when unseen. created
// reports whether this call created it.
func (r *Registry) GetOrCreate(pollID string) (poll *Poll, created bool, err error) {
	pollID = strings.TrimSpace(pollID)
	if pollID == "" {
		return nil, false, invalidInput("poll id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	poll, created = r.getOrCreateLocked(pollID)
	return poll, created, nil
}

// Get returns the poll for pollID if it exists.
func (r *Registry) Get(pollID string) (*Poll, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	poll, ok := r.polls[strings.TrimSpace(pollID)]
	return poll, ok
}

// Lookup is Get returning a NOT_FOUND error for unknown polls.
func (r *Registry) Lookup(pollID string) (*Poll, error) {
	pollID = strings.TrimSpace(pollID)
	if pollID == "" {
		return nil, invalidInput("poll id is required")
	}
	poll, ok := r.Get(pollID)
	if !ok {
		return nil, pollNotFound(pollID)
	}
	return poll, nil
}

// Len returns the number of live polls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.polls)
}

// Join resolves the poll for req and joins the connection to it. Presenters
// create unseen polls; participants get a NOT_FOUND error instead and no poll
// is created. Creation and join happen under the registry lock so a sweep
// cannot evict the poll in between.
func (r *Registry) Join(req JoinRequest) (*Poll, error) {
	pollID := strings.TrimSpace(req.PollID)
	if pollID == "" {
		return nil, invalidInput("poll id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var poll *Poll
	if req.Role == RolePresenter {
		var created bool
		poll, created = r.getOrCreateLocked(pollID)
		if r.settings.Presenters != nil {
			grant, err := r.settings.Presenters.AuthorizePresenter(pollID, created, req.PresenterGrant)
			if err != nil {
				if created {
					delete(r.polls, pollID)
				}
				return nil, err
			}
			req.PresenterGrant = grant
		} else {
			req.PresenterGrant = ""
		}
	} else {
		existing, ok := r.polls[pollID]
		if !ok {
			return nil, pollNotFound(pollID)
		}
		poll = existing
		req.PresenterGrant = ""
	}

	if err := poll.Join(req); err != nil {
		return nil, err
	}
	return poll, nil
}

// Sweep evicts polls that have been idle for at least ttl and have no open
// round, stopping their timers and releasing their subscriptions. It returns
// the evicted ids in sorted order. A non-positive ttl disables eviction.
func (r *Registry) Sweep(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	now := r.settings.Clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, poll := range r.polls {
		if !poll.idleFor(now, ttl) {
			continue
		}
		delete(r.polls, id)
		poll.evict()
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	return evicted
}

func (r *Registry) getOrCreateLocked(pollID string) (*Poll, bool) {
	if poll, ok := r.polls[pollID]; ok {
		return poll, false
	}
	poll := newPoll(pollID, r.gateway, r.settings)
	r.polls[pollID] = poll
	return poll, true
}

// IsNotFound reports whether err is a NOT_FOUND poll error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPollNotFound)
}
