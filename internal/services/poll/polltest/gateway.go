package polltest

import (
	"sort"
	"sync"
)

// Event is one delivery recorded by RecordingGateway.
type Event struct {
	// Target is the poll id for broadcasts and the connection id otherwise.
	Target    string
	Broadcast bool
	Kind      string
	Payload   any
}

// RecordingGateway is a domain.Gateway that keeps every delivery in memory.
type RecordingGateway struct {
	mu     sync.Mutex
	events []Event
	subs   map[string]map[string]struct{}
}

// NewRecordingGateway returns an empty gateway.
func NewRecordingGateway() *RecordingGateway {
	return &RecordingGateway{subs: make(map[string]map[string]struct{})}
}

func (g *RecordingGateway) Subscribe(pollID string, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	members, ok := g.subs[pollID]
	if !ok {
		members = make(map[string]struct{})
		g.subs[pollID] = members
	}
	members[connID] = struct{}{}
}

func (g *RecordingGateway) Unsubscribe(pollID string, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subs[pollID], connID)
}

func (g *RecordingGateway) Release(pollID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subs, pollID)
}

func (g *RecordingGateway) BroadcastToPoll(pollID string, kind string, payload any) {
	g.record(Event{Target: pollID, Broadcast: true, Kind: kind, Payload: payload})
}

func (g *RecordingGateway) SendTo(connID string, kind string, payload any) {
	g.record(Event{Target: connID, Kind: kind, Payload: payload})
}

func (g *RecordingGateway) record(event Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, event)
}

// Events returns a copy of every recorded delivery.
func (g *RecordingGateway) Events() []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Event(nil), g.events...)
}

// Count returns how many deliveries of kind were recorded.
func (g *RecordingGateway) Count(kind string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, event := range g.events {
		if event.Kind == kind {
			count++
		}
	}
	return count
}

// Last returns the most recent delivery of kind.
func (g *RecordingGateway) Last(kind string) (Event, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.events) - 1; i >= 0; i-- {
		if g.events[i].Kind == kind {
			return g.events[i], true
		}
	}
	return Event{}, false
}

// Subscribers returns the sorted connection ids subscribed to pollID.
func (g *RecordingGateway) Subscribers(pollID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.subs[pollID]))
	for id := range g.subs[pollID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset forgets recorded deliveries but keeps subscriptions.
func (g *RecordingGateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = nil
}
