package domain

import "time"

// DefaultCloseGrace is added to a round's duration before the auto-close
// fires, so the server never closes ahead of the client countdown.
const DefaultCloseGrace = time.Second

// MaxRoundDuration is the longest a single round may run.
const MaxRoundDuration = 24 * time.Hour

// Clock supplies time and one-shot timers to poll sessions.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

// SystemClock returns a Clock backed by package time.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// IsActive reports whether round is open and still inside its time budget.
func IsActive(round *Round, now time.Time) bool {
	if round == nil || round.Closed || round.StartedAt.IsZero() {
		return false
	}
	return now.Sub(round.StartedAt) < round.Duration
}
