// Package storage defines persistence contracts for the closed-round archive.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a poll has no archived rounds.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates the round was archived before.
	ErrAlreadyExists = errors.New("record already exists")
)

// ArchivedRound is one closed round as written to the archive.
type ArchivedRound struct {
	PollID      string
	Question    string
	Options     []string
	Results     []int
	StartedAt   time.Time
	Duration    time.Duration
	ClosedAt    time.Time
	CloseReason string
}

// RoundArchive appends closed rounds and lists them back for reporting. It is
// write-mostly: live poll state is never rebuilt from it.
type RoundArchive interface {
	AppendRound(ctx context.Context, round ArchivedRound) error
	// ListRounds returns up to limit of the newest rounds of pollID, oldest
	// first.
	ListRounds(ctx context.Context, pollID string, limit int) ([]ArchivedRound, error)
}
