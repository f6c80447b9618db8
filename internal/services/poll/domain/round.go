package domain

import (
	"slices"
	"strings"
	"time"
)

// MinOptions is the fewest non-empty options a question may have.
const MinOptions = 2

// CloseReason records what ended a round.
type CloseReason string

const (
	CloseReasonTimeout     CloseReason = "timeout"
	CloseReasonAllAnswered CloseReason = "all_answered"
)

// Answer is one participant's recorded choice.
type Answer struct {
	OptionIndex int
	AnsweredAt  time.Time
}

// Round is the currently open or most recently closed question of a poll.
type Round struct {
	Question  string
	Options   []string
	StartedAt time.Time
	Duration  time.Duration
	Closed    bool
	// Answers is keyed by participant connection id. A second submission
	// from the same participant overwrites the first.
	Answers map[string]Answer
}

// HistoryEntry is the immutable record of a closed round.
type HistoryEntry struct {
	Question    string
	Options     []string
	Results     []int
	StartedAt   time.Time
	Duration    time.Duration
	ClosedAt    time.Time
	CloseReason CloseReason
}

// CleanOptions trims every option and drops the empty ones.
func CleanOptions(options []string) []string {
	cleaned := make([]string, 0, len(options))
	for _, option := range options {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		cleaned = append(cleaned, option)
	}
	return cleaned
}

func newHistoryEntry(round *Round, results []int, closedAt time.Time, reason CloseReason) HistoryEntry {
	return HistoryEntry{
		Question:    round.Question,
		Options:     slices.Clone(round.Options),
		Results:     results,
		StartedAt:   round.StartedAt,
		Duration:    round.Duration,
		ClosedAt:    closedAt,
		CloseReason: reason,
	}
}
