package server

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/louisbranch/livepoll/internal/platform/timeouts"
	"github.com/louisbranch/livepoll/internal/services/poll/domain"
	"github.com/louisbranch/livepoll/internal/services/poll/storage"
)

const defaultArchiveQueue = 256

// archiveWorker writes closed rounds to the archive off the poll lock.
// Rounds that arrive while the queue is full are dropped and logged.
type archiveWorker struct {
	archive storage.RoundArchive

	mu      sync.Mutex
	stopped bool
	queue   chan storage.ArchivedRound
	done    chan struct{}
}

func startArchiveWorker(archive storage.RoundArchive, queueSize int) *archiveWorker {
	if archive == nil {
		return nil
	}
	if queueSize <= 0 {
		queueSize = defaultArchiveQueue
	}
	worker := &archiveWorker{
		archive: archive,
		queue:   make(chan storage.ArchivedRound, queueSize),
		done:    make(chan struct{}),
	}
	go worker.run()
	return worker
}

func archivedRound(pollID string, entry domain.HistoryEntry) storage.ArchivedRound {
	return storage.ArchivedRound{
		PollID:      pollID,
		Question:    entry.Question,
		Options:     entry.Options,
		Results:     entry.Results,
		StartedAt:   entry.StartedAt,
		Duration:    entry.Duration,
		ClosedAt:    entry.ClosedAt,
		CloseReason: string(entry.CloseReason),
	}
}

// enqueue never blocks; it reports whether the round was accepted.
func (w *archiveWorker) enqueue(pollID string, entry domain.HistoryEntry) bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	select {
	case w.queue <- archivedRound(pollID, entry):
		return true
	default:
		log.Printf("poll: archive queue full, dropping round poll=%q question=%q", pollID, entry.Question)
		return false
	}
}

func (w *archiveWorker) run() {
	defer close(w.done)
	for round := range w.queue {
		w.write(round)
	}
}

func (w *archiveWorker) write(round storage.ArchivedRound) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.ArchiveWrite)
	defer cancel()
	err := w.archive.AppendRound(ctx, round)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrAlreadyExists):
		log.Printf("poll: round already archived poll=%q started=%s", round.PollID, round.StartedAt)
	default:
		log.Printf("poll: archive round poll=%q: %v", round.PollID, err)
	}
}

// stop refuses new rounds and waits until queued ones are written.
func (w *archiveWorker) stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
}
