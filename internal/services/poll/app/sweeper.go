package server

import (
	"context"
	"log"
	"time"

	"github.com/louisbranch/livepoll/internal/services/poll/domain"
)

const defaultSweepInterval = time.Minute

// startIdleSweeper evicts idle polls every interval until stopped. It
// returns nil handles when ttl disables eviction.
func startIdleSweeper(registry *domain.Registry, interval time.Duration, ttl time.Duration, onEvict func(int)) (context.CancelFunc, chan struct{}) {
	if registry == nil || ttl <= 0 {
		return nil, nil
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				evicted := registry.Sweep(ttl)
				if len(evicted) == 0 {
					continue
				}
				log.Printf("poll: evicted %d idle polls: %v", len(evicted), evicted)
				if onEvict != nil {
					onEvict(len(evicted))
				}
			}
		}
	}()
	return cancel, done
}
