package server

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/louisbranch/livepoll/internal/services/poll/domain"
)

const instrumentationName = "github.com/louisbranch/livepoll/internal/services/poll"

// pollMetrics holds the service counters. They report through the global
// meter provider and cost nothing until one is installed.
type pollMetrics struct {
	frames        metric.Int64Counter
	answers       metric.Int64Counter
	roundsClosed  metric.Int64Counter
	framesDropped metric.Int64Counter
	pollsEvicted  metric.Int64Counter
}

func newPollMetrics(meter metric.Meter) *pollMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	return &pollMetrics{
		frames:        int64Counter(meter, "poll.ws.frames", "Inbound websocket frames by type."),
		answers:       int64Counter(meter, "poll.answers.accepted", "Answers recorded in an open round."),
		roundsClosed:  int64Counter(meter, "poll.rounds.closed", "Rounds closed, by close reason."),
		framesDropped: int64Counter(meter, "poll.ws.frames_dropped", "Outbound frames dropped on full queues."),
		pollsEvicted:  int64Counter(meter, "poll.polls.evicted", "Idle polls evicted by the sweeper."),
	}
}

func int64Counter(meter metric.Meter, name string, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		log.Printf("poll: create counter %s: %v", name, err)
		return noop.Int64Counter{}
	}
	return counter
}

func (m *pollMetrics) frameReceived(ctx context.Context, frameType string) {
	m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("frame.type", frameType)))
}

func (m *pollMetrics) answerAccepted(string) {
	m.answers.Add(context.Background(), 1)
}

func (m *pollMetrics) roundClosed(entry domain.HistoryEntry) {
	m.roundsClosed.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("close.reason", string(entry.CloseReason))))
}

func (m *pollMetrics) frameDropped() {
	m.framesDropped.Add(context.Background(), 1)
}

func (m *pollMetrics) evicted(count int) {
	if count > 0 {
		m.pollsEvicted.Add(context.Background(), int64(count))
	}
}
