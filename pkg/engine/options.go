package engine

import (
	"github.com/dukex/stepflow/pkg/eventbus"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

type Option func(*Engine)

// WithClock replaces the clock used for timestamps, retry backoff and step timeouts.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithEventPublisher publishes run and step lifecycle events.
func WithEventPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithMaxConcurrentRuns caps how many runs execute steps at once. Runs over
// the cap wait for a slot. n <= 0 means no cap.
func WithMaxConcurrentRuns(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.slots = semaphore.NewWeighted(n)
		}
	}
}

// WithIDGenerator replaces the generator of execution and step execution ids.
func WithIDGenerator(generate func() string) Option {
	return func(e *Engine) {
		e.newID = generate
	}
}
