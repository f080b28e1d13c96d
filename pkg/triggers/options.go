package triggers

import (
	"github.com/dukex/stepflow/pkg/lock"
	"github.com/jonboulle/clockwork"
)

type Option func(*Manager)

// WithClock replaces the clock driving schedule ticks.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithLocker shares schedule tick ownership with other instances. The
// default is an in-process locker.
func WithLocker(locker lock.Locker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

func WithIDGenerator(generate func() string) Option {
	return func(m *Manager) {
		m.newID = generate
	}
}
