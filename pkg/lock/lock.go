// Package lock provides the ownership lock that lets exactly one stepflow
// instance fire a given schedule tick.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Locker claims a key for ttl. Acquire reports false when another holder
// already owns an unexpired claim. Claims are never released early; they
// simply expire.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Local is an in-process Locker for single-instance deployments.
type Local struct {
	clock clockwork.Clock

	mu   sync.Mutex
	held map[string]time.Time
}

func NewLocal(clock clockwork.Clock) *Local {
	return &Local{
		clock: clock,
		held:  make(map[string]time.Time),
	}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	for k, expiry := range l.held {
		if !now.Before(expiry) {
			delete(l.held, k)
		}
	}

	if _, ok := l.held[key]; ok {
		return false, nil
	}

	l.held[key] = now.Add(ttl)

	return true, nil
}
