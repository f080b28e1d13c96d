package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/stepflow/pkg/lock"
	"github.com/dukex/stepflow/pkg/lock/redis"
	"github.com/jonboulle/clockwork"
)

// NewLocker returns a Redis locker shared between instances when redisURL is
// set, and a process-local one otherwise. The returned close func is never nil.
func NewLocker(ctx context.Context, redisURL string, clock clockwork.Clock, logger *slog.Logger) (lock.Locker, func() error, error) {
	if redisURL == "" {
		return lock.NewLocal(clock), func() error { return nil }, nil
	}

	locker, err := redis.Connect(ctx, redisURL, logger)
	if err != nil {
		return nil, nil, err
	}

	return locker, locker.Close, nil
}
