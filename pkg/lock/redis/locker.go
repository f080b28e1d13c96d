// Package redis implements lock.Locker on Redis with SET NX PX, for
// deployments running several stepflow instances against one store.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "stepflow:lock:"

type Locker struct {
	client goredis.UniversalClient
	owner  string
	logger *slog.Logger
}

func NewLocker(client goredis.UniversalClient, logger *slog.Logger) *Locker {
	return &Locker{
		client: client,
		owner:  uuid.NewString(),
		logger: logger.With("module", "redis_locker"),
	}
}

// Connect parses a redis:// URL, pings the server and returns a Locker on it.
func Connect(ctx context.Context, url string, logger *slog.Logger) (*Locker, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	locker := NewLocker(client, logger)
	locker.logger.InfoContext(ctx, "Connected to Redis", "addr", opts.Addr, "db", opts.DB)

	return locker, nil
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	if !ok {
		l.logger.DebugContext(ctx, "Lock held by another instance", "key", key)
	}

	return ok, nil
}

func (l *Locker) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *Locker) Close() error {
	return l.client.Close()
}
