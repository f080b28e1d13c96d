// Package schedule fires a callback on every tick of a cron expression.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dukex/stepflow/pkg/lock"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
)

// TickLockTTL is how long a fired tick stays claimed in the locker.
const TickLockTTL = time.Minute

var (
	ErrInvalidCron    = errors.New("invalid cron expression")
	ErrAlreadyStarted = errors.New("schedule trigger already started")
)

type Trigger struct {
	ID         string
	WorkflowID string
	Cron       string
	Timezone   string

	schedule cron.Schedule
	clock    clockwork.Clock
	locker   lock.Locker
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTrigger parses the cron expression up front so a bad expression fails
// registration instead of the first tick. A nil locker fires every tick.
func NewTrigger(
	id, workflowID string,
	config *models.ScheduleConfig,
	clock clockwork.Clock,
	locker lock.Locker,
	logger *slog.Logger,
) (*Trigger, error) {
	trigger := &Trigger{
		ID:         id,
		WorkflowID: workflowID,
		Cron:       config.Cron,
		Timezone:   config.Timezone,
		clock:      clock,
		locker:     locker,
		logger: logger.With(
			"module", "schedule_trigger",
			"trigger_id", id,
			"workflow_id", workflowID,
			"cron", config.Cron,
		),
	}

	err := trigger.Validate()
	if err != nil {
		return nil, err
	}

	return trigger, nil
}

func (t *Trigger) Validate() error {
	if t.ID == "" {
		return errors.New("schedule trigger ID is required")
	}

	schedule, err := Parse(&models.ScheduleConfig{Cron: t.Cron, Timezone: t.Timezone})
	if err != nil {
		return err
	}

	t.schedule = schedule

	return nil
}

// Parse compiles a standard 5-field cron expression in the configured
// timezone, UTC when none is set.
func Parse(config *models.ScheduleConfig) (cron.Schedule, error) {
	if config.Cron == "" {
		return nil, fmt.Errorf("%w: expression is required", ErrInvalidCron)
	}

	timezone := config.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	spec := "CRON_TZ=" + timezone + " " + config.Cron

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCron, err)
	}

	return schedule, nil
}

// Next returns the first tick strictly after the given time.
func (t *Trigger) Next(after time.Time) time.Time {
	return t.schedule.Next(after)
}

// Start runs the tick loop until ctx ends or Stop is called.
func (t *Trigger) Start(ctx context.Context, callback protocol.TriggerCallback) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})

	t.logger.InfoContext(ctx, "Starting schedule trigger", "next", t.Next(t.clock.Now()))

	go t.loop(ctx, callback, t.done)

	return nil
}

func (t *Trigger) loop(ctx context.Context, callback protocol.TriggerCallback, done chan struct{}) {
	defer close(done)

	for {
		now := t.clock.Now()
		next := t.Next(now)

		if next.IsZero() {
			t.logger.WarnContext(ctx, "Cron expression has no future ticks")

			return
		}

		timer := t.clock.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-timer.Chan():
		}

		t.fire(ctx, callback, next)
	}
}

// fire runs one tick. Its failures are logged and never stop the loop.
func (t *Trigger) fire(ctx context.Context, callback protocol.TriggerCallback, tick time.Time) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.ErrorContext(ctx, "Schedule tick panicked", "tick", tick, "panic", r)
		}
	}()

	if t.locker != nil {
		key := "schedule:" + t.ID + ":" + strconv.FormatInt(tick.Unix(), 10)

		ok, err := t.locker.Acquire(ctx, key, TickLockTTL)
		if err != nil {
			t.logger.ErrorContext(ctx, "Failed to claim schedule tick", "tick", tick, "error", err)

			return
		}

		if !ok {
			t.logger.DebugContext(ctx, "Schedule tick claimed by another instance", "tick", tick)

			return
		}
	}

	t.logger.InfoContext(ctx, "Schedule tick", "tick", tick)

	data := map[string]any{
		"trigger_id": t.ID,
		"cron":       t.Cron,
		"timestamp":  tick.UTC().Format(time.RFC3339),
	}

	err := callback(ctx, data)
	if err != nil {
		t.logger.ErrorContext(ctx, "Error executing workflow for trigger", "tick", tick, "error", err)
	}
}

// Stop ends the tick loop and waits for an in-flight tick to return.
func (t *Trigger) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}

	t.logger.InfoContext(ctx, "Stopping schedule trigger")
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
