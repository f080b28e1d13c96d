// Package delay implements the DELAY step processor.
package delay

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/jonboulle/clockwork"
)

// Processor suspends the calling run for the configured duration. Only the
// run's goroutine waits; other runs keep going.
type Processor struct {
	clock clockwork.Clock
}

func NewProcessor(clock clockwork.Clock) *Processor {
	return &Processor{clock: clock}
}

func (p *Processor) Process(ctx context.Context, config models.StepConfig, _ *models.RunContext) (*protocol.StepResult, error) {
	cfg, ok := config.(*models.DelayConfig)
	if !ok {
		return nil, fmt.Errorf("%w: %T", protocol.ErrUnexpectedConfig, config)
	}

	duration := time.Duration(cfg.Duration) * time.Millisecond

	select {
	case <-p.clock.After(duration):
	case <-ctx.Done():
		return nil, fmt.Errorf("delay interrupted: %w", ctx.Err())
	}

	return &protocol.StepResult{
		Success: true,
		Result:  map[string]any{"delayed": cfg.Duration},
		Logs:    fmt.Sprintf("waited %s", duration),
	}, nil
}
