// Package custom implements the CUSTOM step processor, dispatching to
// handlers registered by the embedding application.
package custom

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
)

var ErrHandlerNotFound = errors.New("custom handler not registered")

// Handler runs application code for a CUSTOM step.
type Handler func(ctx context.Context, inputs map[string]any, run *models.RunContext) (any, error)

type Processor struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewProcessor() *Processor {
	return &Processor{handlers: make(map[string]Handler)}
}

// Handle registers h under name, replacing any previous handler.
func (p *Processor) Handle(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handlers[name] = h
}

// Process runs the named handler. A step without a handler echoes its inputs.
func (p *Processor) Process(ctx context.Context, config models.StepConfig, run *models.RunContext) (*protocol.StepResult, error) {
	cfg, ok := config.(*models.CustomConfig)
	if !ok {
		return nil, fmt.Errorf("%w: %T", protocol.ErrUnexpectedConfig, config)
	}

	if cfg.Handler == "" {
		return &protocol.StepResult{Success: true, Result: cfg.Inputs, Logs: "no handler, inputs echoed"}, nil
	}

	p.mu.RLock()
	handler, ok := p.handlers[cfg.Handler]
	p.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, cfg.Handler)
	}

	result, err := handler(ctx, cfg.Inputs, run)
	if err != nil {
		return nil, fmt.Errorf("custom handler %s: %w", cfg.Handler, err)
	}

	return &protocol.StepResult{Success: true, Result: result, Logs: "handler " + cfg.Handler + " completed"}, nil
}
