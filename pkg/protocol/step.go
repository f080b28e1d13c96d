// Package protocol defines the contracts between the engine, step processors
// and triggers.
package protocol

import (
	"context"
	"errors"

	"github.com/dukex/stepflow/pkg/models"
)

// StepResult is what a processor returns for a completed step attempt.
// A false Success is still a completed attempt; only a returned error retries.
type StepResult struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Logs    string `json:"logs,omitempty"`
}

// Processor performs the effect of one step type.
type Processor interface {
	Process(ctx context.Context, config models.StepConfig, run *models.RunContext) (*StepResult, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, config models.StepConfig, run *models.RunContext) (*StepResult, error)

func (f ProcessorFunc) Process(ctx context.Context, config models.StepConfig, run *models.RunContext) (*StepResult, error) {
	return f(ctx, config, run)
}

// ErrUnexpectedConfig is returned by a processor handed another step type's config.
var ErrUnexpectedConfig = errors.New("unexpected step config type")
