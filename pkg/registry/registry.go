// Package registry maps step types to the processors that execute them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
)

// ErrProcessorNotRegistered is returned when no processor handles a step type.
var ErrProcessorNotRegistered = errors.New("no processor registered for step type")

type Registry struct {
	logger     *slog.Logger
	mu         sync.RWMutex
	processors map[models.StepType]protocol.Processor
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:     log.With("module", "step_registry"),
		processors: make(map[models.StepType]protocol.Processor),
	}
}

// Register installs the processor for a step type, replacing any previous one.
func (r *Registry) Register(stepType models.StepType, processor protocol.Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.processors[stepType] = processor
	r.logger.Debug("Registered step processor", "step_type", stepType)
}

// Processor returns the processor registered for a step type.
func (r *Registry) Processor(stepType models.StepType) (protocol.Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	processor, ok := r.processors[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessorNotRegistered, stepType)
	}

	return processor, nil
}

// Supports reports whether a processor is registered for the step type.
func (r *Registry) Supports(stepType models.StepType) bool {
	_, err := r.Processor(stepType)

	return err == nil
}

// Types lists the registered step types in lexical order.
func (r *Registry) Types() []models.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.StepType, 0, len(r.processors))
	for stepType := range r.processors {
		types = append(types, stepType)
	}

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return types
}

// Execute runs one attempt of a step with its decoded config.
func (r *Registry) Execute(
	ctx context.Context,
	stepType models.StepType,
	config models.StepConfig,
	run *models.RunContext,
) (*protocol.StepResult, error) {
	processor, err := r.Processor(stepType)
	if err != nil {
		return nil, err
	}

	result, err := processor.Process(ctx, config, run)
	if err != nil {
		return nil, err
	}

	if result == nil {
		result = &protocol.StepResult{Success: true}
	}

	return result, nil
}

// HealthCheck reports the registered step types for the health endpoint.
func (r *Registry) HealthCheck() (string, bool) {
	types := r.Types()
	if len(types) == 0 {
		return "no step processors registered", false
	}

	return fmt.Sprintf("%d step processors registered", len(types)), true
}
