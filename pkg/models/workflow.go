// Package models defines the core domain models for step-based workflow execution.
package models

import (
	"fmt"
	"sort"
	"time"
)

// DefaultMaxAttempts is the retry budget of a step that does not set one.
const DefaultMaxAttempts = 3

// MaxRetries bounds the retry budget a step may declare.
const MaxRetries = 20

// Workflow is a named, ordered list of steps. Edits apply to future runs only.
type Workflow struct {
	ID          string         `json:"id"                    yaml:"id"`
	Name        string         `json:"name"                  yaml:"name"                  validate:"required,min=3"`
	Description string         `json:"description"           yaml:"description"`
	Active      bool           `json:"active"                yaml:"active"`
	Steps       []*Step        `json:"steps"                 yaml:"steps"                 validate:"dive"`
	Variables   map[string]any `json:"variables,omitempty"   yaml:"variables,omitempty"`
	CreatedAt   time.Time      `json:"created_at"            yaml:"-"`
	UpdatedAt   time.Time      `json:"updated_at"            yaml:"-"`
}

// Step is one unit of work within a workflow.
type Step struct {
	ID         string         `json:"id"                   yaml:"id"                   validate:"required"`
	Name       string         `json:"name"                 yaml:"name"                 validate:"required"`
	Type       StepType       `json:"type"                 yaml:"type"                 validate:"required"`
	Config     map[string]any `json:"config"               yaml:"config"`
	Position   int            `json:"position"             yaml:"position"             validate:"gte=0"`
	Retries    *int           `json:"retries,omitempty"    yaml:"retries,omitempty"    validate:"omitempty,gte=1,lte=20"`
	Timeout    int            `json:"timeout,omitempty"    yaml:"timeout,omitempty"    validate:"gte=0"` // milliseconds, 0 = none
	Conditions *Condition     `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// MaxAttempts returns the step's retry budget, DefaultMaxAttempts when unset.
func (s *Step) MaxAttempts() int {
	if s.Retries == nil {
		return DefaultMaxAttempts
	}

	return min(max(*s.Retries, 1), MaxRetries)
}

// TimeoutDuration returns the per-attempt deadline, zero when the step has none.
func (s *Step) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Millisecond
}

// OrderedSteps returns the steps sorted by ascending position.
func (w *Workflow) OrderedSteps() []*Step {
	steps := make([]*Step, len(w.Steps))
	copy(steps, w.Steps)

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Position < steps[j].Position
	})

	return steps
}

// Validate checks the workflow fields, the step ordering invariants and every step config.
func (w *Workflow) Validate() error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}

	ids := make(map[string]struct{}, len(w.Steps))
	positions := make(map[int]struct{}, len(w.Steps))

	for _, step := range w.Steps {
		if _, dup := ids[step.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidWorkflow, step.ID)
		}

		ids[step.ID] = struct{}{}

		if _, dup := positions[step.Position]; dup {
			return fmt.Errorf("%w: duplicate step position %d", ErrInvalidWorkflow, step.Position)
		}

		positions[step.Position] = struct{}{}

		if step.Conditions != nil {
			if err := step.Conditions.Validate(); err != nil {
				return fmt.Errorf("%w: step %s: %w", ErrInvalidWorkflow, step.ID, err)
			}
		}

		if _, err := DecodeStepConfig(step.Type, step.Config); err != nil {
			return fmt.Errorf("%w: step %s: %w", ErrInvalidWorkflow, step.ID, err)
		}
	}

	ordered := w.OrderedSteps()
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Position != ordered[i-1].Position+1 {
			return fmt.Errorf("%w: step positions must be contiguous, gap after %d",
				ErrInvalidWorkflow, ordered[i-1].Position)
		}
	}

	return nil
}
