// Package persistence defines the storage contract for workflows, runs, step
// executions and triggers.
package persistence

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/stepflow/pkg/models"
)

type Persistence interface {
	WorkflowRepository() WorkflowRepository
	ExecutionRepository() ExecutionRepository
	StepExecutionRepository() StepExecutionRepository
	TriggerRepository() TriggerRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflow definitions. GetByID returns the steps
// ordered by position.
type WorkflowRepository interface {
	GetAll(ctx context.Context) ([]*models.Workflow, error)
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	Save(ctx context.Context, workflow *models.Workflow) error
	Delete(ctx context.Context, id string) error
}

// ExecutionUpdate lists the run fields to change. Nil fields are left untouched.
type ExecutionUpdate struct {
	Status      *models.ExecutionStatus
	FinishedAt  *time.Time
	StepResults map[string]any
	Error       *string
}

// ExecutionRepository stores workflow runs. Each call is an independent write.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.WorkflowExecution) error
	Update(ctx context.Context, id string, update ExecutionUpdate) error
	// UpdateIfActive applies update only while the run is PENDING or RUNNING.
	// It reports false when the run already reached a terminal state.
	UpdateIfActive(ctx context.Context, id string, update ExecutionUpdate) (bool, error)
	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	GetByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error)
	GetByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.WorkflowExecution, error)
}

// StepExecutionUpdate lists the step execution fields to change. Nil fields are
// left untouched.
type StepExecutionUpdate struct {
	Status        *models.StepStatus
	FinishedAt    *time.Time
	AttemptNumber *int
	Output        any
	Logs          *string
	Error         *string
}

// StepExecutionRepository stores per-step records of a run.
type StepExecutionRepository interface {
	Create(ctx context.Context, step *models.StepExecution) error
	Update(ctx context.Context, id string, update StepExecutionUpdate) error
	// GetByExecution returns the step executions of a run ordered by start time then position.
	GetByExecution(ctx context.Context, executionID string) ([]*models.StepExecution, error)
	GetByStatus(ctx context.Context, status models.StepStatus) ([]*models.StepExecution, error)
}

type TriggerRepository interface {
	GetAll(ctx context.Context) ([]*models.Trigger, error)
	GetByID(ctx context.Context, id string) (*models.Trigger, error)
	GetByWorkflow(ctx context.Context, workflowID string) ([]*models.Trigger, error)
	Save(ctx context.Context, trigger *models.Trigger) error
	Delete(ctx context.Context, id string) error
}

// Apply copies the set fields of u onto execution.
func (u ExecutionUpdate) Apply(execution *models.WorkflowExecution) {
	if u.Status != nil {
		execution.Status = *u.Status
	}

	if u.FinishedAt != nil {
		finishedAt := *u.FinishedAt
		execution.FinishedAt = &finishedAt
	}

	if u.StepResults != nil {
		execution.StepResults = u.StepResults
	}

	if u.Error != nil {
		execution.Error = *u.Error
	}
}

// Apply copies the set fields of u onto step.
func (u StepExecutionUpdate) Apply(step *models.StepExecution) {
	if u.Status != nil {
		step.Status = *u.Status
	}

	if u.FinishedAt != nil {
		finishedAt := *u.FinishedAt
		step.FinishedAt = &finishedAt
	}

	if u.AttemptNumber != nil {
		step.AttemptNumber = *u.AttemptNumber
	}

	if u.Output != nil {
		step.Output = u.Output
	}

	if u.Logs != nil {
		step.Logs = *u.Logs
	}

	if u.Error != nil {
		step.Error = *u.Error
	}
}

// SortStepExecutions orders step executions by start time, then position.
func SortStepExecutions(steps []*models.StepExecution) {
	sort.SliceStable(steps, func(i, j int) bool {
		if !steps[i].StartedAt.Equal(steps[j].StartedAt) {
			return steps[i].StartedAt.Before(steps[j].StartedAt)
		}

		return steps[i].Position < steps[j].Position
	})
}

// SortExecutions orders runs newest first.
func SortExecutions(executions []*models.WorkflowExecution) {
	sort.SliceStable(executions, func(i, j int) bool {
		return executions[i].StartedAt.After(executions[j].StartedAt)
	})
}
