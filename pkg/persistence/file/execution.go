package file

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// ExecutionRepository handles workflow run files.
type ExecutionRepository struct {
	docs *documents[models.WorkflowExecution]
}

func (er *ExecutionRepository) Create(_ context.Context, execution *models.WorkflowExecution) error {
	er.docs.mu.Lock()
	defer er.docs.mu.Unlock()

	_, err := er.docs.read(execution.ID)
	if err == nil {
		return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	if !errors.Is(err, errNotExist) {
		return fmt.Errorf("failed to create execution %s: %w", execution.ID, err)
	}

	return er.docs.write(execution.ID, execution)
}

func (er *ExecutionRepository) Update(_ context.Context, id string, update persistence.ExecutionUpdate) error {
	err := er.docs.update(id, update.Apply)
	if errors.Is(err, errNotExist) {
		return persistence.NewExecutionError("Update", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", id, err)
	}

	return nil
}

func (er *ExecutionRepository) UpdateIfActive(_ context.Context, id string, update persistence.ExecutionUpdate) (bool, error) {
	er.docs.mu.Lock()
	defer er.docs.mu.Unlock()

	execution, err := er.docs.read(id)
	if errors.Is(err, errNotExist) {
		return false, persistence.NewExecutionError("UpdateIfActive", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return false, fmt.Errorf("failed to update execution %s: %w", id, err)
	}

	if execution.Status.IsTerminal() {
		return false, nil
	}

	update.Apply(execution)

	if err := er.docs.write(id, execution); err != nil {
		return false, fmt.Errorf("failed to update execution %s: %w", id, err)
	}

	return true, nil
}

func (er *ExecutionRepository) GetByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	execution, err := er.docs.get(id)
	if errors.Is(err, errNotExist) {
		return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch execution %s: %w", id, err)
	}

	return execution, nil
}

func (er *ExecutionRepository) GetByWorkflow(_ context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	return er.list(func(e *models.WorkflowExecution) bool { return e.WorkflowID == workflowID })
}

func (er *ExecutionRepository) GetByStatus(_ context.Context, statuses ...models.ExecutionStatus) ([]*models.WorkflowExecution, error) {
	return er.list(func(e *models.WorkflowExecution) bool { return slices.Contains(statuses, e.Status) })
}

func (er *ExecutionRepository) list(keep func(*models.WorkflowExecution) bool) ([]*models.WorkflowExecution, error) {
	executions, err := er.docs.filter(keep)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	persistence.SortExecutions(executions)

	return executions, nil
}

// StepExecutionRepository handles step execution files.
type StepExecutionRepository struct {
	docs *documents[models.StepExecution]
}

func (sr *StepExecutionRepository) Create(_ context.Context, step *models.StepExecution) error {
	sr.docs.mu.Lock()
	defer sr.docs.mu.Unlock()

	return sr.docs.write(step.ID, step)
}

func (sr *StepExecutionRepository) Update(_ context.Context, id string, update persistence.StepExecutionUpdate) error {
	err := sr.docs.update(id, update.Apply)
	if errors.Is(err, errNotExist) {
		return persistence.NewStepExecutionError("Update", id, persistence.ErrStepExecutionNotFound)
	}

	if err != nil {
		return fmt.Errorf("failed to update step execution %s: %w", id, err)
	}

	return nil
}

func (sr *StepExecutionRepository) GetByExecution(_ context.Context, executionID string) ([]*models.StepExecution, error) {
	return sr.list(func(s *models.StepExecution) bool { return s.ExecutionID == executionID })
}

func (sr *StepExecutionRepository) GetByStatus(_ context.Context, status models.StepStatus) ([]*models.StepExecution, error) {
	return sr.list(func(s *models.StepExecution) bool { return s.Status == status })
}

func (sr *StepExecutionRepository) list(keep func(*models.StepExecution) bool) ([]*models.StepExecution, error) {
	steps, err := sr.docs.filter(keep)
	if err != nil {
		return nil, fmt.Errorf("failed to list step executions: %w", err)
	}

	persistence.SortStepExecutions(steps)

	return steps, nil
}
