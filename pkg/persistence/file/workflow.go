package file

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// WorkflowRepository handles workflow-related file operations.
type WorkflowRepository struct {
	docs *documents[models.Workflow]
}

// GetAll returns every stored workflow, newest first.
func (wr *WorkflowRepository) GetAll(_ context.Context) ([]*models.Workflow, error) {
	workflows, err := wr.docs.filter(func(*models.Workflow) bool { return true })
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})

	for _, workflow := range workflows {
		workflow.Steps = workflow.OrderedSteps()
	}

	return workflows, nil
}

// GetByID retrieves a workflow by its ID from the file system.
func (wr *WorkflowRepository) GetByID(_ context.Context, workflowID string) (*models.Workflow, error) {
	workflow, err := wr.docs.get(workflowID)
	if errors.Is(err, errNotExist) {
		return nil, persistence.NewWorkflowError("GetByID", workflowID, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch workflow %s: %w", workflowID, err)
	}

	workflow.Steps = workflow.OrderedSteps()

	return workflow, nil
}

// Save saves a workflow to the file system, keeping the original creation time.
func (wr *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	wr.docs.mu.Lock()
	defer wr.docs.mu.Unlock()

	now := time.Now().UTC()

	existing, err := wr.docs.read(workflow.ID)
	switch {
	case err == nil:
		workflow.CreatedAt = existing.CreatedAt
	case errors.Is(err, errNotExist):
		if workflow.CreatedAt.IsZero() {
			workflow.CreatedAt = now
		}
	default:
		return fmt.Errorf("failed to save workflow %s: %w", workflow.ID, err)
	}

	workflow.UpdatedAt = now

	return wr.docs.write(workflow.ID, workflow)
}

// Delete removes a workflow by its ID.
func (wr *WorkflowRepository) Delete(_ context.Context, id string) error {
	wr.docs.mu.Lock()
	defer wr.docs.mu.Unlock()

	err := wr.docs.remove(id)
	if errors.Is(err, errNotExist) {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}

	return nil
}
