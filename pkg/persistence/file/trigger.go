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

// TriggerRepository handles trigger files.
type TriggerRepository struct {
	docs *documents[models.Trigger]
}

func (tr *TriggerRepository) GetAll(_ context.Context) ([]*models.Trigger, error) {
	return tr.list(func(*models.Trigger) bool { return true })
}

func (tr *TriggerRepository) GetByWorkflow(_ context.Context, workflowID string) ([]*models.Trigger, error) {
	return tr.list(func(t *models.Trigger) bool { return t.WorkflowID == workflowID })
}

func (tr *TriggerRepository) GetByID(_ context.Context, id string) (*models.Trigger, error) {
	trigger, err := tr.docs.get(id)
	if errors.Is(err, errNotExist) {
		return nil, persistence.ErrTriggerNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch trigger %s: %w", id, err)
	}

	return trigger, nil
}

func (tr *TriggerRepository) Save(_ context.Context, trigger *models.Trigger) error {
	tr.docs.mu.Lock()
	defer tr.docs.mu.Unlock()

	now := time.Now().UTC()

	existing, err := tr.docs.read(trigger.ID)
	switch {
	case err == nil:
		trigger.CreatedAt = existing.CreatedAt
	case errors.Is(err, errNotExist):
		if trigger.CreatedAt.IsZero() {
			trigger.CreatedAt = now
		}
	default:
		return fmt.Errorf("failed to save trigger %s: %w", trigger.ID, err)
	}

	trigger.UpdatedAt = now

	return tr.docs.write(trigger.ID, trigger)
}

func (tr *TriggerRepository) Delete(_ context.Context, id string) error {
	tr.docs.mu.Lock()
	defer tr.docs.mu.Unlock()

	err := tr.docs.remove(id)
	if errors.Is(err, errNotExist) {
		return persistence.ErrTriggerNotFound
	}

	if err != nil {
		return fmt.Errorf("failed to delete trigger %s: %w", id, err)
	}

	return nil
}

func (tr *TriggerRepository) list(keep func(*models.Trigger) bool) ([]*models.Trigger, error) {
	triggers, err := tr.docs.filter(keep)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}

	sort.Slice(triggers, func(i, j int) bool {
		return triggers[i].CreatedAt.Before(triggers[j].CreatedAt)
	})

	return triggers, nil
}
