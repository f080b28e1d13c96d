// Package persistencetest holds the behaviour every persistence backend must share.
package persistencetest

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Workflow returns a valid two-step workflow with a fresh id.
func Workflow() *models.Workflow {
	return &models.Workflow{
		ID:          uuid.NewString(),
		Name:        "Fetch and wait",
		Description: "fixture",
		Active:      true,
		Variables:   map[string]any{"env": "test"},
		Steps: []*models.Step{
			{ID: "wait", Name: "Wait", Type: models.StepTypeDelay, Position: 1, Config: map[string]any{"duration": 10.0}},
			{
				ID: "fetch", Name: "Fetch", Type: models.StepTypeAPICall, Position: 0,
				Config: map[string]any{"url": "https://example.com/items"},
			},
		},
	}
}

// RunContract exercises a backend through the persistence interfaces.
func RunContract(t *testing.T, newPersistence func(t *testing.T) persistence.Persistence) {
	t.Helper()

	t.Run("workflows", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()
		repo := p.WorkflowRepository()

		workflow := Workflow()
		require.NoError(t, repo.Save(ctx, workflow))
		assert.False(t, workflow.CreatedAt.IsZero())

		got, err := repo.GetByID(ctx, workflow.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.Name, got.Name)
		assert.True(t, got.Active)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, "fetch", got.Steps[0].ID)
		assert.Equal(t, "wait", got.Steps[1].ID)
		assert.Equal(t, map[string]any{"env": "test"}, got.Variables)

		workflow.Name = "Renamed"
		workflow.Active = false
		require.NoError(t, repo.Save(ctx, workflow))

		all, err := repo.GetAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "Renamed", all[0].Name)
		assert.False(t, all[0].Active)

		require.NoError(t, repo.Delete(ctx, workflow.ID))

		_, err = repo.GetByID(ctx, workflow.ID)
		assert.True(t, persistence.IsWorkflowNotFound(err))

		err = repo.Delete(ctx, workflow.ID)
		assert.True(t, persistence.IsWorkflowNotFound(err))
	})

	t.Run("executions", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()

		workflow := Workflow()
		require.NoError(t, p.WorkflowRepository().Save(ctx, workflow))

		repo := p.ExecutionRepository()
		started := time.Now().UTC().Truncate(time.Millisecond)

		execution := &models.WorkflowExecution{
			ID:          uuid.NewString(),
			WorkflowID:  workflow.ID,
			Status:      models.ExecutionStatusRunning,
			StartedAt:   started,
			TriggeredBy: models.TriggeredByManual,
			TriggerData: map[string]any{"source": "test"},
			StepResults: map[string]any{},
		}
		require.NoError(t, repo.Create(ctx, execution))

		status := models.ExecutionStatusSuccess
		finished := started.Add(time.Second)
		require.NoError(t, repo.Update(ctx, execution.ID, persistence.ExecutionUpdate{
			Status:      &status,
			FinishedAt:  &finished,
			StepResults: map[string]any{"fetch": map[string]any{"status": 200.0}},
		}))

		got, err := repo.GetByID(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusSuccess, got.Status)
		require.NotNil(t, got.FinishedAt)
		assert.True(t, finished.Equal(*got.FinishedAt))
		assert.Equal(t, map[string]any{"source": "test"}, got.TriggerData)
		assert.Equal(t, map[string]any{"fetch": map[string]any{"status": 200.0}}, got.StepResults)
		assert.Empty(t, got.Error)

		byWorkflow, err := repo.GetByWorkflow(ctx, workflow.ID)
		require.NoError(t, err)
		assert.Len(t, byWorkflow, 1)

		running, err := repo.GetByStatus(ctx, models.ExecutionStatusRunning, models.ExecutionStatusPending)
		require.NoError(t, err)
		assert.Empty(t, running)

		_, err = repo.GetByID(ctx, "missing")
		assert.True(t, persistence.IsExecutionNotFound(err))

		err = repo.Update(ctx, "missing", persistence.ExecutionUpdate{Status: &status})
		assert.True(t, persistence.IsExecutionNotFound(err))
	})

	t.Run("conditional execution update", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()

		workflow := Workflow()
		require.NoError(t, p.WorkflowRepository().Save(ctx, workflow))

		repo := p.ExecutionRepository()
		execution := &models.WorkflowExecution{
			ID:          uuid.NewString(),
			WorkflowID:  workflow.ID,
			Status:      models.ExecutionStatusRunning,
			StartedAt:   time.Now().UTC().Truncate(time.Millisecond),
			TriggeredBy: models.TriggeredByManual,
			StepResults: map[string]any{},
		}
		require.NoError(t, repo.Create(ctx, execution))

		cancelled := models.ExecutionStatusCancelled
		reason := "stop"
		updated, err := repo.UpdateIfActive(ctx, execution.ID, persistence.ExecutionUpdate{Status: &cancelled, Error: &reason})
		require.NoError(t, err)
		assert.True(t, updated)

		success := models.ExecutionStatusSuccess
		updated, err = repo.UpdateIfActive(ctx, execution.ID, persistence.ExecutionUpdate{
			Status:      &success,
			StepResults: map[string]any{"fetch": "late"},
		})
		require.NoError(t, err)
		assert.False(t, updated)

		got, err := repo.GetByID(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusCancelled, got.Status)
		assert.Equal(t, "stop", got.Error)
		assert.Empty(t, got.StepResults)

		_, err = repo.UpdateIfActive(ctx, "missing", persistence.ExecutionUpdate{Status: &success})
		assert.True(t, persistence.IsExecutionNotFound(err))
	})

	t.Run("step executions", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()

		workflow := Workflow()
		require.NoError(t, p.WorkflowRepository().Save(ctx, workflow))

		execution := &models.WorkflowExecution{
			ID: uuid.NewString(), WorkflowID: workflow.ID, Status: models.ExecutionStatusRunning,
			StartedAt: time.Now().UTC(), TriggeredBy: models.TriggeredByManual, StepResults: map[string]any{},
		}
		require.NoError(t, p.ExecutionRepository().Create(ctx, execution))

		repo := p.StepExecutionRepository()
		base := time.Now().UTC().Truncate(time.Millisecond)

		second := &models.StepExecution{
			ID: uuid.NewString(), ExecutionID: execution.ID, StepID: "wait", Position: 1,
			Status: models.StepStatusRunning, StartedAt: base.Add(time.Second), MaxAttempts: 3, AttemptNumber: 1,
		}
		first := &models.StepExecution{
			ID: uuid.NewString(), ExecutionID: execution.ID, StepID: "fetch", Position: 0,
			Status: models.StepStatusRunning, StartedAt: base, MaxAttempts: 3, AttemptNumber: 1,
		}
		require.NoError(t, repo.Create(ctx, second))
		require.NoError(t, repo.Create(ctx, first))

		attempt := 2
		status := models.StepStatusSuccess
		logs := "GET https://example.com/items -> 200"
		finished := base.Add(500 * time.Millisecond)
		require.NoError(t, repo.Update(ctx, first.ID, persistence.StepExecutionUpdate{AttemptNumber: &attempt}))
		require.NoError(t, repo.Update(ctx, first.ID, persistence.StepExecutionUpdate{
			Status: &status, FinishedAt: &finished, Output: map[string]any{"status": 200.0}, Logs: &logs,
		}))

		steps, err := repo.GetByExecution(ctx, execution.ID)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, "fetch", steps[0].StepID)
		assert.Equal(t, "wait", steps[1].StepID)
		assert.Equal(t, models.StepStatusSuccess, steps[0].Status)
		assert.Equal(t, 2, steps[0].AttemptNumber)
		assert.Equal(t, 3, steps[0].MaxAttempts)
		assert.Equal(t, logs, steps[0].Logs)
		assert.Equal(t, map[string]any{"status": 200.0}, steps[0].Output)

		running, err := repo.GetByStatus(ctx, models.StepStatusRunning)
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, "wait", running[0].StepID)

		err = repo.Update(ctx, "missing", persistence.StepExecutionUpdate{Status: &status})
		assert.True(t, persistence.IsStepExecutionNotFound(err))
	})

	t.Run("triggers", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()

		workflow := Workflow()
		require.NoError(t, p.WorkflowRepository().Save(ctx, workflow))

		repo := p.TriggerRepository()
		trigger := &models.Trigger{
			ID:         uuid.NewString(),
			WorkflowID: workflow.ID,
			Name:       "nightly",
			Type:       models.TriggerTypeSchedule,
			Config:     map[string]any{"cron": "0 0 * * *"},
			Active:     true,
		}
		require.NoError(t, repo.Save(ctx, trigger))

		got, err := repo.GetByID(ctx, trigger.ID)
		require.NoError(t, err)
		assert.Equal(t, trigger.Config, got.Config)
		assert.Equal(t, models.TriggerTypeSchedule, got.Type)

		byWorkflow, err := repo.GetByWorkflow(ctx, workflow.ID)
		require.NoError(t, err)
		assert.Len(t, byWorkflow, 1)

		all, err := repo.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, repo.Delete(ctx, trigger.ID))

		_, err = repo.GetByID(ctx, trigger.ID)
		assert.True(t, persistence.IsTriggerNotFound(err))
	})

	t.Run("health", func(t *testing.T) {
		p := newPersistence(t)
		assert.NoError(t, p.HealthCheck(context.Background()))
	})
}
