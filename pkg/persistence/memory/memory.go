// Package memory provides an in-process persistence implementation used by
// tests and single-shot runs.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// Persistence keeps every record in maps guarded by a single mutex. Records
// are copied on the way in and out so callers never share state with the store.
type Persistence struct {
	mu             sync.RWMutex
	workflows      map[string]*models.Workflow
	executions     map[string]*models.WorkflowExecution
	stepExecutions map[string]*models.StepExecution
	triggers       map[string]*models.Trigger
}

func NewPersistence() *Persistence {
	return &Persistence{
		workflows:      make(map[string]*models.Workflow),
		executions:     make(map[string]*models.WorkflowExecution),
		stepExecutions: make(map[string]*models.StepExecution),
		triggers:       make(map[string]*models.Trigger),
	}
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return workflowRepository{p}
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return executionRepository{p}
}

func (p *Persistence) StepExecutionRepository() persistence.StepExecutionRepository {
	return stepExecutionRepository{p}
}

func (p *Persistence) TriggerRepository() persistence.TriggerRepository {
	return triggerRepository{p}
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

type workflowRepository struct{ p *Persistence }

func (r workflowRepository) GetAll(_ context.Context) ([]*models.Workflow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	workflows := make([]*models.Workflow, 0, len(r.p.workflows))
	for _, workflow := range r.p.workflows {
		workflows = append(workflows, copyWorkflow(workflow))
	}

	slices.SortFunc(workflows, func(a, b *models.Workflow) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	return workflows, nil
}

func (r workflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	workflow, ok := r.p.workflows[id]
	if !ok {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	return copyWorkflow(workflow), nil
}

func (r workflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.p.workflows[workflow.ID]; ok {
		workflow.CreatedAt = existing.CreatedAt
	} else if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now
	r.p.workflows[workflow.ID] = copyWorkflow(workflow)

	return nil
}

func (r workflowRepository) Delete(_ context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.workflows[id]; !ok {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	delete(r.p.workflows, id)

	return nil
}

type executionRepository struct{ p *Persistence }

func (r executionRepository) Create(_ context.Context, execution *models.WorkflowExecution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.executions[execution.ID]; ok {
		return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	copied := *execution
	r.p.executions[execution.ID] = &copied

	return nil
}

func (r executionRepository) Update(_ context.Context, id string, update persistence.ExecutionUpdate) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	execution, ok := r.p.executions[id]
	if !ok {
		return persistence.NewExecutionError("Update", id, persistence.ErrExecutionNotFound)
	}

	update.Apply(execution)

	return nil
}

func (r executionRepository) UpdateIfActive(_ context.Context, id string, update persistence.ExecutionUpdate) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	execution, ok := r.p.executions[id]
	if !ok {
		return false, persistence.NewExecutionError("UpdateIfActive", id, persistence.ErrExecutionNotFound)
	}

	if execution.Status.IsTerminal() {
		return false, nil
	}

	update.Apply(execution)

	return true, nil
}

func (r executionRepository) GetByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	execution, ok := r.p.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
	}

	copied := *execution

	return &copied, nil
}

func (r executionRepository) GetByWorkflow(_ context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	return r.filter(func(e *models.WorkflowExecution) bool { return e.WorkflowID == workflowID }), nil
}

func (r executionRepository) GetByStatus(_ context.Context, statuses ...models.ExecutionStatus) ([]*models.WorkflowExecution, error) {
	return r.filter(func(e *models.WorkflowExecution) bool { return slices.Contains(statuses, e.Status) }), nil
}

func (r executionRepository) filter(keep func(*models.WorkflowExecution) bool) []*models.WorkflowExecution {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	executions := make([]*models.WorkflowExecution, 0)

	for _, execution := range r.p.executions {
		if keep(execution) {
			copied := *execution
			executions = append(executions, &copied)
		}
	}

	persistence.SortExecutions(executions)

	return executions
}

type stepExecutionRepository struct{ p *Persistence }

func (r stepExecutionRepository) Create(_ context.Context, step *models.StepExecution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	copied := *step
	r.p.stepExecutions[step.ID] = &copied

	return nil
}

func (r stepExecutionRepository) Update(_ context.Context, id string, update persistence.StepExecutionUpdate) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	step, ok := r.p.stepExecutions[id]
	if !ok {
		return persistence.NewStepExecutionError("Update", id, persistence.ErrStepExecutionNotFound)
	}

	update.Apply(step)

	return nil
}

func (r stepExecutionRepository) GetByExecution(_ context.Context, executionID string) ([]*models.StepExecution, error) {
	return r.filter(func(s *models.StepExecution) bool { return s.ExecutionID == executionID }), nil
}

func (r stepExecutionRepository) GetByStatus(_ context.Context, status models.StepStatus) ([]*models.StepExecution, error) {
	return r.filter(func(s *models.StepExecution) bool { return s.Status == status }), nil
}

func (r stepExecutionRepository) filter(keep func(*models.StepExecution) bool) []*models.StepExecution {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	steps := make([]*models.StepExecution, 0)

	for _, step := range r.p.stepExecutions {
		if keep(step) {
			copied := *step
			steps = append(steps, &copied)
		}
	}

	persistence.SortStepExecutions(steps)

	return steps
}

type triggerRepository struct{ p *Persistence }

func (r triggerRepository) GetAll(_ context.Context) ([]*models.Trigger, error) {
	return r.filter(func(*models.Trigger) bool { return true }), nil
}

func (r triggerRepository) GetByWorkflow(_ context.Context, workflowID string) ([]*models.Trigger, error) {
	return r.filter(func(t *models.Trigger) bool { return t.WorkflowID == workflowID }), nil
}

func (r triggerRepository) GetByID(_ context.Context, id string) (*models.Trigger, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	trigger, ok := r.p.triggers[id]
	if !ok {
		return nil, persistence.ErrTriggerNotFound
	}

	copied := *trigger

	return &copied, nil
}

func (r triggerRepository) Save(_ context.Context, trigger *models.Trigger) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.p.triggers[trigger.ID]; ok {
		trigger.CreatedAt = existing.CreatedAt
	} else if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = now
	}

	trigger.UpdatedAt = now
	copied := *trigger
	r.p.triggers[trigger.ID] = &copied

	return nil
}

func (r triggerRepository) Delete(_ context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.triggers[id]; !ok {
		return persistence.ErrTriggerNotFound
	}

	delete(r.p.triggers, id)

	return nil
}

func (r triggerRepository) filter(keep func(*models.Trigger) bool) []*models.Trigger {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	triggers := make([]*models.Trigger, 0)

	for _, trigger := range r.p.triggers {
		if keep(trigger) {
			copied := *trigger
			triggers = append(triggers, &copied)
		}
	}

	slices.SortFunc(triggers, func(a, b *models.Trigger) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return triggers
}

func copyWorkflow(workflow *models.Workflow) *models.Workflow {
	copied := *workflow
	copied.Steps = workflow.OrderedSteps()

	return &copied
}
