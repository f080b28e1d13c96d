// Package engine runs workflows: it creates the run record, walks the steps in
// position order, retries failed attempts with exponential backoff and records
// every transition through the persistence layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/stepflow/pkg/eventbus"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/otelhelper"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/registry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

type Engine struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	logger      *slog.Logger
	clock       clockwork.Clock
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
	slots       *semaphore.Weighted
	newID       func() string

	// ctx bounds every run; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// plannedStep is a step with its config decoded ahead of the run.
type plannedStep struct {
	step   *models.Step
	config models.StepConfig
}

func New(p persistence.Persistence, reg *registry.Registry, logger *slog.Logger, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		persistence: p,
		registry:    reg,
		logger:      logger.With("module", "engine"),
		clock:       clockwork.NewRealClock(),
		tracer:      otelhelper.NoopTracer(),
		newID:       uuid.NewString,
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// ExecuteWorkflow validates the workflow, creates its run record in RUNNING and
// starts the step loop in the background. It returns the execution id without
// waiting for the run; errors are only returned for setup failures, in which
// case no run record exists.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, triggerData map[string]any, triggeredBy string) (string, error) {
	if e.ctx.Err() != nil {
		return "", ErrEngineStopped
	}

	workflow, err := e.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return "", fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	if !workflow.Active {
		return "", fmt.Errorf("%w: %s", ErrWorkflowInactive, workflowID)
	}

	plan, err := e.plan(workflow)
	if err != nil {
		return "", err
	}

	if triggeredBy == "" {
		triggeredBy = models.TriggeredByManual
	}

	execution := &models.WorkflowExecution{
		ID:          e.newID(),
		WorkflowID:  workflow.ID,
		Status:      models.ExecutionStatusRunning,
		StartedAt:   e.clock.Now().UTC(),
		TriggeredBy: triggeredBy,
		TriggerData: triggerData,
		StepResults: map[string]any{},
	}

	err = e.persistence.ExecutionRepository().Create(ctx, execution)
	if err != nil {
		return "", fmt.Errorf("failed to create execution for workflow %s: %w", workflowID, err)
	}

	e.logger.InfoContext(ctx, "Workflow execution started",
		"workflow_id", workflow.ID,
		"execution_id", execution.ID,
		"triggered_by", triggeredBy,
		"steps", len(plan))

	// The run outlives the caller's request but keeps its trace.
	runCtx := trace.ContextWithSpanContext(e.ctx, trace.SpanContextFromContext(ctx))

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		e.run(runCtx, workflow, plan, execution)
	}()

	return execution.ID, nil
}

// plan orders the steps and decodes every step config once.
func (e *Engine) plan(workflow *models.Workflow) ([]plannedStep, error) {
	steps := workflow.OrderedSteps()
	plan := make([]plannedStep, 0, len(steps))

	for _, step := range steps {
		if !e.registry.Supports(step.Type) {
			return nil, fmt.Errorf("%w %s: %w: %s", ErrInvalidStep, step.ID, models.ErrUnsupportedStepType, step.Type)
		}

		config, err := models.DecodeStepConfig(step.Type, step.Config)
		if err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrInvalidStep, step.ID, err)
		}

		plan = append(plan, plannedStep{step: step, config: config})
	}

	return plan, nil
}

// CancelExecution marks a run CANCELLED. The step in flight, if any, finishes;
// the run stops before its next step.
func (e *Engine) CancelExecution(ctx context.Context, executionID, reason string) error {
	executions := e.persistence.ExecutionRepository()

	execution, err := executions.GetByID(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	if execution.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrExecutionFinished, executionID, execution.Status)
	}

	if reason == "" {
		reason = CancelledMessage
	}

	status := models.ExecutionStatusCancelled
	now := e.clock.Now().UTC()

	cancelled, err := executions.UpdateIfActive(ctx, executionID, persistence.ExecutionUpdate{
		Status:     &status,
		FinishedAt: &now,
		Error:      &reason,
	})
	if err != nil {
		return fmt.Errorf("failed to cancel execution %s: %w", executionID, err)
	}

	// The run reached a terminal state between the read and the write.
	if !cancelled {
		return fmt.Errorf("%w: %s", ErrExecutionFinished, executionID)
	}

	e.logger.InfoContext(ctx, "Workflow execution cancelled",
		"workflow_id", execution.WorkflowID,
		"execution_id", executionID,
		"reason", reason)

	e.publish(ctx, executionID, events.ExecutionCancelled{
		BaseEvent:   events.NewBaseEvent(events.ExecutionCancelledEvent, execution.WorkflowID),
		ExecutionID: executionID,
		Reason:      reason,
	})

	return nil
}

func (e *Engine) GetExecution(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	return e.persistence.ExecutionRepository().GetByID(ctx, executionID)
}

// ListExecutions returns the runs of a workflow, newest first.
func (e *Engine) ListExecutions(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	return e.persistence.ExecutionRepository().GetByWorkflow(ctx, workflowID)
}

// ListStepExecutions returns the step executions of a run in execution order.
func (e *Engine) ListStepExecutions(ctx context.Context, executionID string) ([]*models.StepExecution, error) {
	_, err := e.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return e.persistence.StepExecutionRepository().GetByExecution(ctx, executionID)
}

// Reconcile fails runs and step executions left RUNNING or PENDING by a
// previous process. Call it once at startup, before any run is started.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	stale, err := e.persistence.ExecutionRepository().GetByStatus(ctx, models.ExecutionStatusRunning, models.ExecutionStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale executions: %w", err)
	}

	now := e.clock.Now().UTC()
	message := InterruptedMessage
	failed := models.ExecutionStatusFailed

	for _, execution := range stale {
		reconciled, err := e.persistence.ExecutionRepository().UpdateIfActive(ctx, execution.ID, persistence.ExecutionUpdate{
			Status:     &failed,
			FinishedAt: &now,
			Error:      &message,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to reconcile execution %s: %w", execution.ID, err)
		}

		if !reconciled {
			continue
		}

		e.logger.WarnContext(ctx, "Marked interrupted execution as failed",
			"workflow_id", execution.WorkflowID,
			"execution_id", execution.ID)
	}

	steps, err := e.persistence.StepExecutionRepository().GetByStatus(ctx, models.StepStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale step executions: %w", err)
	}

	stepFailed := models.StepStatusFailed

	for _, step := range steps {
		err := e.persistence.StepExecutionRepository().Update(ctx, step.ID, persistence.StepExecutionUpdate{
			Status:     &stepFailed,
			FinishedAt: &now,
			Error:      &message,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to reconcile step execution %s: %w", step.ID, err)
		}
	}

	return len(stale), nil
}

// Wait blocks until every started run has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown stops accepting runs, interrupts the running ones and waits for
// them to record their final state, or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// HealthCheck reports whether the engine accepts new runs.
func (e *Engine) HealthCheck() (string, bool) {
	if e.ctx.Err() != nil {
		return "engine stopped", false
	}

	return "engine accepting runs", true
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otelhelper.StartSpan(ctx, e.tracer, name, attrs...)
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	err := e.publisher.Publish(ctx, key, event)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
