package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/conditions"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/otelhelper"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
)

// stepError reports the step whose attempts were exhausted.
type stepError struct {
	stepID string
	err    error
}

func (e *stepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.stepID, e.err)
}

func (e *stepError) Unwrap() error {
	return e.err
}

// run executes the planned steps of one run in order. It never returns an
// error: every outcome is recorded on the run record.
func (e *Engine) run(ctx context.Context, workflow *models.Workflow, plan []plannedStep, execution *models.WorkflowExecution) {
	// Writes must land even while the engine is shutting down.
	store := context.WithoutCancel(ctx)

	logger := e.logger.With("workflow_id", workflow.ID, "execution_id", execution.ID)

	ctx, span := e.startSpan(ctx, "workflow.execution",
		attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
		attribute.String(otelhelper.WorkflowNameKey, workflow.Name),
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.TriggeredByKey, execution.TriggeredBy),
	)
	defer span.End()

	if e.slots != nil {
		err := e.slots.Acquire(ctx, 1)
		if err != nil {
			e.finish(store, logger, execution, models.ExecutionStatusFailed, StoppedMessage, nil)

			return
		}

		defer e.slots.Release(1)
	}

	e.publish(store, execution.ID, events.ExecutionStarted{
		BaseEvent:   events.NewBaseEvent(events.ExecutionStartedEvent, workflow.ID),
		ExecutionID: execution.ID,
		TriggeredBy: execution.TriggeredBy,
		TriggerData: execution.TriggerData,
	})

	runContext := models.NewRunContext(execution.ID, workflow.ID, workflow.Variables, execution.TriggerData)

	for _, planned := range plan {
		if e.cancelled(store, logger, execution.ID) {
			logger.InfoContext(ctx, "Workflow execution stopped after cancellation", "next_step_id", planned.step.ID)

			return
		}

		err := e.executeStep(ctx, store, logger, runContext, planned)
		if err != nil {
			otelhelper.SetError(span, err, attribute.String(otelhelper.StepIDKey, planned.step.ID))

			message := err.Error()
			if isInterrupted(err) {
				message = StoppedMessage
			}

			if !e.finish(store, logger, execution, models.ExecutionStatusFailed, message, runContext.Snapshot()) {
				return
			}

			e.publish(store, execution.ID, events.ExecutionFailed{
				BaseEvent:   events.NewBaseEvent(events.ExecutionFailedEvent, workflow.ID),
				ExecutionID: execution.ID,
				StepID:      planned.step.ID,
				Error:       message,
				Duration:    e.clock.Since(execution.StartedAt),
			})

			return
		}
	}

	if !e.finish(store, logger, execution, models.ExecutionStatusSuccess, "", runContext.Snapshot()) {
		return
	}

	e.publish(store, execution.ID, events.ExecutionCompleted{
		BaseEvent:   events.NewBaseEvent(events.ExecutionCompletedEvent, workflow.ID),
		ExecutionID: execution.ID,
		StepResults: runContext.Snapshot(),
		Duration:    e.clock.Since(execution.StartedAt),
	})
}

// cancelled re-reads the run status. A failed read is logged and treated as
// not cancelled.
func (e *Engine) cancelled(ctx context.Context, logger *slog.Logger, executionID string) bool {
	current, err := e.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		logger.WarnContext(ctx, "Failed to re-read execution status", "error", err)

		return false
	}

	return current.Status == models.ExecutionStatusCancelled
}

// finish records the terminal state of a run. The write only lands while the
// run is still active, so a concurrent cancellation is never overwritten. It
// reports whether the state was recorded.
func (e *Engine) finish(
	ctx context.Context,
	logger *slog.Logger,
	execution *models.WorkflowExecution,
	status models.ExecutionStatus,
	message string,
	stepResults map[string]any,
) bool {
	now := e.clock.Now().UTC()
	update := persistence.ExecutionUpdate{
		Status:      &status,
		FinishedAt:  &now,
		StepResults: stepResults,
	}

	if message != "" {
		update.Error = &message
	}

	recorded, err := e.persistence.ExecutionRepository().UpdateIfActive(ctx, execution.ID, update)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record execution result", "status", status, "error", err)

		return false
	}

	if !recorded {
		logger.InfoContext(ctx, "Workflow execution stopped after cancellation", "status", status)

		return false
	}

	if status == models.ExecutionStatusSuccess {
		logger.InfoContext(ctx, "Workflow execution completed", "steps", len(stepResults))
	} else {
		logger.ErrorContext(ctx, "Workflow execution failed", "error", message)
	}

	return true
}

// executeStep runs the attempt series of one step. A returned error means the
// step exhausted its attempts and the run must fail.
func (e *Engine) executeStep(
	ctx context.Context,
	store context.Context,
	logger *slog.Logger,
	run *models.RunContext,
	planned plannedStep,
) error {
	step := planned.step
	steps := e.persistence.StepExecutionRepository()
	maxAttempts := step.MaxAttempts()

	record := &models.StepExecution{
		ID:            e.newID(),
		ExecutionID:   run.ExecutionID,
		StepID:        step.ID,
		Position:      step.Position,
		Status:        models.StepStatusRunning,
		StartedAt:     e.clock.Now().UTC(),
		MaxAttempts:   maxAttempts,
		AttemptNumber: 1,
	}

	err := steps.Create(store, record)
	if err != nil {
		return &stepError{stepID: step.ID, err: fmt.Errorf("failed to create step execution: %w", err)}
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := steps.Update(store, record.ID, persistence.StepExecutionUpdate{AttemptNumber: &attempt})
		if err != nil {
			logger.WarnContext(ctx, "Failed to record attempt number", "step_id", step.ID, "attempt", attempt, "error", err)
		}

		if step.Conditions != nil {
			if !step.Conditions.Operator.Known() {
				logger.WarnContext(ctx, "Unknown condition operator evaluates to true",
					"step_id", step.ID,
					"operator", step.Conditions.Operator)
			}

			if !conditions.Evaluate(step.Conditions, run.StepResults) {
				e.skipStep(store, logger, run, record, step)

				return nil
			}
		}

		result, err := e.attempt(ctx, run, planned, attempt)
		if err == nil {
			e.completeStep(store, logger, run, record, step, attempt, result)

			return nil
		}

		logger.WarnContext(ctx, "Step attempt failed",
			"step_id", step.ID,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err)

		if attempt == maxAttempts || isInterrupted(err) {
			e.failStep(store, logger, run, record, step, attempt, err)

			return &stepError{stepID: step.ID, err: err}
		}

		select {
		case <-e.clock.After(Backoff(attempt)):
		case <-ctx.Done():
			e.failStep(store, logger, run, record, step, attempt, ctx.Err())

			return &stepError{stepID: step.ID, err: ctx.Err()}
		}
	}

	return nil
}

// attempt invokes the processor once. A step timeout bounds the attempt even
// when the processor ignores its context.
func (e *Engine) attempt(ctx context.Context, run *models.RunContext, planned plannedStep, attempt int) (*protocol.StepResult, error) {
	step := planned.step

	ctx, span := e.startSpan(ctx, "step.attempt",
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.StepTypeKey, string(step.Type)),
		attribute.Int(otelhelper.AttemptKey, attempt),
		attribute.String(otelhelper.ExecutionIDKey, run.ExecutionID),
	)
	defer span.End()

	if timeout := step.TimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = clockwork.WithTimeout(ctx, e.clock, timeout)
		defer cancel()
	}

	type outcome struct {
		result *protocol.StepResult
		err    error
	}

	done := make(chan outcome, 1)

	// The processor sees a copy so an abandoned attempt cannot race later steps.
	snapshot := *run
	snapshot.StepResults = run.Snapshot()

	go func() {
		result, err := e.registry.Execute(ctx, step.Type, planned.config, &snapshot)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			otelhelper.SetError(span, out.err)
		}

		return out.result, out.err
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrStepTimeout, step.TimeoutDuration())
		}

		otelhelper.SetError(span, err)

		return nil, err
	}
}

func (e *Engine) skipStep(ctx context.Context, logger *slog.Logger, run *models.RunContext, record *models.StepExecution, step *models.Step) {
	status := models.StepStatusSuccess
	now := e.clock.Now().UTC()
	logs := fmt.Sprintf("skipped: condition %s %s %v not met", step.Conditions.Field, step.Conditions.Operator, step.Conditions.Value)

	err := e.persistence.StepExecutionRepository().Update(ctx, record.ID, persistence.StepExecutionUpdate{
		Status:     &status,
		FinishedAt: &now,
		Logs:       &logs,
	})
	if err != nil {
		logger.WarnContext(ctx, "Failed to record skipped step", "step_id", step.ID, "error", err)
	}

	logger.InfoContext(ctx, "Step skipped", "step_id", step.ID)

	e.publish(ctx, run.ExecutionID, events.StepCompleted{
		BaseEvent:   events.NewBaseEvent(events.StepCompletedEvent, run.WorkflowID),
		ExecutionID: run.ExecutionID,
		StepID:      step.ID,
		Attempt:     1,
		Skipped:     true,
	})
}

func (e *Engine) completeStep(
	ctx context.Context,
	logger *slog.Logger,
	run *models.RunContext,
	record *models.StepExecution,
	step *models.Step,
	attempt int,
	result *protocol.StepResult,
) {
	run.SetResult(step.ID, result.Result)

	status := models.StepStatusSuccess
	now := e.clock.Now().UTC()
	logs := result.Logs

	err := e.persistence.StepExecutionRepository().Update(ctx, record.ID, persistence.StepExecutionUpdate{
		Status:     &status,
		FinishedAt: &now,
		Output:     result.Result,
		Logs:       &logs,
	})
	if err != nil {
		logger.WarnContext(ctx, "Failed to record step result", "step_id", step.ID, "error", err)
	}

	logger.InfoContext(ctx, "Step completed", "step_id", step.ID, "attempt", attempt, "success", result.Success)

	e.publish(ctx, run.ExecutionID, events.StepCompleted{
		BaseEvent:   events.NewBaseEvent(events.StepCompletedEvent, run.WorkflowID),
		ExecutionID: run.ExecutionID,
		StepID:      step.ID,
		Attempt:     attempt,
		Output:      result.Result,
	})
}

func (e *Engine) failStep(
	ctx context.Context,
	logger *slog.Logger,
	run *models.RunContext,
	record *models.StepExecution,
	step *models.Step,
	attempt int,
	cause error,
) {
	status := models.StepStatusFailed
	now := e.clock.Now().UTC()
	message := cause.Error()

	err := e.persistence.StepExecutionRepository().Update(ctx, record.ID, persistence.StepExecutionUpdate{
		Status:     &status,
		FinishedAt: &now,
		Error:      &message,
	})
	if err != nil {
		logger.WarnContext(ctx, "Failed to record step failure", "step_id", step.ID, "error", err)
	}

	e.publish(ctx, run.ExecutionID, events.StepFailed{
		BaseEvent:   events.NewBaseEvent(events.StepFailedEvent, run.WorkflowID),
		ExecutionID: run.ExecutionID,
		StepID:      step.ID,
		Attempt:     attempt,
		Error:       message,
	})
}
