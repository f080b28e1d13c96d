package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/stepflow/pkg/eventbus"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/mocks"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/persistence/memory"
	"github.com/dukex/stepflow/pkg/steps"
	"github.com/dukex/stepflow/pkg/steps/custom"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine      *Engine
	persistence *memory.Persistence
	handlers    *custom.Processor
	clock       *clockwork.FakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	handlers := custom.NewProcessor()

	reg := steps.NewDefaultRegistry(logger, steps.Options{Clock: clock})
	reg.Register(models.StepTypeCustom, handlers)

	p := memory.NewPersistence()

	engine := New(p, reg, logger, append([]Option{WithClock(clock)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = engine.Shutdown(ctx)
	})

	return &harness{engine: engine, persistence: p, handlers: handlers, clock: clock}
}

func (h *harness) saveWorkflow(t *testing.T, steps ...*models.Step) *models.Workflow {
	t.Helper()

	workflow := &models.Workflow{
		ID:        "wf-1",
		Name:      "Test workflow",
		Active:    true,
		Steps:     steps,
		Variables: map[string]any{"env": "test"},
	}

	require.NoError(t, h.persistence.WorkflowRepository().Save(context.Background(), workflow))

	return workflow
}

func (h *harness) finished(t *testing.T, executionID string) *models.WorkflowExecution {
	t.Helper()

	h.engine.Wait()

	execution, err := h.engine.GetExecution(context.Background(), executionID)
	require.NoError(t, err)

	return execution
}

func (h *harness) stepExecutions(t *testing.T, executionID string) []*models.StepExecution {
	t.Helper()

	records, err := h.engine.ListStepExecutions(context.Background(), executionID)
	require.NoError(t, err)

	return records
}

// drive advances the fake clock until done is closed, releasing every backoff wait.
func (h *harness) drive(done <-chan struct{}) {
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				h.clock.Advance(time.Minute)
				time.Sleep(time.Millisecond)
			}
		}
	}()
}

func customStep(id string, position int, handler string) *models.Step {
	return &models.Step{
		ID:       id,
		Name:     id,
		Type:     models.StepTypeCustom,
		Position: position,
		Config:   map[string]any{"handler": handler},
	}
}

func echoStep(id string, position int, inputs map[string]any) *models.Step {
	step := &models.Step{
		ID:       id,
		Name:     id,
		Type:     models.StepTypeCustom,
		Position: position,
		Config:   map[string]any{},
	}

	if inputs != nil {
		step.Config["inputs"] = inputs
	}

	return step
}

func retries(n int) *int {
	return &n
}

func TestExecuteWorkflow_AllStepsSucceed(t *testing.T) {
	h := newHarness(t)
	h.saveWorkflow(t,
		echoStep("second", 1, map[string]any{"n": 2}),
		echoStep("first", 0, map[string]any{"n": 1}),
		echoStep("third", 2, map[string]any{"n": 3}),
	)

	id, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", map[string]any{"source": "test"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	execution := h.finished(t, id)
	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, models.TriggeredByManual, execution.TriggeredBy)
	assert.Equal(t, map[string]any{"source": "test"}, execution.TriggerData)
	assert.NotNil(t, execution.FinishedAt)
	assert.Empty(t, execution.Error)
	assert.Len(t, execution.StepResults, 3)
	assert.Equal(t, map[string]any{"n": float64(1)}, execution.StepResults["first"])

	records := h.stepExecutions(t, id)
	require.Len(t, records, 3)

	for i, stepID := range []string{"first", "second", "third"} {
		assert.Equal(t, stepID, records[i].StepID)
		assert.Equal(t, models.StepStatusSuccess, records[i].Status)
		assert.Equal(t, 1, records[i].AttemptNumber)
		assert.Equal(t, models.DefaultMaxAttempts, records[i].MaxAttempts)
		assert.NotNil(t, records[i].FinishedAt)
	}
}

func TestExecuteWorkflow_StepsSeeEarlierResults(t *testing.T) {
	h := newHarness(t)

	var seen map[string]any

	h.handlers.Handle("read", func(_ context.Context, _ map[string]any, run *models.RunContext) (any, error) {
		seen = run.Snapshot()

		return "ok", nil
	})

	h.saveWorkflow(t,
		echoStep("first", 0, map[string]any{"value": "a"}),
		customStep("second", 1, "read"),
	)

	id, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "manual")
	require.NoError(t, err)

	execution := h.finished(t, id)
	require.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, map[string]any{"first": map[string]any{"value": "a"}}, seen)
	assert.Equal(t, "ok", execution.StepResults["second"])
}

func TestExecuteWorkflow_SkippedStep(t *testing.T) {
	h := newHarness(t)

	notify := echoStep("notify", 1, map[string]any{"sent": true})
	notify.Conditions = &models.Condition{Field: "check.ok", Operator: models.OperatorEquals, Value: true}

	h.saveWorkflow(t,
		echoStep("check", 0, map[string]any{"ok": false}),
		notify,
	)

	id, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)

	execution := h.finished(t, id)
	require.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Contains(t, execution.StepResults, "check")
	assert.NotContains(t, execution.StepResults, "notify")

	records := h.stepExecutions(t, id)
	require.Len(t, records, 2)
	assert.Equal(t, "notify", records[1].StepID)
	assert.Equal(t, models.StepStatusSuccess, records[1].Status)
	assert.Contains(t, records[1].Logs, "skipped")
	assert.Nil(t, records[1].Output)
}

func TestExecuteWorkflow_RetriesExhausted(t *testing.T) {
	h := newHarness(t)

	var calls, laterCalls atomic.Int32

	h.handlers.Handle("fail", func(context.Context, map[string]any, *models.RunContext) (any, error) {
		calls.Add(1)

		return nil, errors.New("upstream unavailable")
	})
	h.handlers.Handle("later", func(context.Context, map[string]any, *models.RunContext) (any, error) {
		laterCalls.Add(1)

		return nil, nil
	})

	failing := customStep("flaky", 0, "fail")
	failing.Retries = retries(3)

	h.saveWorkflow(t, failing, customStep("after", 1, "later"))

	id, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)

	done := make(chan struct{})
	h.drive(done)

	execution := h.finished(t, id)
	close(done)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Error, "step flaky failed")
	assert.Contains(t, execution.Error, "upstream unavailable")
	assert.NotNil(t, execution.FinishedAt)
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, laterCalls.Load())

	records := h.stepExecutions(t, id)
	require.Len(t, records, 1)
	assert.Equal(t, models.StepStatusFailed, records[0].Status)
	assert.Equal(t, 3, records[0].AttemptNumber)
	assert.Equal(t, 3, records[0].MaxAttempts)
	assert.Contains(t, records[0].Error, "upstream unavailable")
}

func TestExecuteWorkflow_RetryBackoff(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32

	h.handlers.Handle("flaky", func(context.Context, map[string]any, *models.RunContext) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("not yet")
		}

		return "done", nil
	})

	h.saveWorkflow(t, customStep("flaky", 0, "flaky"))

	id, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// First backoff is one second.
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(999 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	h.clock.Advance(time.Millisecond)

	// Second backoff is two seconds.
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, int32(2), calls.Load())
	h.clock.Advance(1999 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())

	h.clock.Advance(time.Millisecond)

	execution := h.finished(t, id)
	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, "done", execution.StepResults["flaky"])
	assert.Equal(t, int32(3), calls.Load())

	records := h.stepExecutions(t, id)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].AttemptNumber)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(1))
	assert.Equal(t, 2*time.Second, Backoff(2))
	assert.Equal(t, 4*time.Second, Backoff(3))
	assert.Equal(t, time.Second, Backoff(0))
	assert.Equal(t, 2048*time.Second, Backoff(12))
	assert.Equal(t, MaxBackoff, Backoff(13))

	for _, attempt := range []int{35, 64, 100} {
		assert.Equal(t, MaxBackoff, Backoff(attempt), "attempt %d", attempt)
	}
}

func TestExecuteWorkflow_StepTimeout(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	h.handlers.Handle("stuck", func(context.Context, map[string]any, *models.RunContext) (any, error) {
		<-release

		return nil, nil
	})

	stuck := customStep("stuck", 0, "stuck")
	stuck.Timeout = 50
	stuck.Retries = retries(1)

	h.saveWorkflow(t, stuck)

	id, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(50 * time.Millisecond)

	execution := h.finished(t, id)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Error, ErrStepTimeout.Error())

	records := h.stepExecutions(t, id)
	require.Len(t, records, 1)
	assert.Equal(t, models.StepStatusFailed, records[0].Status)
}

func TestCancelExecution_MidStep(t *testing.T) {
	h := newHarness(t)

	started := make(chan struct{})
	release := make(chan struct{})

	var secondCalls atomic.Int32

	h.handlers.Handle("gate", func(context.Context, map[string]any, *models.RunContext) (any, error) {
		close(started)
		<-release

		return "first done", nil
	})
	h.handlers.Handle("second", func(context.Context, map[string]any, *models.RunContext) (any, error) {
		secondCalls.Add(1)

		return nil, nil
	})

	h.saveWorkflow(t, customStep("first", 0, "gate"), customStep("second", 1, "second"))

	id, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)

	<-started
	require.NoError(t, h.engine.CancelExecution(context.Background(), id, "operator request"))
	close(release)

	execution := h.finished(t, id)
	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
	assert.Equal(t, "operator request", execution.Error)
	assert.NotNil(t, execution.FinishedAt)
	assert.Zero(t, secondCalls.Load())

	records := h.stepExecutions(t, id)
	require.Len(t, records, 1)
	assert.Equal(t, models.StepStatusSuccess, records[0].Status)
}

func TestCancelExecution_DefaultReason(t *testing.T) {
	h := newHarness(t)

	started := make(chan struct{})
	release := make(chan struct{})

	h.handlers.Handle("gate", func(context.Context, map[string]any, *models.RunContext) (any, error) {
		close(started)
		<-release

		return nil, nil
	})

	h.saveWorkflow(t, customStep("first", 0, "gate"))

	id, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)

	<-started
	require.NoError(t, h.engine.CancelExecution(context.Background(), id, ""))
	close(release)

	execution := h.finished(t, id)
	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
	assert.Equal(t, CancelledMessage, execution.Error)
}

func TestCancelExecution_Finished(t *testing.T) {
	h := newHarness(t)
	h.saveWorkflow(t, echoStep("only", 0, nil))

	id, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)

	execution := h.finished(t, id)
	require.Equal(t, models.ExecutionStatusSuccess, execution.Status)

	err = h.engine.CancelExecution(context.Background(), id, "too late")
	require.ErrorIs(t, err, ErrExecutionFinished)

	execution, err = h.engine.GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
}

func TestCancelExecution_FinishedBeforeWrite(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	executions := &mocks.MockExecutionRepository{}
	executions.On("GetByID", mock.Anything, "run-1").
		Return(&models.WorkflowExecution{ID: "run-1", WorkflowID: "wf-1", Status: models.ExecutionStatusRunning}, nil)
	executions.On("UpdateIfActive", mock.Anything, "run-1", mock.Anything).Return(false, nil)

	p := &mocks.MockPersistence{}
	p.On("ExecutionRepository").Return(executions)

	err := New(p, steps.NewDefaultRegistry(logger, steps.Options{}), logger).CancelExecution(context.Background(), "run-1", "late")
	require.ErrorIs(t, err, ErrExecutionFinished)

	executions.AssertExpectations(t)
	executions.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestCancelExecution_NotFound(t *testing.T) {
	h := newHarness(t)

	err := h.engine.CancelExecution(context.Background(), "missing", "")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestExecuteWorkflow_SetupErrors(t *testing.T) {
	tests := []struct {
		name     string
		workflow *models.Workflow
		check    func(t *testing.T, err error)
	}{
		{
			name: "workflow not found",
			check: func(t *testing.T, err error) {
				assert.True(t, persistence.IsWorkflowNotFound(err))
			},
		},
		{
			name: "inactive workflow",
			workflow: &models.Workflow{
				ID:     "wf-1",
				Name:   "Inactive",
				Active: false,
				Steps:  []*models.Step{echoStep("only", 0, nil)},
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrWorkflowInactive)
			},
		},
		{
			name: "invalid step config",
			workflow: &models.Workflow{
				ID:     "wf-1",
				Name:   "Broken",
				Active: true,
				Steps: []*models.Step{{
					ID:     "wait",
					Name:   "wait",
					Type:   models.StepTypeDelay,
					Config: map[string]any{"duration": "soon"},
				}},
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidStep)
				assert.ErrorIs(t, err, models.ErrInvalidStepConfig)
			},
		},
		{
			name: "unsupported step type",
			workflow: &models.Workflow{
				ID:     "wf-1",
				Name:   "Unknown",
				Active: true,
				Steps:  []*models.Step{{ID: "x", Name: "x", Type: models.StepType("TELEPORT")}},
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidStep)
				assert.ErrorIs(t, err, models.ErrUnsupportedStepType)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			if tt.workflow != nil {
				require.NoError(t, h.persistence.WorkflowRepository().Save(context.Background(), tt.workflow))
			}

			id, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
			require.Error(t, err)
			assert.Empty(t, id)
			tt.check(t, err)

			executions, err := h.engine.ListExecutions(context.Background(), "wf-1")
			require.NoError(t, err)
			assert.Empty(t, executions)
		})
	}
}

func TestExecuteWorkflow_FetchDelayTransform(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 42, "name": "stepflow"}`))
	}))
	defer server.Close()

	logger := slog.New(slog.DiscardHandler)
	p := memory.NewPersistence()
	engine := New(p, steps.NewDefaultRegistry(logger, steps.Options{HTTPClient: server.Client()}), logger)

	workflow := &models.Workflow{
		ID:     "wf-fetch",
		Name:   "Fetch and reshape",
		Active: true,
		Steps: []*models.Step{
			{ID: "fetch", Name: "Fetch", Type: models.StepTypeAPICall, Position: 0, Config: map[string]any{"url": server.URL, "method": "GET"}},
			{ID: "wait", Name: "Wait", Type: models.StepTypeDelay, Position: 1, Config: map[string]any{"duration": 10}},
			{
				ID: "shape", Name: "Shape", Type: models.StepTypeTransform, Position: 2,
				Config: map[string]any{
					"source": "fetch",
					"transformations": []any{
						map[string]any{"type": "map", "mapping": map[string]any{"id": "data.id"}},
					},
				},
			},
		},
	}
	require.NoError(t, p.WorkflowRepository().Save(context.Background(), workflow))

	id, err := engine.ExecuteWorkflow(context.Background(), "wf-fetch", nil, models.TriggeredByWebhook)
	require.NoError(t, err)

	engine.Wait()

	execution, err := engine.GetExecution(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusSuccess, execution.Status, execution.Error)
	assert.Equal(t, models.TriggeredByWebhook, execution.TriggeredBy)
	assert.Equal(t, map[string]any{"id": float64(42)}, execution.StepResults["shape"])
	assert.Equal(t, map[string]any{"delayed": int64(10)}, execution.StepResults["wait"])
}

func TestReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	executions := h.persistence.ExecutionRepository()
	require.NoError(t, executions.Create(ctx, &models.WorkflowExecution{ID: "stale", WorkflowID: "wf-1", Status: models.ExecutionStatusRunning, StartedAt: now}))
	require.NoError(t, executions.Create(ctx, &models.WorkflowExecution{ID: "queued", WorkflowID: "wf-1", Status: models.ExecutionStatusPending, StartedAt: now}))
	require.NoError(t, executions.Create(ctx, &models.WorkflowExecution{ID: "done", WorkflowID: "wf-1", Status: models.ExecutionStatusSuccess, StartedAt: now}))
	require.NoError(t, h.persistence.StepExecutionRepository().Create(ctx, &models.StepExecution{
		ID: "step-1", ExecutionID: "stale", StepID: "first", Status: models.StepStatusRunning, StartedAt: now, MaxAttempts: 3, AttemptNumber: 1,
	}))

	count, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, id := range []string{"stale", "queued"} {
		execution, err := executions.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
		assert.Equal(t, InterruptedMessage, execution.Error)
		assert.NotNil(t, execution.FinishedAt)
	}

	done, err := executions.GetByID(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, done.Status)

	records, err := h.persistence.StepExecutionRepository().GetByExecution(ctx, "stale")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StepStatusFailed, records[0].Status)
	assert.Equal(t, InterruptedMessage, records[0].Error)
}

func TestExecuteWorkflow_MaxConcurrentRuns(t *testing.T) {
	h := newHarness(t, WithMaxConcurrentRuns(1))

	started := make(chan struct{}, 2)
	release := make(chan struct{})

	h.handlers.Handle("gate", func(context.Context, map[string]any, *models.RunContext) (any, error) {
		started <- struct{}{}
		<-release

		return nil, nil
	})

	h.saveWorkflow(t, customStep("only", 0, "gate"))

	first, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)

	second, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)

	<-started

	select {
	case <-started:
		t.Fatal("second run started while the first held the only slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	assert.Equal(t, models.ExecutionStatusSuccess, h.finished(t, first).Status)
	assert.Equal(t, models.ExecutionStatusSuccess, h.finished(t, second).Status)
}

func TestExecuteWorkflow_CancelledWhileQueued(t *testing.T) {
	h := newHarness(t, WithMaxConcurrentRuns(1))

	var calls atomic.Int32

	started := make(chan struct{}, 2)
	release := make(chan struct{})

	h.handlers.Handle("gate", func(context.Context, map[string]any, *models.RunContext) (any, error) {
		calls.Add(1)
		started <- struct{}{}
		<-release

		return nil, nil
	})

	h.saveWorkflow(t, customStep("only", 0, "gate"))

	first, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)

	<-started

	queued, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)

	require.NoError(t, h.engine.CancelExecution(context.Background(), queued, "not needed"))
	close(release)

	assert.Equal(t, models.ExecutionStatusSuccess, h.finished(t, first).Status)

	execution := h.finished(t, queued)
	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
	assert.Equal(t, "not needed", execution.Error)
	assert.Empty(t, h.stepExecutions(t, queued))
	assert.Equal(t, int32(1), calls.Load())
}

func TestShutdown_InterruptsRuns(t *testing.T) {
	h := newHarness(t)

	started := make(chan struct{})

	h.handlers.Handle("wait", func(ctx context.Context, _ map[string]any, _ *models.RunContext) (any, error) {
		close(started)
		<-ctx.Done()

		return nil, ctx.Err()
	})

	h.saveWorkflow(t, customStep("wait", 0, "wait"))

	id, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)

	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.engine.Shutdown(ctx))

	execution, err := h.engine.GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, StoppedMessage, execution.Error)

	_, err = h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.ErrorIs(t, err, ErrEngineStopped)

	message, ok := h.engine.HealthCheck()
	assert.False(t, ok)
	assert.Equal(t, "engine stopped", message)
}

func TestExecuteWorkflow_PublishesLifecycleEvents(t *testing.T) {
	bus := &mocks.MockEventBus{}

	var (
		mu    sync.Mutex
		types []events.EventType
	)

	bus.On("Publish", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			mu.Lock()
			defer mu.Unlock()

			types = append(types, args.Get(2).(eventbus.Event).GetType())
		}).
		Return(nil)

	h := newHarness(t, WithEventPublisher(bus))
	h.saveWorkflow(t, echoStep("first", 0, nil), echoStep("second", 1, nil))

	id, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)

	require.Equal(t, models.ExecutionStatusSuccess, h.finished(t, id).Status)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []events.EventType{
		events.ExecutionStartedEvent,
		events.StepCompletedEvent,
		events.StepCompletedEvent,
		events.ExecutionCompletedEvent,
	}, types)
	bus.AssertCalled(t, "Publish", mock.Anything, id, mock.Anything)
}

func TestExecuteWorkflow_PublishFailureDoesNotFailRun(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	h := newHarness(t, WithEventPublisher(bus))
	h.saveWorkflow(t, echoStep("first", 0, nil))

	id, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, h.finished(t, id).Status)
}

func TestListStepExecutions_UnknownExecution(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.ListStepExecutions(context.Background(), "missing")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestWithIDGenerator(t *testing.T) {
	var n atomic.Int32

	h := newHarness(t, WithIDGenerator(func() string {
		return "id-" + string(rune('a'+n.Add(1)-1))
	}))
	h.saveWorkflow(t, echoStep("first", 0, nil))

	id, err := h.engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "id-a", id)

	h.finished(t, id)

	records := h.stepExecutions(t, id)
	require.Len(t, records, 1)
	assert.Equal(t, "id-b", records[0].ID)
}

func TestExecuteWorkflow_CreateFails(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	mem := memory.NewPersistence()
	require.NoError(t, mem.WorkflowRepository().Save(context.Background(), &models.Workflow{
		ID: "wf-1", Name: "Test workflow", Active: true, Steps: []*models.Step{echoStep("first", 0, nil)},
	}))

	executions := &mocks.MockExecutionRepository{}
	executions.On("Create", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	p := &mocks.MockPersistence{}
	p.On("WorkflowRepository").Return(mem.WorkflowRepository())
	p.On("ExecutionRepository").Return(executions)

	engine := New(p, steps.NewDefaultRegistry(logger, steps.Options{}), logger)

	_, err := engine.ExecuteWorkflow(context.Background(), "wf-1", nil, "")
	require.ErrorContains(t, err, "disk full")

	engine.Wait()
	executions.AssertExpectations(t)
}

func TestReconcile_ListFails(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	unavailable := errors.New("unavailable")

	executions := &mocks.MockExecutionRepository{}
	executions.On("GetByStatus", mock.Anything, mock.Anything).Return([]*models.WorkflowExecution{}, nil)

	stepExecutions := &mocks.MockStepExecutionRepository{}
	stepExecutions.On("GetByStatus", mock.Anything, models.StepStatusRunning).Return(nil, unavailable)

	p := &mocks.MockPersistence{}
	p.On("ExecutionRepository").Return(executions)
	p.On("StepExecutionRepository").Return(stepExecutions)

	_, err := New(p, steps.NewDefaultRegistry(logger, steps.Options{}), logger).Reconcile(context.Background())
	require.ErrorIs(t, err, unavailable)

	stepExecutions.AssertExpectations(t)
}
