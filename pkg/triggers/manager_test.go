package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dukex/stepflow/pkg/eventbus"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/mocks"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/persistence/memory"
	"github.com/dukex/stepflow/pkg/triggers/webhook"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type call struct {
	workflowID  string
	data        map[string]any
	triggeredBy string
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]error
}

func (f *fakeExecutor) ExecuteWorkflow(_ context.Context, workflowID string, data map[string]any, triggeredBy string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.fail[workflowID]; err != nil {
		return "", err
	}

	f.calls = append(f.calls, call{workflowID: workflowID, data: data, triggeredBy: triggeredBy})

	return fmt.Sprintf("exec-%d", len(f.calls)), nil
}

func (f *fakeExecutor) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]call(nil), f.calls...)
}

type fixture struct {
	manager     *Manager
	executor    *fakeExecutor
	persistence *memory.Persistence
	clock       *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	p := memory.NewPersistence()
	for _, id := range []string{"wf-1", "wf-2"} {
		require.NoError(t, p.WorkflowRepository().Save(context.Background(), &models.Workflow{ID: id, Name: "Workflow " + id, Active: true}))
	}

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC))
	executor := &fakeExecutor{fail: map[string]error{}}

	var n int

	manager := NewManager(executor, p, slog.New(slog.DiscardHandler),
		WithClock(clock),
		WithIDGenerator(func() string {
			n++

			return fmt.Sprintf("trigger-%d", n)
		}),
	)

	t.Cleanup(func() { _ = manager.Stop(context.Background()) })

	return &fixture{manager: manager, executor: executor, persistence: p, clock: clock}
}

func webhookTrigger(workflowID, endpoint string, auth map[string]any) *models.Trigger {
	config := map[string]any{"endpoint": endpoint}
	if auth != nil {
		config["auth"] = auth
	}

	return &models.Trigger{WorkflowID: workflowID, Type: models.TriggerTypeWebhook, Config: config, Active: true}
}

func postRequest(body string, headers map[string]string) webhook.Request {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}

	return webhook.Request{Method: http.MethodPost, Headers: h, Body: []byte(body)}
}

func TestManager_ScheduleFiresOncePerTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.manager.Create(ctx, &models.Trigger{
		WorkflowID: "wf-1",
		Type:       models.TriggerTypeSchedule,
		Config:     map[string]any{"cron": "* * * * *"},
		Active:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "trigger-1", created.ID)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	require.NoError(t, f.clock.BlockUntilContext(waitCtx, 1))
	f.clock.Advance(30 * time.Second)

	for range 2 {
		require.NoError(t, f.clock.BlockUntilContext(waitCtx, 1))
		f.clock.Advance(time.Minute)
	}

	require.NoError(t, f.clock.BlockUntilContext(waitCtx, 1))

	calls := f.executor.recorded()
	require.Len(t, calls, 3)

	for _, c := range calls {
		assert.Equal(t, "wf-1", c.workflowID)
		assert.Equal(t, models.TriggeredBySchedule, c.triggeredBy)
		assert.Equal(t, "trigger-1", c.data["trigger_id"])
		assert.NotEmpty(t, c.data["timestamp"])
	}
}

func TestManager_ScheduleSurvivesExecutionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.executor.fail["wf-1"] = errors.New("workflow is not active")

	_, err := f.manager.Create(ctx, &models.Trigger{
		WorkflowID: "wf-1",
		Type:       models.TriggerTypeSchedule,
		Config:     map[string]any{"cron": "* * * * *"},
		Active:     true,
	})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for range 2 {
		require.NoError(t, f.clock.BlockUntilContext(waitCtx, 1))
		f.clock.Advance(time.Minute)
	}

	require.NoError(t, f.clock.BlockUntilContext(waitCtx, 1))
	assert.Empty(t, f.executor.recorded())

	f.executor.mu.Lock()
	delete(f.executor.fail, "wf-1")
	f.executor.mu.Unlock()

	f.clock.Advance(time.Minute)
	require.NoError(t, f.clock.BlockUntilContext(waitCtx, 1))

	assert.Len(t, f.executor.recorded(), 1)
}

func TestManager_RegisterScheduleConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	config := &models.ScheduleConfig{Cron: "* * * * *"}

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, f.manager.RegisterSchedule(ctx, "nightly", "wf-1", config))
		}()
	}

	wg.Wait()

	status, _ := f.manager.HealthCheck()
	assert.Contains(t, status, "1 schedules")

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// A displaced schedule left running would add a second waiter.
	require.NoError(t, f.clock.BlockUntilContext(waitCtx, 1))
	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.clock.BlockUntilContext(waitCtx, 1))
	assert.Len(t, f.executor.recorded(), 1)

	require.NoError(t, f.manager.Stop(ctx))
	f.clock.Advance(time.Minute)
	assert.Len(t, f.executor.recorded(), 1)
}

func TestManager_CreateRejects(t *testing.T) {
	tests := []struct {
		name    string
		trigger *models.Trigger
		check   func(t *testing.T, err error)
	}{
		{
			name:    "invalid cron",
			trigger: &models.Trigger{WorkflowID: "wf-1", Type: models.TriggerTypeSchedule, Config: map[string]any{"cron": "every day"}, Active: true},
			check:   func(t *testing.T, err error) { assert.Error(t, err) },
		},
		{
			name:    "invalid cron on inactive trigger",
			trigger: &models.Trigger{WorkflowID: "wf-1", Type: models.TriggerTypeSchedule, Config: map[string]any{"cron": "every day"}},
			check:   func(t *testing.T, err error) { assert.Error(t, err) },
		},
		{
			name:    "unknown workflow",
			trigger: webhookTrigger("missing", "/orders", nil),
			check:   func(t *testing.T, err error) { assert.True(t, persistence.IsWorkflowNotFound(err)) },
		},
		{
			name:    "unknown type",
			trigger: &models.Trigger{WorkflowID: "wf-1", Type: "POLL", Config: map[string]any{}},
			check:   func(t *testing.T, err error) { assert.ErrorIs(t, err, models.ErrInvalidTriggerConfig) },
		},
		{
			name:    "event without type",
			trigger: &models.Trigger{WorkflowID: "wf-1", Type: models.TriggerTypeEvent, Config: map[string]any{}, Active: true},
			check:   func(t *testing.T, err error) { assert.ErrorIs(t, err, models.ErrInvalidTriggerConfig) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.manager.Create(context.Background(), tt.trigger)
			tt.check(t, err)

			stored, err := f.manager.List(context.Background(), "")
			require.NoError(t, err)
			assert.Empty(t, stored)
		})
	}
}

func TestManager_Webhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Create(ctx, webhookTrigger("wf-1", "/orders", nil))
	require.NoError(t, err)

	req := postRequest(`{"order_id": 7}`, map[string]string{"Content-Type": "application/json"})
	req.Query = map[string]string{"source": "shop"}

	result := f.manager.HandleWebhookTrigger(ctx, "/orders/", req)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "exec-1", result.ExecutionID)

	calls := f.executor.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, models.TriggeredByWebhook, calls[0].triggeredBy)
	assert.Equal(t, map[string]any{"order_id": float64(7)}, calls[0].data["body"])
	assert.Equal(t, map[string]any{"source": "shop"}, calls[0].data["query"])
	assert.Equal(t, "POST", calls[0].data["method"])
}

func TestManager_WebhookFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Create(ctx, webhookTrigger("wf-1", "/secure", map[string]any{"type": "bearer", "token": "abc"}))
	require.NoError(t, err)

	_, err = f.manager.Create(ctx, webhookTrigger("wf-2", "/broken", nil))
	require.NoError(t, err)

	f.executor.mu.Lock()
	f.executor.fail["wf-2"] = errors.New("workflow is not active")
	f.executor.mu.Unlock()

	result := f.manager.HandleWebhookTrigger(ctx, "/nowhere", postRequest("{}", nil))
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, ErrEndpointNotFound)
	assert.NotEmpty(t, result.Error)

	result = f.manager.HandleWebhookTrigger(ctx, "/secure", postRequest("{}", map[string]string{"Authorization": "Bearer nope"}))
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, webhook.ErrUnauthorized)

	result = f.manager.HandleWebhookTrigger(ctx, "/secure", webhook.Request{Method: http.MethodGet, Headers: http.Header{}})
	assert.ErrorIs(t, result.Err, webhook.ErrMethodNotAllowed)

	result = f.manager.HandleWebhookTrigger(ctx, "/secure", postRequest("{}", map[string]string{"Authorization": "Bearer abc"}))
	assert.True(t, result.Success)

	result = f.manager.HandleWebhookTrigger(ctx, "/broken", postRequest("{}", nil))
	assert.False(t, result.Success)
	assert.Equal(t, "workflow is not active", result.Error)
}

func TestManager_WebhookEndpointInUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Create(ctx, webhookTrigger("wf-1", "/orders", nil))
	require.NoError(t, err)

	_, err = f.manager.Create(ctx, webhookTrigger("wf-2", "/orders", nil))
	require.ErrorIs(t, err, ErrEndpointInUse)

	stored, err := f.manager.List(ctx, "wf-2")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestManager_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.manager.Create(ctx, webhookTrigger("wf-1", "/orders", nil))
	require.NoError(t, err)

	require.NoError(t, f.manager.Delete(ctx, created.ID))

	result := f.manager.HandleWebhookTrigger(ctx, "/orders", postRequest("{}", nil))
	assert.ErrorIs(t, result.Err, ErrEndpointNotFound)

	err = f.manager.Delete(ctx, created.ID)
	assert.True(t, persistence.IsTriggerNotFound(err))

	_, err = f.manager.Create(ctx, webhookTrigger("wf-2", "/orders", nil))
	assert.NoError(t, err, "endpoint is free after delete")
}

func TestManager_EventTriggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Create(ctx, &models.Trigger{
		WorkflowID: "wf-1",
		Type:       models.TriggerTypeEvent,
		Config: map[string]any{
			"event_type": "order.created",
			"conditions": []any{
				map[string]any{"field": "total", "operator": "greater_than", "value": 100},
				map[string]any{"field": "customer.tier", "operator": "equals", "value": "gold"},
			},
		},
		Active: true,
	})
	require.NoError(t, err)

	_, err = f.manager.Create(ctx, &models.Trigger{
		WorkflowID: "wf-2",
		Type:       models.TriggerTypeEvent,
		Config:     map[string]any{"event_type": "order.created"},
		Active:     true,
	})
	require.NoError(t, err)

	small := map[string]any{"total": 50, "customer": map[string]any{"tier": "gold"}}
	results := f.manager.HandleEventTrigger(ctx, "order.created", small, "shop")
	require.Len(t, results, 1)
	assert.Equal(t, "wf-2", results[0].WorkflowID)

	big := map[string]any{"total": 500, "customer": map[string]any{"tier": "gold"}}
	results = f.manager.HandleEventTrigger(ctx, "order.created", big, "shop")
	require.Len(t, results, 2)

	assert.Empty(t, f.manager.HandleEventTrigger(ctx, "order.deleted", big, "shop"))

	calls := f.executor.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, models.TriggeredByEvent, calls[0].triggeredBy)
	assert.Equal(t, "order.created", calls[0].data["event_type"])
	assert.Equal(t, "shop", calls[0].data["source"])
	assert.Equal(t, small, calls[0].data["data"])
}

func TestManager_EventTriggerFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, workflowID := range []string{"wf-1", "wf-2"} {
		_, err := f.manager.Create(ctx, &models.Trigger{
			WorkflowID: workflowID,
			Type:       models.TriggerTypeEvent,
			Config:     map[string]any{"event_type": "user.created"},
			Active:     true,
		})
		require.NoError(t, err)
	}

	f.executor.fail["wf-1"] = errors.New("boom")

	results := f.manager.HandleEventTrigger(ctx, "user.created", map[string]any{}, "")
	require.Len(t, results, 2)
	assert.Equal(t, "boom", results[0].Error)
	assert.Empty(t, results[0].ExecutionID)
	assert.Empty(t, results[1].Error)
	assert.NotEmpty(t, results[1].ExecutionID)
}

func TestManager_Load(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repo := f.persistence.TriggerRepository()

	require.NoError(t, repo.Save(ctx, &models.Trigger{ID: "hook", WorkflowID: "wf-1", Type: models.TriggerTypeWebhook, Config: map[string]any{"endpoint": "/hook"}, Active: true}))
	require.NoError(t, repo.Save(ctx, &models.Trigger{ID: "off", WorkflowID: "wf-1", Type: models.TriggerTypeWebhook, Config: map[string]any{"endpoint": "/off"}}))
	require.NoError(t, repo.Save(ctx, &models.Trigger{ID: "bad", WorkflowID: "wf-1", Type: models.TriggerTypeSchedule, Config: map[string]any{"cron": "nope"}, Active: true}))
	require.NoError(t, repo.Save(ctx, &models.Trigger{ID: "event", WorkflowID: "wf-2", Type: models.TriggerTypeEvent, Config: map[string]any{"event_type": "ping"}, Active: true}))

	count, err := f.manager.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.True(t, f.manager.HandleWebhookTrigger(ctx, "/hook", postRequest("", nil)).Success)
	assert.False(t, f.manager.HandleWebhookTrigger(ctx, "/off", postRequest("", nil)).Success)
	assert.Len(t, f.manager.HandleEventTrigger(ctx, "ping", nil, ""), 1)
}

func TestManager_Subscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Create(ctx, &models.Trigger{
		WorkflowID: "wf-1",
		Type:       models.TriggerTypeEvent,
		Config:     map[string]any{"event_type": "user.created"},
		Active:     true,
	})
	require.NoError(t, err)

	var handler eventbus.EventHandler

	bus := &mocks.MockEventBus{}
	bus.On("Handle", events.EventReceivedEvent, mock.Anything).
		Run(func(args mock.Arguments) { handler = args.Get(1).(eventbus.EventHandler) }).
		Return(nil)

	require.NoError(t, f.manager.Subscribe(bus))
	require.NotNil(t, handler)

	event := events.NewEventReceived("user.created", "crm", map[string]any{"id": "u-1"})
	require.NoError(t, handler(ctx, &event))

	calls := f.executor.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "crm", calls[0].data["source"])

	assert.Error(t, handler(ctx, "not an event"))
	bus.AssertExpectations(t)
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "/orders", normalizeEndpoint("orders"))
	assert.Equal(t, "/orders", normalizeEndpoint("/orders/"))
	assert.Equal(t, "/", normalizeEndpoint("/"))
	assert.Equal(t, "/", normalizeEndpoint(""))
}

func TestManager_LoadFails(t *testing.T) {
	unavailable := errors.New("unavailable")

	stored := &mocks.MockTriggerRepository{}
	stored.On("GetAll", mock.Anything).Return(nil, unavailable)

	p := &mocks.MockPersistence{}
	p.On("TriggerRepository").Return(stored)
	p.On("WorkflowRepository").Return(memory.NewPersistence().WorkflowRepository())

	manager := NewManager(&fakeExecutor{fail: map[string]error{}}, p, slog.New(slog.DiscardHandler))

	count, err := manager.Load(context.Background())
	require.ErrorIs(t, err, unavailable)
	assert.Zero(t, count)
}
