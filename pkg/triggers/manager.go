// Package triggers turns cron ticks, webhook calls and named events into
// workflow runs.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/stepflow/pkg/conditions"
	"github.com/dukex/stepflow/pkg/eventbus"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/lock"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/triggers/schedule"
	"github.com/dukex/stepflow/pkg/triggers/webhook"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrEndpointInUse    = errors.New("webhook endpoint already registered")
	ErrEndpointNotFound = errors.New("no webhook registered for endpoint")
)

// Executor starts workflow runs. *engine.Engine satisfies it.
type Executor interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, triggerData map[string]any, triggeredBy string) (string, error)
}

// WebhookResult is the outcome of a webhook call. Err carries the cause for
// the HTTP layer and is not serialized.
type WebhookResult struct {
	Success     bool   `json:"success"`
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
	Err         error  `json:"-"`
}

// EventResult is the outcome of one event trigger fired by a named event.
type EventResult struct {
	TriggerID   string `json:"trigger_id"`
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

type eventTrigger struct {
	id         string
	workflowID string
	config     *models.EventConfig
}

type Manager struct {
	executor  Executor
	triggers  persistence.TriggerRepository
	workflows persistence.WorkflowRepository
	clock     clockwork.Clock
	locker    lock.Locker
	logger    *slog.Logger
	newID     func() string

	// ctx bounds every schedule loop; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	schedules map[string]*schedule.Trigger
	webhooks  map[string]*webhook.Trigger
	events    map[string]*eventTrigger
}

func NewManager(executor Executor, p persistence.Persistence, logger *slog.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		executor:  executor,
		triggers:  p.TriggerRepository(),
		workflows: p.WorkflowRepository(),
		clock:     clockwork.NewRealClock(),
		logger:    logger.With("module", "trigger_manager"),
		newID:     uuid.NewString,
		ctx:       ctx,
		cancel:    cancel,
		schedules: make(map[string]*schedule.Trigger),
		webhooks:  make(map[string]*webhook.Trigger),
		events:    make(map[string]*eventTrigger),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.locker == nil {
		m.locker = lock.NewLocal(m.clock)
	}

	return m
}

// Create validates and stores a trigger, registering it when active. An
// invalid cron expression or a taken endpoint fails before anything is stored.
func (m *Manager) Create(ctx context.Context, trigger *models.Trigger) (*models.Trigger, error) {
	err := trigger.Validate()
	if err != nil {
		return nil, err
	}

	_, err = m.workflows.GetByID(ctx, trigger.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", trigger.WorkflowID, err)
	}

	if trigger.ID == "" {
		trigger.ID = m.newID()
	}

	now := m.clock.Now().UTC()
	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = now
	}

	trigger.UpdatedAt = now

	if trigger.Active {
		err = m.Register(ctx, trigger)
	} else {
		err = m.check(trigger)
	}

	if err != nil {
		return nil, err
	}

	err = m.triggers.Save(ctx, trigger)
	if err != nil {
		m.Unregister(ctx, trigger.ID)

		return nil, fmt.Errorf("failed to save trigger %s: %w", trigger.ID, err)
	}

	m.logger.InfoContext(ctx, "Trigger created",
		"trigger_id", trigger.ID,
		"workflow_id", trigger.WorkflowID,
		"type", trigger.Type,
		"active", trigger.Active)

	return trigger, nil
}

// Delete unregisters and removes a stored trigger.
func (m *Manager) Delete(ctx context.Context, id string) error {
	_, err := m.triggers.GetByID(ctx, id)
	if err != nil {
		return err
	}

	m.Unregister(ctx, id)

	err = m.triggers.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger %s: %w", id, err)
	}

	m.logger.InfoContext(ctx, "Trigger deleted", "trigger_id", id)

	return nil
}

// List returns the stored triggers, all of them when workflowID is empty.
func (m *Manager) List(ctx context.Context, workflowID string) ([]*models.Trigger, error) {
	if workflowID == "" {
		return m.triggers.GetAll(ctx)
	}

	return m.triggers.GetByWorkflow(ctx, workflowID)
}

// Load registers every active stored trigger. A trigger that fails to
// register is logged and skipped.
func (m *Manager) Load(ctx context.Context) (int, error) {
	stored, err := m.triggers.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load triggers: %w", err)
	}

	registered := 0

	for _, trigger := range stored {
		if !trigger.Active {
			continue
		}

		err := m.Register(ctx, trigger)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to register trigger",
				"trigger_id", trigger.ID,
				"workflow_id", trigger.WorkflowID,
				"error", err)

			continue
		}

		registered++
	}

	m.logger.InfoContext(ctx, "Triggers loaded", "registered", registered, "stored", len(stored))

	return registered, nil
}

// Register activates a trigger without storing it.
func (m *Manager) Register(ctx context.Context, trigger *models.Trigger) error {
	config, err := models.DecodeTriggerConfig(trigger.Type, trigger.Config)
	if err != nil {
		return err
	}

	switch c := config.(type) {
	case *models.ScheduleConfig:
		return m.RegisterSchedule(ctx, trigger.ID, trigger.WorkflowID, c)
	case *models.WebhookConfig:
		return m.RegisterWebhook(ctx, trigger.ID, trigger.WorkflowID, c)
	case *models.EventConfig:
		return m.RegisterEvent(ctx, trigger.ID, trigger.WorkflowID, c)
	default:
		return fmt.Errorf("%w: %s", models.ErrUnsupportedTriggerType, trigger.Type)
	}
}

// check validates a trigger's config the way Register would, without
// activating it.
func (m *Manager) check(trigger *models.Trigger) error {
	config, err := models.DecodeTriggerConfig(trigger.Type, trigger.Config)
	if err != nil {
		return err
	}

	switch c := config.(type) {
	case *models.ScheduleConfig:
		_, err = schedule.NewTrigger(trigger.ID, trigger.WorkflowID, c, m.clock, nil, m.logger)
	case *models.WebhookConfig:
		_, err = webhook.NewTrigger(trigger.ID, trigger.WorkflowID, c)
	}

	return err
}

// RegisterSchedule starts firing workflowID on every tick of the cron
// expression, replacing any schedule registered under the same id. The swap
// happens under the manager lock so concurrent registrations of one id leave
// exactly one running schedule.
func (m *Manager) RegisterSchedule(ctx context.Context, triggerID, workflowID string, config *models.ScheduleConfig) error {
	trigger, err := schedule.NewTrigger(triggerID, workflowID, config, m.clock, m.locker, m.logger)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.unregisterLocked(ctx, triggerID)

	err = trigger.Start(m.ctx, func(ctx context.Context, data map[string]any) error {
		_, err := m.executor.ExecuteWorkflow(ctx, workflowID, data, models.TriggeredBySchedule)

		return err
	})
	if err != nil {
		return fmt.Errorf("failed to start schedule %s: %w", triggerID, err)
	}

	m.schedules[triggerID] = trigger

	return nil
}

// RegisterWebhook binds an endpoint to workflowID. An endpoint serves one
// trigger at a time.
func (m *Manager) RegisterWebhook(ctx context.Context, triggerID, workflowID string, config *models.WebhookConfig) error {
	trigger, err := webhook.NewTrigger(triggerID, workflowID, config)
	if err != nil {
		return err
	}

	trigger.Endpoint = normalizeEndpoint(trigger.Endpoint)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.webhooks[trigger.Endpoint]; ok && existing.ID != triggerID {
		return fmt.Errorf("%w: %s is bound to trigger %s", ErrEndpointInUse, trigger.Endpoint, existing.ID)
	}

	m.unregisterLocked(ctx, triggerID)
	m.webhooks[trigger.Endpoint] = trigger

	m.logger.InfoContext(ctx, "Webhook registered",
		"trigger_id", triggerID,
		"workflow_id", workflowID,
		"endpoint", trigger.Endpoint,
		"method", trigger.Method)

	return nil
}

// RegisterEvent fires workflowID whenever an event of the configured type
// matches every condition.
func (m *Manager) RegisterEvent(ctx context.Context, triggerID, workflowID string, config *models.EventConfig) error {
	if config.EventType == "" {
		return fmt.Errorf("%w: event_type is required", models.ErrInvalidTriggerConfig)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.unregisterLocked(ctx, triggerID)
	m.events[triggerID] = &eventTrigger{id: triggerID, workflowID: workflowID, config: config}

	m.logger.InfoContext(ctx, "Event trigger registered",
		"trigger_id", triggerID,
		"workflow_id", workflowID,
		"event_type", config.EventType)

	return nil
}

// Unregister deactivates a trigger of any type. Unknown ids are ignored.
func (m *Manager) Unregister(ctx context.Context, triggerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unregisterLocked(ctx, triggerID)
}

func (m *Manager) unregisterLocked(ctx context.Context, triggerID string) {
	if trigger, ok := m.schedules[triggerID]; ok {
		err := trigger.Stop(ctx)
		if err != nil {
			m.logger.WarnContext(ctx, "Failed to stop schedule", "trigger_id", triggerID, "error", err)
		}

		delete(m.schedules, triggerID)
	}

	for endpoint, trigger := range m.webhooks {
		if trigger.ID == triggerID {
			delete(m.webhooks, endpoint)
		}
	}

	delete(m.events, triggerID)
}

// HandleWebhookTrigger runs the workflow bound to endpoint. It never returns
// an error; failures are reported in the result.
func (m *Manager) HandleWebhookTrigger(ctx context.Context, endpoint string, req webhook.Request) WebhookResult {
	endpoint = normalizeEndpoint(endpoint)

	m.mu.RLock()
	trigger, ok := m.webhooks[endpoint]
	m.mu.RUnlock()

	if !ok {
		return failure(fmt.Errorf("%w: %s", ErrEndpointNotFound, endpoint))
	}

	logger := m.logger.With("trigger_id", trigger.ID, "workflow_id", trigger.WorkflowID, "endpoint", endpoint)

	err := trigger.Accept(req)
	if err != nil {
		logger.WarnContext(ctx, "Webhook rejected", "error", err)

		return failure(err)
	}

	executionID, err := m.executor.ExecuteWorkflow(ctx, trigger.WorkflowID, trigger.Payload(req), models.TriggeredByWebhook)
	if err != nil {
		logger.ErrorContext(ctx, "Error executing workflow for webhook", "error", err)

		return failure(err)
	}

	logger.InfoContext(ctx, "Webhook triggered workflow", "execution_id", executionID)

	return WebhookResult{Success: true, ExecutionID: executionID}
}

func failure(err error) WebhookResult {
	return WebhookResult{Success: false, Error: err.Error(), Err: err}
}

// HandleEventTrigger fires every event trigger matching the event. Each
// trigger is fired independently; one failure does not stop the others.
func (m *Manager) HandleEventTrigger(ctx context.Context, eventType string, data map[string]any, source string) []EventResult {
	m.mu.RLock()

	matching := make([]*eventTrigger, 0)

	for _, trigger := range m.events {
		if trigger.config.EventType == eventType {
			matching = append(matching, trigger)
		}
	}

	m.mu.RUnlock()

	sort.Slice(matching, func(i, j int) bool { return matching[i].id < matching[j].id })

	results := make([]EventResult, 0, len(matching))

	for _, trigger := range matching {
		for _, condition := range trigger.config.Conditions {
			if !condition.Operator.Known() {
				m.logger.WarnContext(ctx, "Unknown condition operator evaluates to true",
					"trigger_id", trigger.id,
					"operator", condition.Operator)
			}
		}

		if !conditions.EvaluateAll(trigger.config.Conditions, data) {
			m.logger.DebugContext(ctx, "Event did not match trigger conditions", "trigger_id", trigger.id, "event_type", eventType)

			continue
		}

		results = append(results, m.fireEvent(ctx, trigger, eventType, data, source))
	}

	return results
}

func (m *Manager) fireEvent(ctx context.Context, trigger *eventTrigger, eventType string, data map[string]any, source string) (result EventResult) {
	result = EventResult{TriggerID: trigger.id, WorkflowID: trigger.workflowID}
	logger := m.logger.With("trigger_id", trigger.id, "workflow_id", trigger.workflowID, "event_type", eventType)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "Event trigger panicked", "panic", r)
			result.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	payload := map[string]any{
		"trigger_id": trigger.id,
		"event_type": eventType,
		"source":     source,
		"data":       data,
	}

	executionID, err := m.executor.ExecuteWorkflow(ctx, trigger.workflowID, payload, models.TriggeredByEvent)
	if err != nil {
		logger.ErrorContext(ctx, "Error executing workflow for event", "error", err)
		result.Error = err.Error()

		return result
	}

	logger.InfoContext(ctx, "Event triggered workflow", "execution_id", executionID)
	result.ExecutionID = executionID

	return result
}

// Subscribe feeds event.received messages from the bus into HandleEventTrigger.
func (m *Manager) Subscribe(subscriber eventbus.EventSubscriber) error {
	return subscriber.Handle(events.EventReceivedEvent, func(ctx context.Context, event any) error {
		received, ok := event.(*events.EventReceived)
		if !ok {
			return fmt.Errorf("unexpected event payload %T", event)
		}

		m.HandleEventTrigger(ctx, received.EventType, received.Data, received.Source)

		return nil
	})
}

// Stop ends every schedule loop. Registrations are kept.
func (m *Manager) Stop(ctx context.Context) error {
	m.cancel()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error

	for id, trigger := range m.schedules {
		err := trigger.Stop(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", id, err))
		}
	}

	return errors.Join(errs...)
}

// HealthCheck reports the number of registered triggers.
func (m *Manager) HealthCheck() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return fmt.Sprintf("%d schedules, %d webhooks, %d event triggers registered",
		len(m.schedules), len(m.webhooks), len(m.events)), true
}

func normalizeEndpoint(endpoint string) string {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	trimmed := strings.TrimRight(endpoint, "/")
	if trimmed == "" {
		return "/"
	}

	return trimmed
}
