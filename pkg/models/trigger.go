package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TriggerType selects how a trigger activates its workflow.
type TriggerType string

const (
	TriggerTypeSchedule TriggerType = "SCHEDULE"
	TriggerTypeWebhook  TriggerType = "WEBHOOK"
	TriggerTypeEvent    TriggerType = "EVENT"
)

// WebhookAuthType selects how webhook requests are authenticated.
type WebhookAuthType string

const (
	WebhookAuthBearer WebhookAuthType = "bearer"
	WebhookAuthAPIKey WebhookAuthType = "api_key"
	WebhookAuthHMAC   WebhookAuthType = "hmac"
)

const (
	DefaultAPIKeyHeader    = "X-API-Key"
	DefaultSignatureHeader = "X-Signature"
	DefaultWebhookMethod   = "POST"
)

// Trigger is a rule that starts runs of a workflow.
type Trigger struct {
	ID         string         `json:"id"             yaml:"id"`
	WorkflowID string         `json:"workflow_id"    yaml:"workflow_id" validate:"required"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type       TriggerType    `json:"type"           yaml:"type"        validate:"required,oneof=SCHEDULE WEBHOOK EVENT"`
	Config     map[string]any `json:"config"         yaml:"config"`
	Active     bool           `json:"active"         yaml:"active"`
	CreatedAt  time.Time      `json:"created_at"     yaml:"-"`
	UpdatedAt  time.Time      `json:"updated_at"     yaml:"-"`
}

// TriggerConfig is the decoded configuration of a trigger.
type TriggerConfig interface {
	isTriggerConfig()
}

// ScheduleConfig fires a workflow on a standard 5-field cron expression.
type ScheduleConfig struct {
	Cron     string `json:"cron"               validate:"required"`
	Timezone string `json:"timezone,omitempty"`
}

// WebhookAuth configures webhook request authentication.
type WebhookAuth struct {
	Type   WebhookAuthType `json:"type"             validate:"required,oneof=bearer api_key hmac"`
	Token  string          `json:"token,omitempty"  validate:"required_if=Type bearer"`
	Key    string          `json:"key,omitempty"    validate:"required_if=Type api_key"`
	Header string          `json:"header,omitempty"`
	Secret string          `json:"secret,omitempty" validate:"required_if=Type hmac"`
}

// WebhookConfig binds an endpoint path to a workflow.
type WebhookConfig struct {
	Endpoint string       `json:"endpoint"         validate:"required,startswith=/"`
	Method   string       `json:"method,omitempty"`
	Auth     *WebhookAuth `json:"auth,omitempty"`
}

// EventConfig fires a workflow when a named event matches all conditions.
type EventConfig struct {
	EventType  string      `json:"event_type"           validate:"required"`
	Conditions []Condition `json:"conditions,omitempty" validate:"dive"`
}

func (*ScheduleConfig) isTriggerConfig() {}
func (*WebhookConfig) isTriggerConfig()  {}
func (*EventConfig) isTriggerConfig()    {}

// DecodeTriggerConfig decodes and validates a trigger's config payload.
func DecodeTriggerConfig(triggerType TriggerType, raw map[string]any) (TriggerConfig, error) {
	var config TriggerConfig

	switch triggerType {
	case TriggerTypeSchedule:
		config = &ScheduleConfig{}
	case TriggerTypeWebhook:
		config = &WebhookConfig{}
	case TriggerTypeEvent:
		config = &EventConfig{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTriggerType, triggerType)
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTriggerConfig, err)
	}

	if err := json.Unmarshal(payload, config); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTriggerConfig, err)
	}

	if c, ok := config.(*WebhookConfig); ok {
		c.Method = strings.ToUpper(c.Method)
		if c.Method == "" {
			c.Method = DefaultWebhookMethod
		}
	}

	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTriggerConfig, err)
	}

	return config, nil
}

// Validate checks the trigger fields and its config payload.
func (t *Trigger) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTriggerConfig, err)
	}

	_, err := DecodeTriggerConfig(t.Type, t.Config)

	return err
}
