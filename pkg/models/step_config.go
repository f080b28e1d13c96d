package models

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// StepType is the tag selecting a step's processor and config shape.
type StepType string

const (
	StepTypeAPICall     StepType = "API_CALL"
	StepTypeWebhook     StepType = "WEBHOOK"
	StepTypeDelay       StepType = "DELAY"
	StepTypeTransform   StepType = "TRANSFORM"
	StepTypeEmail       StepType = "EMAIL"
	StepTypeConditional StepType = "CONDITIONAL"
	StepTypeCustom      StepType = "CUSTOM"
)

const (
	DefaultHTTPMethod    = "GET"
	DefaultDelayDuration = 1000 // milliseconds

	TransformTypeMap = "map"
)

// StepConfig is the decoded, typed configuration of a step.
type StepConfig interface {
	isStepConfig()
}

// APICallConfig configures API_CALL and WEBHOOK steps.
type APICallConfig struct {
	URL     string            `json:"url"               validate:"required,url_or_template"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// DelayConfig configures DELAY steps.
type DelayConfig struct {
	Duration int64 `json:"duration,omitempty" validate:"gte=0"` // milliseconds
}

// Transformation is one entry of a TRANSFORM step's pipeline.
type Transformation struct {
	Type    string            `json:"type"              validate:"required,oneof=map"`
	Mapping map[string]string `json:"mapping,omitempty"`
}

// TransformConfig configures TRANSFORM steps.
type TransformConfig struct {
	Source          string           `json:"source"                    validate:"required"`
	Transformations []Transformation `json:"transformations,omitempty" validate:"dive"`
}

// EmailConfig configures EMAIL steps.
type EmailConfig struct {
	To      string `json:"to"                validate:"required"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// ConditionalConfig configures CONDITIONAL steps.
type ConditionalConfig struct {
	Condition *Condition `json:"condition,omitempty"`
}

// CustomConfig configures CUSTOM steps. Handler names a registered custom
// executor; without one the inputs are echoed back.
type CustomConfig struct {
	Handler string         `json:"handler,omitempty"`
	Inputs  map[string]any `json:"inputs,omitempty"`
}

func (*APICallConfig) isStepConfig()     {}
func (*DelayConfig) isStepConfig()       {}
func (*TransformConfig) isStepConfig()   {}
func (*EmailConfig) isStepConfig()       {}
func (*ConditionalConfig) isStepConfig() {}
func (*CustomConfig) isStepConfig()      {}

var conditionSchema = map[string]any{
	"type":     "object",
	"required": []any{"field", "operator"},
	"properties": map[string]any{
		"field":    map[string]any{"type": "string", "minLength": 1},
		"operator": map[string]any{"type": "string", "minLength": 1},
	},
}

var apiCallSchema = map[string]any{
	"type":     "object",
	"required": []any{"url"},
	"properties": map[string]any{
		"url":     map[string]any{"type": "string", "minLength": 1},
		"method":  map[string]any{"type": "string"},
		"headers": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
	},
}

var stepConfigSchemas = map[StepType]*gojsonschema.Schema{
	StepTypeAPICall: mustSchema(apiCallSchema),
	StepTypeWebhook: mustSchema(apiCallSchema),
	StepTypeDelay: mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"duration": map[string]any{"type": "integer", "minimum": 0},
		},
	}),
	StepTypeTransform: mustSchema(map[string]any{
		"type":     "object",
		"required": []any{"source"},
		"properties": map[string]any{
			"source": map[string]any{"type": "string", "minLength": 1},
			"transformations": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []any{"type"},
					"properties": map[string]any{
						"type":    map[string]any{"enum": []any{TransformTypeMap}},
						"mapping": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
					},
				},
			},
		},
	}),
	StepTypeEmail: mustSchema(map[string]any{
		"type":     "object",
		"required": []any{"to"},
		"properties": map[string]any{
			"to":      map[string]any{"type": "string", "minLength": 1},
			"subject": map[string]any{"type": "string"},
			"body":    map[string]any{"type": "string"},
		},
	}),
	StepTypeConditional: mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"condition": conditionSchema,
		},
	}),
	StepTypeCustom: mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"handler": map[string]any{"type": "string"},
			"inputs":  map[string]any{"type": "object"},
		},
	}),
}

func mustSchema(schema map[string]any) *gojsonschema.Schema {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("invalid step config schema: %v", err))
	}

	return compiled
}

// SupportedStepTypes lists the step types that have a config schema.
func SupportedStepTypes() []StepType {
	return []StepType{
		StepTypeAPICall, StepTypeWebhook, StepTypeDelay, StepTypeTransform,
		StepTypeEmail, StepTypeConditional, StepTypeCustom,
	}
}

func newStepConfig(stepType StepType) StepConfig {
	switch stepType {
	case StepTypeAPICall, StepTypeWebhook:
		return &APICallConfig{}
	case StepTypeDelay:
		return &DelayConfig{}
	case StepTypeTransform:
		return &TransformConfig{}
	case StepTypeEmail:
		return &EmailConfig{}
	case StepTypeConditional:
		return &ConditionalConfig{}
	case StepTypeCustom:
		return &CustomConfig{}
	default:
		return nil
	}
}

// DecodeStepConfig validates a raw config payload against the step type's
// schema and decodes it into the typed config with defaults applied.
func DecodeStepConfig(stepType StepType, raw map[string]any) (StepConfig, error) {
	schema, ok := stepConfigSchemas[stepType]
	if !ok {
		return nil, &StepConfigError{StepType: stepType, Err: ErrUnsupportedStepType}
	}

	if raw == nil {
		raw = map[string]any{}
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, &StepConfigError{StepType: stepType, Details: []string{err.Error()}, Err: ErrInvalidStepConfig}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nil, &StepConfigError{StepType: stepType, Details: []string{err.Error()}, Err: ErrInvalidStepConfig}
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return nil, &StepConfigError{StepType: stepType, Details: details, Err: ErrInvalidStepConfig}
	}

	config := newStepConfig(stepType)

	if err := json.Unmarshal(payload, config); err != nil {
		return nil, &StepConfigError{StepType: stepType, Details: []string{err.Error()}, Err: ErrInvalidStepConfig}
	}

	applyStepDefaults(config)

	if err := validate.Struct(config); err != nil {
		return nil, &StepConfigError{StepType: stepType, Details: []string{err.Error()}, Err: ErrInvalidStepConfig}
	}

	return config, nil
}

// EncodeStepConfig renders a typed config back into its wire map.
func EncodeStepConfig(config StepConfig) (map[string]any, error) {
	payload, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step config: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step config: %w", err)
	}

	return raw, nil
}

func applyStepDefaults(config StepConfig) {
	switch c := config.(type) {
	case *APICallConfig:
		if c.Method == "" {
			c.Method = DefaultHTTPMethod
		}
	case *DelayConfig:
		if c.Duration == 0 {
			c.Duration = DefaultDelayDuration
		}
	}
}
