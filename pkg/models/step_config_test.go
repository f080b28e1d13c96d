package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStepConfig_Defaults(t *testing.T) {
	config, err := DecodeStepConfig(StepTypeAPICall, map[string]any{"url": "https://example.com/items"})
	require.NoError(t, err)

	apiCall, ok := config.(*APICallConfig)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/items", apiCall.URL)
	assert.Equal(t, "GET", apiCall.Method)

	config, err = DecodeStepConfig(StepTypeDelay, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), config.(*DelayConfig).Duration)
}

func TestDecodeStepConfig_TemplatedURL(t *testing.T) {
	config, err := DecodeStepConfig(StepTypeAPICall, map[string]any{"url": "{{ .vars.base }}/items"})
	require.NoError(t, err)
	assert.Equal(t, "{{ .vars.base }}/items", config.(*APICallConfig).URL)

	config, err = DecodeStepConfig(StepTypeWebhook, map[string]any{"url": "https://hooks.example.com/{{ .trigger.id }}"})
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/{{ .trigger.id }}", config.(*APICallConfig).URL)
}

func TestValidateURL(t *testing.T) {
	require.NoError(t, ValidateURL("https://api.example.com/items"))
	assert.Error(t, ValidateURL(""))
	assert.Error(t, ValidateURL("/items"))
}

func TestDecodeStepConfig_Errors(t *testing.T) {
	tests := []struct {
		name     string
		stepType StepType
		raw      map[string]any
		target   error
	}{
		{
			name:     "unknown step type",
			stepType: "SLACK",
			raw:      map[string]any{},
			target:   ErrUnsupportedStepType,
		},
		{
			name:     "api call without url",
			stepType: StepTypeAPICall,
			raw:      map[string]any{"method": "POST"},
			target:   ErrInvalidStepConfig,
		},
		{
			name:     "api call with malformed url",
			stepType: StepTypeAPICall,
			raw:      map[string]any{"url": "not a url"},
			target:   ErrInvalidStepConfig,
		},
		{
			name:     "webhook with non-string header",
			stepType: StepTypeWebhook,
			raw:      map[string]any{"url": "https://example.com", "headers": map[string]any{"X-Count": 1}},
			target:   ErrInvalidStepConfig,
		},
		{
			name:     "negative delay",
			stepType: StepTypeDelay,
			raw:      map[string]any{"duration": -5},
			target:   ErrInvalidStepConfig,
		},
		{
			name:     "transform without source",
			stepType: StepTypeTransform,
			raw:      map[string]any{"transformations": []any{}},
			target:   ErrInvalidStepConfig,
		},
		{
			name:     "transform with unknown transformation",
			stepType: StepTypeTransform,
			raw: map[string]any{
				"source":          "step1",
				"transformations": []any{map[string]any{"type": "filter"}},
			},
			target: ErrInvalidStepConfig,
		},
		{
			name:     "email without recipient",
			stepType: StepTypeEmail,
			raw:      map[string]any{"subject": "hi"},
			target:   ErrInvalidStepConfig,
		},
		{
			name:     "conditional with incomplete condition",
			stepType: StepTypeConditional,
			raw:      map[string]any{"condition": map[string]any{"field": "s1"}},
			target:   ErrInvalidStepConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := DecodeStepConfig(tt.stepType, tt.raw)
			require.Error(t, err)
			assert.Nil(t, config)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestStepConfig_JSONRoundTrip(t *testing.T) {
	configs := map[StepType]string{
		StepTypeAPICall:     `{"url":"https://example.com/a","method":"POST","headers":{"X-Trace":"1"},"body":{"id":7}}`,
		StepTypeWebhook:     `{"url":"https://example.com/hook"}`,
		StepTypeDelay:       `{"duration":250}`,
		StepTypeTransform:   `{"source":"step1","transformations":[{"type":"map","mapping":{"id":"data.id"}}]}`,
		StepTypeEmail:       `{"to":"ops@example.com","subject":"Report","body":"done"}`,
		StepTypeConditional: `{"condition":{"field":"step1","operator":"greater_than","value":"3"}}`,
		StepTypeCustom:      `{"inputs":{"a":1,"b":[1,2]}}`,
	}

	for stepType, payload := range configs {
		t.Run(string(stepType), func(t *testing.T) {
			var raw map[string]any
			require.NoError(t, json.Unmarshal([]byte(payload), &raw))

			first, err := DecodeStepConfig(stepType, raw)
			require.NoError(t, err)

			encoded, err := EncodeStepConfig(first)
			require.NoError(t, err)

			wire, err := json.Marshal(encoded)
			require.NoError(t, err)

			var decodedWire map[string]any
			require.NoError(t, json.Unmarshal(wire, &decodedWire))

			second, err := DecodeStepConfig(stepType, decodedWire)
			require.NoError(t, err)
			assert.Equal(t, first, second)
		})
	}
}
