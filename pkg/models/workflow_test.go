package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func validWorkflow() *Workflow {
	return &Workflow{
		ID:     "wf-1",
		Name:   "Nightly sync",
		Active: true,
		Steps: []*Step{
			{ID: "fetch", Name: "Fetch", Type: StepTypeAPICall, Position: 0, Config: map[string]any{"url": "https://example.com"}},
			{ID: "wait", Name: "Wait", Type: StepTypeDelay, Position: 1, Config: map[string]any{"duration": 10}},
		},
	}
}

func TestWorkflow_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(w *Workflow)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Workflow) {}},
		{name: "short name", mutate: func(w *Workflow) { w.Name = "ab" }, wantErr: true},
		{name: "duplicate position", mutate: func(w *Workflow) { w.Steps[1].Position = 0 }, wantErr: true},
		{name: "gap in positions", mutate: func(w *Workflow) { w.Steps[1].Position = 3 }, wantErr: true},
		{name: "duplicate step id", mutate: func(w *Workflow) { w.Steps[1].ID = "fetch" }, wantErr: true},
		{name: "unsupported step type", mutate: func(w *Workflow) { w.Steps[1].Type = "SMS" }, wantErr: true},
		{name: "invalid step config", mutate: func(w *Workflow) { w.Steps[0].Config = map[string]any{} }, wantErr: true},
		{name: "zero retries", mutate: func(w *Workflow) { w.Steps[0].Retries = intPtr(0) }, wantErr: true},
		{name: "retries at limit", mutate: func(w *Workflow) { w.Steps[0].Retries = intPtr(MaxRetries) }},
		{name: "retries above limit", mutate: func(w *Workflow) { w.Steps[0].Retries = intPtr(100) }, wantErr: true},
		{
			name: "incomplete skip condition",
			mutate: func(w *Workflow) {
				w.Steps[1].Conditions = &Condition{Field: "fetch"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workflow := validWorkflow()
			tt.mutate(workflow)

			err := workflow.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidWorkflow)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestWorkflow_OrderedSteps(t *testing.T) {
	workflow := &Workflow{Steps: []*Step{
		{ID: "c", Position: 2},
		{ID: "a", Position: 0},
		{ID: "b", Position: 1},
	}}

	ordered := workflow.OrderedSteps()

	require.Len(t, ordered, 3)
	assert.Equal(t, "a", ordered[0].ID)
	assert.Equal(t, "b", ordered[1].ID)
	assert.Equal(t, "c", ordered[2].ID)
	assert.Equal(t, "c", workflow.Steps[0].ID, "original order is untouched")
}

func TestStep_MaxAttempts(t *testing.T) {
	assert.Equal(t, 3, (&Step{}).MaxAttempts())
	assert.Equal(t, 5, (&Step{Retries: intPtr(5)}).MaxAttempts())
	assert.Equal(t, 1, (&Step{Retries: intPtr(-2)}).MaxAttempts())
	assert.Equal(t, MaxRetries, (&Step{Retries: intPtr(100)}).MaxAttempts())
}
