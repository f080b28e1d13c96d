package models

// RunContext is the run-scoped state shared by the steps of one execution.
// A run executes its steps sequentially, so it is not safe for concurrent use.
type RunContext struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	StepResults map[string]any `json:"step_results"`
}

// NewRunContext creates an empty run context for an execution.
func NewRunContext(executionID, workflowID string, variables, triggerData map[string]any) *RunContext {
	return &RunContext{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		TriggerData: triggerData,
		Variables:   variables,
		StepResults: make(map[string]any),
	}
}

// Result returns the stored result of a step.
func (r *RunContext) Result(stepID string) (any, bool) {
	value, ok := r.StepResults[stepID]

	return value, ok
}

// SetResult stores a step's result. Results are never removed during a run.
func (r *RunContext) SetResult(stepID string, result any) {
	r.StepResults[stepID] = result
}

// Snapshot returns a shallow copy of the step results suitable for persisting.
func (r *RunContext) Snapshot() map[string]any {
	snapshot := make(map[string]any, len(r.StepResults))
	for k, v := range r.StepResults {
		snapshot[k] = v
	}

	return snapshot
}
