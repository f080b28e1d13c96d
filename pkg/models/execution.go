package models

import "time"

// ExecutionStatus is the state of a workflow run.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusSuccess   ExecutionStatus = "SUCCESS"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether no further step may run for an execution in this state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus is the state of one step's attempt series.
type StepStatus string

const (
	StepStatusPending StepStatus = "PENDING"
	StepStatusRunning StepStatus = "RUNNING"
	StepStatusSuccess StepStatus = "SUCCESS"
	StepStatusFailed  StepStatus = "FAILED"
)

// Labels recorded in WorkflowExecution.TriggeredBy by the built-in triggers.
const (
	TriggeredBySchedule = "schedule"
	TriggeredByWebhook  = "webhook"
	TriggeredByEvent    = "event"
	TriggeredByManual   = "manual"
)

// WorkflowExecution is one run of a workflow.
type WorkflowExecution struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	TriggeredBy string          `json:"triggered_by"`
	TriggerData map[string]any  `json:"trigger_data,omitempty"`
	StepResults map[string]any  `json:"step_results"`
	Error       string          `json:"error,omitempty"`
}

// StepExecution is the attempt series of one step within one run.
type StepExecution struct {
	ID            string     `json:"id"`
	ExecutionID   string     `json:"execution_id"`
	StepID        string     `json:"step_id"`
	Position      int        `json:"position"`
	Status        StepStatus `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	MaxAttempts   int        `json:"max_attempts"`
	AttemptNumber int        `json:"attempt_number"`
	Output        any        `json:"output,omitempty"`
	Logs          string     `json:"logs,omitempty"`
	Error         string     `json:"error,omitempty"`
}
