package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound indicates a workflow run was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrStepExecutionNotFound indicates a step execution record was not found.
	ErrStepExecutionNotFound = errors.New("step execution not found")

	// ErrTriggerNotFound indicates a trigger was not found.
	ErrTriggerNotFound = errors.New("trigger not found")

	// ErrExecutionAlreadyExists indicates a run with the same id was already created.
	ErrExecutionAlreadyExists = errors.New("execution already exists")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	WorkflowID string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for workflow errors.
func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}
}

// ExecutionError wraps run and step execution errors with additional context.
type ExecutionError struct {
	Op          string
	ExecutionID string
	StepID      string // set for step execution records
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s operation failed for step execution %s: %v", e.Op, e.StepID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

func NewStepExecutionError(op, stepExecutionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, StepID: stepExecutionID, Err: err}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsExecutionNotFound checks if an error indicates a run was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

func IsStepExecutionNotFound(err error) bool {
	return errors.Is(err, ErrStepExecutionNotFound)
}

func IsTriggerNotFound(err error) bool {
	return errors.Is(err, ErrTriggerNotFound)
}
