package engine

import (
	"errors"
	"time"
)

var (
	// ErrWorkflowInactive is returned when an inactive workflow is asked to run.
	ErrWorkflowInactive = errors.New("workflow is not active")

	// ErrInvalidStep is returned when a step cannot be prepared for execution.
	ErrInvalidStep = errors.New("invalid step")

	// ErrExecutionFinished is returned when cancelling a run that already reached a terminal state.
	ErrExecutionFinished = errors.New("execution already finished")

	// ErrEngineStopped is returned by ExecuteWorkflow after Shutdown.
	ErrEngineStopped = errors.New("engine stopped")

	// ErrStepTimeout is returned when a step attempt exceeds the step's timeout.
	ErrStepTimeout = errors.New("step timed out")
)

// Messages stored as the run error by the engine itself.
const (
	InterruptedMessage = "interrupted: engine restarted"
	StoppedMessage     = "interrupted: engine stopped"
	CancelledMessage   = "execution cancelled"
)

// MaxBackoff caps the wait between attempts.
const MaxBackoff = time.Hour

// Backoff is the wait before retrying after a failed attempt: 1s, 2s, 4s, ...
// up to MaxBackoff.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// Past this the shift overflows, and 2^12s is already over the cap.
	if attempt > 13 {
		return MaxBackoff
	}

	return min(time.Duration(1<<(attempt-1))*time.Second, MaxBackoff)
}
