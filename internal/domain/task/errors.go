package task

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("task not found")
	ErrInvalidSpec   = errors.New("invalid task spec")
	ErrTimeout       = errors.New("task timed out")
	ErrAgentRemoved  = errors.New("agent removed while task was running")
	ErrClosed        = errors.New("orchestrator closed")
	ErrNotCancelable = errors.New("task is not queued")
	ErrCancelled     = errors.New("task cancelled before dispatch")
)

// ExecutionError wraps whatever the executor returned.
type ExecutionError struct {
	TaskID  string
	AgentID string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s failed on agent %s: %v", e.TaskID, e.AgentID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
