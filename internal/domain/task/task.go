package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status represents task status.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

const (
	// DefaultPriority is applied when a spec leaves priority unset.
	DefaultPriority = 5
)

var ErrInvalidTransition = errors.New("invalid task status transition")

// Spec is a task submission.
type Spec struct {
	Type             string          `json:"type"`
	Platform         string          `json:"platform,omitempty"`
	Priority         *int            `json:"priority,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	Timeout          time.Duration   `json:"timeout,omitempty"`
	Selector         string          `json:"selector,omitempty"`
	MaxRetries       int             `json:"maxRetries,omitempty"`
	ExpectedDuration time.Duration   `json:"expectedDuration,omitempty"`
}

// Validate rejects malformed specs.
func (s Spec) Validate() error {
	if s.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0", ErrInvalidSpec)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >= 0", ErrInvalidSpec)
	}
	if s.ExpectedDuration < 0 {
		return fmt.Errorf("%w: expectedDuration must be >= 0", ErrInvalidSpec)
	}
	if len(s.Data) > 0 && !json.Valid(s.Data) {
		return fmt.Errorf("%w: data must be valid JSON", ErrInvalidSpec)
	}
	return nil
}

// Task represents a submitted unit of work.
type Task struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Platform         string          `json:"platform,omitempty"`
	Priority         int             `json:"priority"`
	Data             json.RawMessage `json:"data,omitempty"`
	Timeout          time.Duration   `json:"timeout,omitempty"`
	Selector         string          `json:"selector,omitempty"`
	MaxRetries       int             `json:"maxRetries,omitempty"`
	Attempts         int             `json:"attempts"`
	ExpectedDuration time.Duration   `json:"expectedDuration,omitempty"`
	SLAViolated      bool            `json:"slaViolated,omitempty"`
	Status           Status          `json:"status"`
	AgentID          string          `json:"agentId,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// New builds a queued task from a spec.
func New(id string, spec Spec, now time.Time) *Task {
	priority := DefaultPriority
	if spec.Priority != nil {
		priority = *spec.Priority
	}
	return &Task{
		ID:               id,
		Type:             spec.Type,
		Platform:         spec.Platform,
		Priority:         priority,
		Data:             spec.Data,
		Timeout:          spec.Timeout,
		Selector:         spec.Selector,
		MaxRetries:       spec.MaxRetries,
		ExpectedDuration: spec.ExpectedDuration,
		Status:           StatusQueued,
		CreatedAt:        now,
	}
}

// CanTransitionTo validates task status transition.
func (t *Task) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusQueued:    {StatusRunning, StatusCancelled, StatusFailed},
		StatusRunning:   {StatusCompleted, StatusFailed, StatusQueued},
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
	}
	allowed := transitions[t.Status]
	for _, s := range allowed {
		if s == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the task can no longer change.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Start assigns the task to an agent.
func (t *Task) Start(agentID string, now time.Time) error {
	if !t.CanTransitionTo(StatusRunning) {
		return ErrInvalidTransition
	}
	t.Status = StatusRunning
	t.AgentID = agentID
	t.StartedAt = &now
	t.Attempts++
	return nil
}

// Complete records a successful result.
func (t *Task) Complete(result json.RawMessage, now time.Time) error {
	if !t.CanTransitionTo(StatusCompleted) {
		return ErrInvalidTransition
	}
	t.Status = StatusCompleted
	t.Result = result
	t.Error = ""
	t.CompletedAt = &now
	return nil
}

// Fail records a terminal failure.
func (t *Task) Fail(cause error, now time.Time) error {
	if !t.CanTransitionTo(StatusFailed) {
		return ErrInvalidTransition
	}
	t.Status = StatusFailed
	if cause != nil {
		t.Error = cause.Error()
	}
	t.CompletedAt = &now
	return nil
}

// Cancel removes a queued task from consideration.
func (t *Task) Cancel(now time.Time) error {
	if !t.CanTransitionTo(StatusCancelled) {
		return ErrInvalidTransition
	}
	t.Status = StatusCancelled
	t.CompletedAt = &now
	return nil
}

// Requeue returns a running task to the queue for another attempt.
func (t *Task) Requeue(cause error) error {
	if !t.CanTransitionTo(StatusQueued) {
		return ErrInvalidTransition
	}
	t.Status = StatusQueued
	t.AgentID = ""
	t.StartedAt = nil
	t.SLAViolated = false
	if cause != nil {
		t.Error = cause.Error()
	}
	return nil
}

// CanRetry reports whether another attempt is allowed.
func (t *Task) CanRetry() bool {
	return t.Attempts <= t.MaxRetries
}

// Clone returns a copy safe to hand to callers.
func (t *Task) Clone() Task {
	c := *t
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	c.Data = append(json.RawMessage(nil), t.Data...)
	c.Result = append(json.RawMessage(nil), t.Result...)
	return c
}
