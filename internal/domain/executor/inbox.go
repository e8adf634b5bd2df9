package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/wallestars/orchestration-hub/internal/domain/agent"
	"github.com/wallestars/orchestration-hub/internal/domain/task"
)

var (
	ErrUnknownAssignment = errors.New("no pending assignment for task")
	ErrInboxClosed       = errors.New("execution inbox closed")
	ErrSuperseded        = errors.New("assignment superseded by a newer attempt")
)

// Assignment is a task handed to an external worker through an Inbox.
type Assignment struct {
	Task  task.Task
	Agent agent.Agent
}

type outcome struct {
	result json.RawMessage
	err    error
}

// Inbox is an Executor that publishes assignments on a channel and waits
// for the consumer to post the outcome back keyed by task id.
type Inbox struct {
	assignments chan Assignment

	mu      sync.Mutex
	pending map[string]chan outcome
	closed  bool
	done    chan struct{}
}

// NewInbox creates an inbox with the given assignment buffer.
func NewInbox(buffer int) *Inbox {
	if buffer < 0 {
		buffer = 0
	}
	return &Inbox{
		assignments: make(chan Assignment, buffer),
		pending:     make(map[string]chan outcome),
		done:        make(chan struct{}),
	}
}

// Assignments returns the channel consumers read work from.
func (b *Inbox) Assignments() <-chan Assignment {
	return b.assignments
}

// Done is closed by Close. Consumers select on it to stop reading
// assignments.
func (b *Inbox) Done() <-chan struct{} {
	return b.done
}

// Execute implements Executor.
func (b *Inbox) Execute(ctx context.Context, t task.Task, a agent.Agent) (json.RawMessage, error) {
	ch := make(chan outcome, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrInboxClosed
	}
	if prev, ok := b.pending[t.ID]; ok {
		prev <- outcome{err: ErrSuperseded}
	}
	b.pending[t.ID] = ch
	b.mu.Unlock()
	defer b.forget(t.ID, ch)

	select {
	case b.assignments <- Assignment{Task: t, Agent: a}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrInboxClosed
	}

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrInboxClosed
	}
}

// Resolve posts a successful result for a task.
func (b *Inbox) Resolve(taskID string, result json.RawMessage) error {
	return b.post(taskID, outcome{result: result})
}

// Reject posts a failure for a task.
func (b *Inbox) Reject(taskID string, err error) error {
	if err == nil {
		err = errors.New("rejected")
	}
	return b.post(taskID, outcome{err: err})
}

// Close releases every waiting Execute call.
func (b *Inbox) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

func (b *Inbox) post(taskID string, out outcome) error {
	b.mu.Lock()
	ch, ok := b.pending[taskID]
	if ok {
		delete(b.pending, taskID)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownAssignment
	}
	ch <- out
	return nil
}

func (b *Inbox) forget(taskID string, ch chan outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.pending[taskID]; ok && cur == ch {
		delete(b.pending, taskID)
	}
}
