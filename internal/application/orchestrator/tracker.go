package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wallestars/orchestration-hub/internal/domain/agent"
	"github.com/wallestars/orchestration-hub/internal/domain/executor"
	"github.com/wallestars/orchestration-hub/internal/domain/task"
)

type execution struct {
	task    *task.Task
	agentID string
	attempt int
	timer   *time.Timer
}

// Tracker runs assigned tasks to exactly one terminal outcome per attempt and
// reconciles agent and task state. Methods other than report expect the
// Manager lock to be held.
type Tracker struct {
	mu       *sync.Mutex
	ctx      context.Context
	executor executor.Executor
	registry *Registry
	queue    *Queue
	running  map[string]*execution
	emit     func(Event)
	now      func() time.Time
	logger   zerolog.Logger

	// settle is called once per task with its final outcome.
	settle func(t *task.Task, result json.RawMessage, err error)
	// freed is called after a slot is released.
	freed func()

	wg sync.WaitGroup
}

func newTracker(ctx context.Context, mu *sync.Mutex, exec executor.Executor, registry *Registry, queue *Queue, emit func(Event), now func() time.Time, logger zerolog.Logger) *Tracker {
	return &Tracker{
		mu:       mu,
		ctx:      ctx,
		executor: exec,
		registry: registry,
		queue:    queue,
		running:  make(map[string]*execution),
		emit:     emit,
		now:      now,
		logger:   logger,
	}
}

// Running returns the number of in-flight tasks.
func (tr *Tracker) Running() int {
	return len(tr.running)
}

// Start arms the timeout and hands the task to the executor.
func (tr *Tracker) Start(t *task.Task, a *agent.Agent) {
	ex := &execution{task: t, agentID: a.ID, attempt: t.Attempts}
	tr.running[t.ID] = ex
	if t.Timeout > 0 {
		id, attempt, timeout := t.ID, ex.attempt, t.Timeout
		ex.timer = time.AfterFunc(timeout, func() {
			tr.report(id, attempt, nil, fmt.Errorf("%w after %s", task.ErrTimeout, timeout))
		})
	}

	taskSnap, agentSnap := t.Clone(), a.Clone()
	tr.wg.Add(1)
	go tr.run(taskSnap, agentSnap, ex.attempt)
}

func (tr *Tracker) run(t task.Task, a agent.Agent, attempt int) {
	defer tr.wg.Done()
	var (
		result json.RawMessage
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("executor panic: %v", r)
			}
		}()
		result, err = tr.executor.Execute(tr.ctx, t, a)
	}()
	if err != nil && !errors.Is(err, task.ErrTimeout) {
		err = &task.ExecutionError{TaskID: t.ID, AgentID: a.ID, Err: err}
	}
	tr.report(t.ID, attempt, result, err)
}

// report delivers an outcome. Only the first outcome for the current attempt
// is applied; anything later is dropped.
func (tr *Tracker) report(taskID string, attempt int, result json.RawMessage, err error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	ex, ok := tr.running[taskID]
	if !ok || ex.attempt != attempt {
		tr.logger.Debug().
			Str("task_id", taskID).
			Int("attempt", attempt).
			Msg("ignoring late task outcome")
		return
	}
	tr.finish(ex, result, err, true)
	if tr.freed != nil {
		tr.freed()
	}
}

// finish applies an outcome. When allowRetry is false the task fails
// regardless of its retry budget.
func (tr *Tracker) finish(ex *execution, result json.RawMessage, err error, allowRetry bool) {
	delete(tr.running, ex.task.ID)
	if ex.timer != nil {
		ex.timer.Stop()
	}
	now := tr.now()
	t := ex.task

	if a, ok := tr.registry.Get(ex.agentID); ok {
		a.Release(err == nil)
	}

	if err == nil {
		if cerr := t.Complete(result, now); cerr != nil {
			tr.logger.Error().Err(cerr).Str("task_id", t.ID).Msg("failed to complete task")
			return
		}
		tr.logger.Info().
			Str("task_id", t.ID).
			Str("agent_id", ex.agentID).
			Msg("task completed")
		tr.emit(taskEvent(EventTaskCompleted, t, now))
		tr.settle(t, result, nil)
		return
	}

	if allowRetry && t.CanRetry() {
		if rerr := t.Requeue(err); rerr == nil {
			tr.logger.Warn().Err(err).
				Str("task_id", t.ID).
				Str("agent_id", ex.agentID).
				Int("attempt", t.Attempts).
				Int("max_retries", t.MaxRetries).
				Msg("task failed; requeued for retry")
			tr.queue.Enqueue(t)
			tr.emit(taskEvent(EventTaskRetrying, t, now))
			return
		}
	}

	if ferr := t.Fail(err, now); ferr != nil {
		tr.logger.Error().Err(ferr).Str("task_id", t.ID).Msg("failed to fail task")
		return
	}
	tr.logger.Warn().Err(err).
		Str("task_id", t.ID).
		Str("agent_id", ex.agentID).
		Msg("task failed")
	tr.emit(taskEvent(EventTaskFailed, t, now))
	tr.settle(t, nil, err)
}

// FailAgent ends every task running on a removed agent.
func (tr *Tracker) FailAgent(agentID string) int {
	n := 0
	for _, ex := range tr.runningOn(agentID) {
		tr.finish(ex, nil, fmt.Errorf("%w: %s", task.ErrAgentRemoved, agentID), true)
		n++
	}
	return n
}

// AbortAll fails every running task without retry.
func (tr *Tracker) AbortAll(cause error) {
	for _, ex := range tr.running {
		tr.finish(ex, nil, cause, false)
	}
}

// Overdue marks running tasks that exceeded their expected duration.
func (tr *Tracker) Overdue(now time.Time) []*task.Task {
	var out []*task.Task
	for _, ex := range tr.running {
		t := ex.task
		if t.ExpectedDuration <= 0 || t.SLAViolated || t.StartedAt == nil {
			continue
		}
		if now.Sub(*t.StartedAt) > t.ExpectedDuration {
			t.SLAViolated = true
			out = append(out, t)
		}
	}
	return out
}

// Wait blocks until all executor goroutines return.
func (tr *Tracker) Wait() {
	tr.wg.Wait()
}

func (tr *Tracker) runningOn(agentID string) []*execution {
	var out []*execution
	for _, ex := range tr.running {
		if ex.agentID == agentID {
			out = append(out, ex)
		}
	}
	return out
}
