package orchestrator

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/wallestars/orchestration-hub/internal/domain/agent"
	"github.com/wallestars/orchestration-hub/internal/domain/task"
)

const (
	MinConcurrentTasks     = 1
	MaxConcurrentTasks     = 20
	DefaultConcurrentTasks = 5
)

// ClampConcurrency bounds n to [MinConcurrentTasks, MaxConcurrentTasks].
func ClampConcurrency(n int) int {
	if n < MinConcurrentTasks {
		return MinConcurrentTasks
	}
	if n > MaxConcurrentTasks {
		return MaxConcurrentTasks
	}
	return n
}

// Dispatcher matches queued tasks to available agents under the global
// concurrency ceiling. Callers hold the Manager lock.
type Dispatcher struct {
	registry          *Registry
	queue             *Queue
	tracker           *Tracker
	selectors         map[string]*Selector
	maxConcurrent     int
	overloadThreshold float64
	emit              func(Event)
	now               func() time.Time
	logger            zerolog.Logger
}

func newDispatcher(registry *Registry, queue *Queue, tracker *Tracker, maxConcurrent int, overloadThreshold float64, emit func(Event), now func() time.Time, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:          registry,
		queue:             queue,
		tracker:           tracker,
		selectors:         make(map[string]*Selector),
		maxConcurrent:     ClampConcurrency(maxConcurrent),
		overloadThreshold: overloadThreshold,
		emit:              emit,
		now:               now,
		logger:            logger,
	}
}

// SetMaxConcurrentTasks clamps and stores the ceiling, returning the effective value.
func (d *Dispatcher) SetMaxConcurrentTasks(n int) int {
	d.maxConcurrent = ClampConcurrency(n)
	return d.maxConcurrent
}

// MaxConcurrentTasks returns the effective ceiling.
func (d *Dispatcher) MaxConcurrentTasks() int {
	return d.maxConcurrent
}

// Dispatch starts as many (task, agent) pairs as capacity allows and returns
// how many were started. A task with no eligible agent never blocks tasks
// behind it.
func (d *Dispatcher) Dispatch() int {
	started := 0
	for d.tracker.Running() < d.maxConcurrent {
		var chosen *agent.Agent
		t := d.queue.DequeueNext(func(t *task.Task) bool {
			chosen = d.registry.FindAvailable(t.Platform, t.Type, d.selectors[t.ID])
			return chosen != nil
		})
		if t == nil {
			break
		}
		if err := d.assign(t, chosen); err != nil {
			d.logger.Error().Err(err).
				Str("task_id", t.ID).
				Str("agent_id", chosen.ID).
				Msg("failed to assign task")
			d.reject(t, err)
			continue
		}
		started++
	}
	return started
}

func (d *Dispatcher) assign(t *task.Task, a *agent.Agent) error {
	now := d.now()
	if err := t.Start(a.ID, now); err != nil {
		return err
	}
	a.Assign()
	d.logger.Debug().
		Str("task_id", t.ID).
		Str("agent_id", a.ID).
		Int("priority", t.Priority).
		Int("attempt", t.Attempts).
		Msg("task dispatched")
	d.emit(taskEvent(EventTaskStarted, t, now))
	if d.overloadThreshold > 0 && a.MaxConcurrentTasks > 0 && a.LoadRatio() >= d.overloadThreshold {
		d.emit(agentEvent(EventAgentOverload, a, now))
	}
	d.tracker.Start(t, a)
	return nil
}

// reject ends a task that left the queue but could not start, so its
// handle still settles.
func (d *Dispatcher) reject(t *task.Task, cause error) {
	now := d.now()
	if err := t.Fail(cause, now); err == nil {
		d.emit(taskEvent(EventTaskFailed, t, now))
	}
	if d.tracker.settle != nil {
		d.tracker.settle(t, nil, cause)
	}
}

func (d *Dispatcher) track(taskID string, sel *Selector) {
	if sel != nil {
		d.selectors[taskID] = sel
	}
}

func (d *Dispatcher) forget(taskID string) {
	delete(d.selectors, taskID)
}
