package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wallestars/orchestration-hub/internal/domain/agent"
	"github.com/wallestars/orchestration-hub/internal/domain/executor"
	"github.com/wallestars/orchestration-hub/internal/domain/task"
)

// Config tunes a Manager. Zero values pick defaults; a zero
// OverloadThreshold or HeartbeatTimeout disables that check.
type Config struct {
	MaxConcurrentTasks int
	OverloadThreshold  float64
	HeartbeatTimeout   time.Duration
	EventBuffer        int
	// RetainCleared makes ClearHistory hold removed tasks until the next
	// Snapshot, so a snapshot consumer sees their final state.
	RetainCleared bool
}

func (c Config) normalized() Config {
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = DefaultConcurrentTasks
	}
	c.MaxConcurrentTasks = ClampConcurrency(c.MaxConcurrentTasks)
	if c.OverloadThreshold < 0 {
		c.OverloadThreshold = 0
	}
	if c.HeartbeatTimeout < 0 {
		c.HeartbeatTimeout = 0
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultSubscriberBuffer
	}
	return c
}

// AgentCounts summarizes the registry.
type AgentCounts struct {
	Total      int            `json:"total"`
	Idle       int            `json:"idle"`
	Busy       int            `json:"busy"`
	Offline    int            `json:"offline"`
	ByPlatform map[string]int `json:"byPlatform"`
}

// TaskCounts summarizes tasks by status.
type TaskCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	Agents             AgentCounts `json:"agents"`
	Tasks              TaskCounts  `json:"tasks"`
	Queue              []task.Task `json:"queue"`
	MaxConcurrentTasks int         `json:"maxConcurrentTasks"`
	DroppedEvents      uint64      `json:"droppedEvents"`
}

// Handle is settled exactly once with a task's final outcome.
type Handle struct {
	taskID string
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newHandle(taskID string) *Handle {
	return &Handle{taskID: taskID, done: make(chan struct{})}
}

// TaskID returns the id of the submitted task.
func (h *Handle) TaskID() string { return h.taskID }

// Done is closed once the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task settles or ctx ends.
func (h *Handle) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) settle(result json.RawMessage, err error) {
	h.result = result
	h.err = err
	close(h.done)
}

// Manager is the orchestration facade. All state lives behind one mutex.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	registry   *Registry
	queue      *Queue
	dispatcher *Dispatcher
	tracker    *Tracker
	tasks      map[string]*task.Task
	handles    map[string]*Handle
	cleared    []*task.Task
	bus        *eventBus
	ctx        context.Context
	cancel     context.CancelFunc
	closed     bool
	clock      func() time.Time
	logger     zerolog.Logger
}

// NewManager wires the registry, queue, dispatcher and tracker around exec.
func NewManager(cfg Config, exec executor.Executor, logger zerolog.Logger) *Manager {
	cfg = cfg.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		registry: NewRegistry(),
		queue:    NewQueue(),
		tasks:    make(map[string]*task.Task),
		handles:  make(map[string]*Handle),
		bus:      newEventBus(),
		ctx:      ctx,
		cancel:   cancel,
		clock:    time.Now,
		logger:   logger.With().Str("service", "orchestrator").Logger(),
	}
	now := func() time.Time { return m.clock().UTC() }
	m.tracker = newTracker(ctx, &m.mu, exec, m.registry, m.queue, m.emit, now, m.logger)
	m.dispatcher = newDispatcher(m.registry, m.queue, m.tracker, cfg.MaxConcurrentTasks, cfg.OverloadThreshold, m.emit, now, m.logger)
	m.tracker.settle = m.settle
	m.tracker.freed = func() { m.dispatcher.Dispatch() }
	return m
}

func (m *Manager) now() time.Time {
	return m.clock().UTC()
}

func (m *Manager) emit(ev Event) {
	m.bus.publish(ev)
}

func (m *Manager) settle(t *task.Task, result json.RawMessage, err error) {
	m.dispatcher.forget(t.ID)
	h, ok := m.handles[t.ID]
	if !ok {
		return
	}
	delete(m.handles, t.ID)
	h.settle(result, err)
}

// Subscribe returns a channel of lifecycle events and a func to stop receiving.
// Events are dropped rather than delivered late when the buffer is full.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = m.cfg.EventBuffer
	}
	return m.bus.subscribe(buffer)
}

// RegisterAgent adds an agent and runs a dispatch pass.
func (m *Manager) RegisterAgent(id string, cfg agent.Config) (agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	a, err := m.registry.Register(id, cfg, now)
	if err != nil {
		return agent.Agent{}, err
	}
	m.logger.Info().
		Str("agent_id", id).
		Str("platform", a.Platform).
		Strs("capabilities", a.Capabilities).
		Msg("agent registered")
	m.emit(agentEvent(EventAgentRegistered, a, now))
	m.dispatcher.Dispatch()
	return a.Clone(), nil
}

// UnregisterAgent removes an agent. Tasks running on it fail with
// task.ErrAgentRemoved, or go back to the queue when they have retries left.
func (m *Manager) UnregisterAgent(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.registry.Unregister(id)
	if !ok {
		return false
	}
	affected := m.tracker.FailAgent(id)
	m.logger.Info().
		Str("agent_id", id).
		Int("running_tasks", affected).
		Msg("agent unregistered")
	m.emit(agentEvent(EventAgentUnregistered, a, m.now()))
	m.dispatcher.Dispatch()
	return true
}

// GetAgentStats returns a copy of the agent.
func (m *Manager) GetAgentStats(id string) (agent.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.registry.Get(id)
	if !ok {
		return agent.Agent{}, false
	}
	return a.Clone(), true
}

// ListAgents returns copies of all agents ordered by id.
func (m *Manager) ListAgents() []agent.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.registry.All()
	out := make([]agent.Agent, 0, len(all))
	for _, a := range all {
		out = append(out, a.Clone())
	}
	return out
}

// Heartbeat records liveness. An offline agent comes back online.
func (m *Manager) Heartbeat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", agent.ErrNotFound, id)
	}
	now := m.now()
	a.LastHeartbeatAt = now
	if a.Status == agent.StatusOffline {
		m.bringOnline(a, now)
	}
	return nil
}

// SetAgentOffline stops new work from reaching the agent. Running tasks
// continue.
func (m *Manager) SetAgentOffline(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", agent.ErrNotFound, id)
	}
	if a.Status != agent.StatusOffline {
		m.takeOffline(a, m.now())
	}
	return nil
}

// SetAgentOnline makes an offline agent eligible again.
func (m *Manager) SetAgentOnline(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", agent.ErrNotFound, id)
	}
	now := m.now()
	a.LastHeartbeatAt = now
	if a.Status == agent.StatusOffline {
		m.bringOnline(a, now)
	}
	return nil
}

// ProcessStaleAgents takes agents offline whose last heartbeat is older than
// the configured timeout. It returns how many changed.
func (m *Manager) ProcessStaleAgents(now time.Time) int {
	if m.cfg.HeartbeatTimeout <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, a := range m.registry.All() {
		if a.Status == agent.StatusOffline {
			continue
		}
		if now.Sub(a.LastHeartbeatAt) > m.cfg.HeartbeatTimeout {
			m.takeOffline(a, now)
			n++
		}
	}
	return n
}

func (m *Manager) takeOffline(a *agent.Agent, now time.Time) {
	a.SetOffline()
	m.logger.Warn().
		Str("agent_id", a.ID).
		Time("last_heartbeat", a.LastHeartbeatAt).
		Msg("agent offline")
	m.emit(agentEvent(EventAgentOffline, a, now))
}

func (m *Manager) bringOnline(a *agent.Agent, now time.Time) {
	a.SetOnline()
	m.logger.Info().Str("agent_id", a.ID).Msg("agent online")
	m.emit(agentEvent(EventAgentOnline, a, now))
	m.dispatcher.Dispatch()
}

// SubmitTask validates and enqueues a task, then runs a dispatch pass.
// Malformed specs fail synchronously with task.ErrInvalidSpec.
func (m *Manager) SubmitTask(spec task.Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	sel, err := CompileSelector(spec.Selector)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, task.ErrClosed
	}
	now := m.now()
	t := task.New(uuid.NewString(), spec, now)
	h := newHandle(t.ID)
	m.tasks[t.ID] = t
	m.handles[t.ID] = h
	m.dispatcher.track(t.ID, sel)
	m.queue.Enqueue(t)

	m.logger.Debug().
		Str("task_id", t.ID).
		Str("type", t.Type).
		Str("platform", t.Platform).
		Int("priority", t.Priority).
		Msg("task queued")
	m.emit(taskEvent(EventTaskQueued, t, now))
	m.dispatcher.Dispatch()
	return h, nil
}

// CancelTask cancels a queued task. Running, terminal and unknown tasks
// return false.
func (m *Manager) CancelTask(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.queue.Cancel(id) {
		return false
	}
	t := m.tasks[id]
	now := m.now()
	if err := t.Cancel(now); err != nil {
		m.logger.Error().Err(err).Str("task_id", id).Msg("failed to cancel task")
		return false
	}
	m.logger.Info().Str("task_id", id).Msg("task cancelled")
	m.emit(taskEvent(EventTaskCancelled, t, now))
	m.settle(t, nil, task.ErrCancelled)
	return true
}

// GetTask returns a copy of a task still held in history.
func (m *Manager) GetTask(id string) (task.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return task.Task{}, false
	}
	return t.Clone(), true
}

// ListTasks returns tasks ordered by creation time, optionally filtered by status.
func (m *Manager) ListTasks(status *task.Status) []task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if status != nil && t.Status != *status {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetStatus returns aggregate counts and the ordered queue.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Agents: AgentCounts{
			Total:      m.registry.Len(),
			ByPlatform: m.registry.CountByPlatform(),
		},
		Queue:              m.queue.Snapshot(),
		MaxConcurrentTasks: m.dispatcher.MaxConcurrentTasks(),
		DroppedEvents:      m.bus.dropped.Load(),
	}
	for _, a := range m.registry.All() {
		switch a.Status {
		case agent.StatusIdle:
			st.Agents.Idle++
		case agent.StatusBusy:
			st.Agents.Busy++
		case agent.StatusOffline:
			st.Agents.Offline++
		}
	}
	for _, t := range m.tasks {
		switch t.Status {
		case task.StatusQueued:
			st.Tasks.Queued++
		case task.StatusRunning:
			st.Tasks.Running++
		case task.StatusCompleted:
			st.Tasks.Completed++
		case task.StatusFailed:
			st.Tasks.Failed++
		case task.StatusCancelled:
			st.Tasks.Cancelled++
		}
	}
	return st
}

// SetMaxConcurrentTasks clamps n, applies it, and returns the effective value.
// Raising the ceiling dispatches immediately; lowering it never stops running
// tasks.
func (m *Manager) SetMaxConcurrentTasks(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	effective := m.dispatcher.SetMaxConcurrentTasks(n)
	if effective != n {
		m.logger.Warn().Int("requested", n).Int("effective", effective).Msg("max concurrent tasks clamped")
	}
	m.dispatcher.Dispatch()
	return effective
}

// MaxConcurrentTasks returns the current global ceiling.
func (m *Manager) MaxConcurrentTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispatcher.MaxConcurrentTasks()
}

// ClearHistory zeroes agent counters and forgets terminal tasks.
func (m *Manager) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.registry.All() {
		a.ResetCounters()
	}
	removed := 0
	for id, t := range m.tasks {
		if t.IsTerminal() {
			delete(m.tasks, id)
			if m.cfg.RetainCleared {
				m.cleared = append(m.cleared, t)
			}
			removed++
		}
	}
	m.logger.Info().Int("tasks_removed", removed).Msg("history cleared")
}

// ProcessSLA emits task:sla-violation once for each running task that has
// exceeded its expected duration. It returns the number of new violations.
func (m *Manager) ProcessSLA(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	overdue := m.tracker.Overdue(now)
	for _, t := range overdue {
		m.logger.Warn().
			Str("task_id", t.ID).
			Str("agent_id", t.AgentID).
			Dur("expected", t.ExpectedDuration).
			Msg("task exceeded expected duration")
		m.emit(taskEvent(EventTaskSLAViolation, t, now))
	}
	return len(overdue)
}

// Snapshot copies every agent and every task currently held. Tasks removed
// by ClearHistory since the previous call are included once when
// RetainCleared is set.
func (m *Manager) Snapshot() ([]agent.Agent, []task.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.registry.All()
	agents := make([]agent.Agent, 0, len(all))
	for _, a := range all {
		agents = append(agents, a.Clone())
	}
	tasks := make([]task.Task, 0, len(m.tasks)+len(m.cleared))
	for _, t := range m.tasks {
		tasks = append(tasks, t.Clone())
	}
	for _, t := range m.cleared {
		tasks = append(tasks, t.Clone())
	}
	m.cleared = nil
	return agents, tasks
}

// Close fails queued and running tasks with task.ErrClosed, cancels the
// executor context and waits for executor goroutines until ctx ends.
// Subscriber channels are closed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.tracker.AbortAll(task.ErrClosed)
	now := m.now()
	for {
		t := m.queue.DequeueNext(nil)
		if t == nil {
			break
		}
		if err := t.Fail(task.ErrClosed, now); err == nil {
			m.emit(taskEvent(EventTaskFailed, t, now))
		}
		m.settle(t, nil, task.ErrClosed)
	}
	m.mu.Unlock()

	m.cancel()
	done := make(chan struct{})
	go func() {
		m.tracker.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.bus.closeAll()
	m.logger.Info().Msg("orchestrator closed")
	return err
}
