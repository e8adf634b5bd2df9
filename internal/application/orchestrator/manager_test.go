package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallestars/orchestration-hub/internal/domain/agent"
	"github.com/wallestars/orchestration-hub/internal/domain/executor"
	"github.com/wallestars/orchestration-hub/internal/domain/task"
)

const waitTimeout = 2 * time.Second

func newTestManager(t *testing.T, cfg Config, exec executor.Executor) *Manager {
	t.Helper()
	m := NewManager(cfg, exec, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

// gate blocks every execution until released.
type gate struct {
	started chan string
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func newGate() *gate {
	return &gate{started: make(chan string, 16), release: make(chan struct{})}
}

func (g *gate) executor() executor.Func {
	return func(ctx context.Context, t task.Task, _ agent.Agent) (json.RawMessage, error) {
		n := g.active.Add(1)
		defer g.active.Add(-1)
		for {
			p := g.peak.Load()
			if n <= p || g.peak.CompareAndSwap(p, n) {
				break
			}
		}
		g.started <- t.ID
		select {
		case <-g.release:
			return json.RawMessage(`"ok"`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *gate) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-g.started:
		return id
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for execution to start")
		return ""
	}
}

func waitHandle(t *testing.T, h *Handle) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "handle was never settled")
	return res, err
}

func waitEvent(t *testing.T, events <-chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event channel closed")
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return Event{}
		}
	}
}

func priority(p int) *int { return &p }

func TestManager_PriorityOrdering(t *testing.T) {
	m := newTestManager(t, Config{}, newGate().executor())

	for _, p := range []int{1, 10, 5} {
		_, err := m.SubmitTask(task.Spec{Type: "t", Priority: priority(p)})
		require.NoError(t, err)
	}

	var got []int
	for _, q := range m.GetStatus().Queue {
		got = append(got, q.Priority)
	}
	assert.Equal(t, []int{10, 5, 1}, got)
}

func TestManager_DefaultPriority(t *testing.T) {
	m := newTestManager(t, Config{}, newGate().executor())

	h, err := m.SubmitTask(task.Spec{Type: "t"})
	require.NoError(t, err)
	got, ok := m.GetTask(h.TaskID())
	require.True(t, ok)
	assert.Equal(t, task.DefaultPriority, got.Priority)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Empty(t, got.AgentID)
}

func TestManager_ConcurrencyCeiling(t *testing.T) {
	g := newGate()
	m := newTestManager(t, Config{MaxConcurrentTasks: 2}, g.executor())

	_, err := m.RegisterAgent("agent-1", agent.Config{Platform: "linux", Capabilities: []string{"work"}})
	require.NoError(t, err)

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := m.SubmitTask(task.Spec{Type: "work", Platform: "linux"})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	g.waitStarted(t)
	g.waitStarted(t)

	st := m.GetStatus()
	assert.Equal(t, 2, st.Tasks.Running)
	assert.Equal(t, 1, st.Tasks.Queued)
	stats, _ := m.GetAgentStats("agent-1")
	assert.Equal(t, 2, stats.CurrentTaskCount)

	close(g.release)
	for _, h := range handles {
		_, err := waitHandle(t, h)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, g.peak.Load(), int32(2))
	assert.Equal(t, 3, m.GetStatus().Tasks.Completed)
}

func TestManager_SetMaxConcurrentTasksClamps(t *testing.T) {
	m := newTestManager(t, Config{}, newGate().executor())
	assert.Equal(t, DefaultConcurrentTasks, m.MaxConcurrentTasks())

	tests := []struct {
		in, want int
	}{
		{0, 1},
		{-3, 1},
		{100, 20},
		{20, 20},
		{7, 7},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.SetMaxConcurrentTasks(tt.in), "input %d", tt.in)
		assert.Equal(t, tt.want, m.GetStatus().MaxConcurrentTasks)
	}
}

func TestManager_RaisingCeilingDispatches(t *testing.T) {
	g := newGate()
	m := newTestManager(t, Config{MaxConcurrentTasks: 1}, g.executor())
	_, err := m.RegisterAgent("a", agent.Config{})
	require.NoError(t, err)

	_, err = m.SubmitTask(task.Spec{})
	require.NoError(t, err)
	_, err = m.SubmitTask(task.Spec{})
	require.NoError(t, err)
	g.waitStarted(t)
	assert.Equal(t, 1, m.GetStatus().Tasks.Queued)

	m.SetMaxConcurrentTasks(2)
	g.waitStarted(t)
	assert.Equal(t, 0, m.GetStatus().Tasks.Queued)
	close(g.release)
}

func TestManager_PlatformIsolation(t *testing.T) {
	g := newGate()
	m := newTestManager(t, Config{}, g.executor())
	_, err := m.RegisterAgent("linux-1", agent.Config{Platform: "linux", Capabilities: []string{"signup"}})
	require.NoError(t, err)

	android, err := m.SubmitTask(task.Spec{Type: "signup", Platform: "android", Priority: priority(10)})
	require.NoError(t, err)
	linux, err := m.SubmitTask(task.Spec{Type: "signup", Platform: "linux", Priority: priority(1)})
	require.NoError(t, err)

	assert.Equal(t, linux.TaskID(), g.waitStarted(t), "an undispatchable head must not block later tasks")

	got, ok := m.GetTask(android.TaskID())
	require.True(t, ok)
	assert.Equal(t, task.StatusQueued, got.Status)
	close(g.release)
}

func TestManager_AgentRegisteredEvent(t *testing.T) {
	m := newTestManager(t, Config{}, newGate().executor())
	events, unsubscribe := m.Subscribe(8)
	defer unsubscribe()

	_, err := m.RegisterAgent("agent-1", agent.Config{Platform: "linux"})
	require.NoError(t, err)

	ev := waitEvent(t, events, EventAgentRegistered)
	require.NotNil(t, ev.Agent)
	assert.Equal(t, "agent-1", ev.Agent.ID)
	assert.Equal(t, "linux", ev.Agent.Platform)
}

func TestManager_DuplicateAgentRejected(t *testing.T) {
	m := newTestManager(t, Config{}, newGate().executor())
	_, err := m.RegisterAgent("agent-1", agent.Config{Platform: "linux"})
	require.NoError(t, err)

	_, err = m.RegisterAgent("agent-1", agent.Config{Platform: "web"})
	assert.ErrorIs(t, err, agent.ErrAlreadyRegistered)

	got, ok := m.GetAgentStats("agent-1")
	require.True(t, ok)
	assert.Equal(t, "linux", got.Platform)
}

func TestManager_GetAgentStatsReturnsCopy(t *testing.T) {
	m := newTestManager(t, Config{}, newGate().executor())
	_, err := m.RegisterAgent("a", agent.Config{Capabilities: []string{"x"}})
	require.NoError(t, err)

	got, ok := m.GetAgentStats("a")
	require.True(t, ok)
	got.TasksCompleted = 99
	got.Capabilities[0] = "mutated"

	again, _ := m.GetAgentStats("a")
	assert.Equal(t, 0, again.TasksCompleted)
	assert.Equal(t, []string{"x"}, again.Capabilities)

	_, ok = m.GetAgentStats("missing")
	assert.False(t, ok)
}

func TestManager_CancelQueuedTask(t *testing.T) {
	m := newTestManager(t, Config{}, newGate().executor())
	events, unsubscribe := m.Subscribe(8)
	defer unsubscribe()

	h, err := m.SubmitTask(task.Spec{Type: "t"})
	require.NoError(t, err)

	assert.True(t, m.CancelTask(h.TaskID()))
	assert.Empty(t, m.GetStatus().Queue)
	assert.False(t, m.CancelTask(h.TaskID()))
	assert.False(t, m.CancelTask("unknown"))

	_, err = waitHandle(t, h)
	assert.ErrorIs(t, err, task.ErrCancelled)
	ev := waitEvent(t, events, EventTaskCancelled)
	assert.Equal(t, h.TaskID(), ev.Task.ID)

	got, _ := m.GetTask(h.TaskID())
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.Empty(t, got.AgentID)
	assert.Equal(t, 1, m.GetStatus().Tasks.Cancelled)
}

func TestManager_CancelRunningTaskUnsupported(t *testing.T) {
	g := newGate()
	m := newTestManager(t, Config{}, g.executor())
	_, err := m.RegisterAgent("a", agent.Config{})
	require.NoError(t, err)

	h, err := m.SubmitTask(task.Spec{})
	require.NoError(t, err)
	g.waitStarted(t)

	assert.False(t, m.CancelTask(h.TaskID()))
	close(g.release)
	_, err = waitHandle(t, h)
	require.NoError(t, err)
}

func TestManager_TimeoutIsFirstOutcome(t *testing.T) {
	inbox := executor.NewInbox(1)
	m := newTestManager(t, Config{}, inbox)
	_, err := m.RegisterAgent("a", agent.Config{})
	require.NoError(t, err)

	h, err := m.SubmitTask(task.Spec{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	select {
	case <-inbox.Assignments():
	case <-time.After(waitTimeout):
		t.Fatal("assignment never published")
	}

	_, err = waitHandle(t, h)
	require.ErrorIs(t, err, task.ErrTimeout)

	// The executor answers late; the terminal state must not change.
	require.NoError(t, inbox.Resolve(h.TaskID(), json.RawMessage(`{"late":true}`)))
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	got, ok := m.GetTask(h.TaskID())
	require.True(t, ok)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "timed out")
	assert.Empty(t, got.Result)

	stats, _ := m.GetAgentStats("a")
	assert.Equal(t, 0, stats.TasksCompleted)
	assert.Equal(t, 1, stats.TasksFailed)
	assert.Equal(t, 0, stats.CurrentTaskCount)
}

func TestManager_CounterReconciliation(t *testing.T) {
	g := newGate()
	m := newTestManager(t, Config{}, g.executor())
	_, err := m.RegisterAgent("a", agent.Config{Platform: "linux"})
	require.NoError(t, err)

	h, err := m.SubmitTask(task.Spec{Platform: "linux"})
	require.NoError(t, err)
	g.waitStarted(t)

	before, _ := m.GetAgentStats("a")
	assert.Equal(t, 1, before.CurrentTaskCount)
	assert.Equal(t, agent.StatusBusy, before.Status)

	close(g.release)
	_, err = waitHandle(t, h)
	require.NoError(t, err)

	after, _ := m.GetAgentStats("a")
	assert.Equal(t, before.CurrentTaskCount-1, after.CurrentTaskCount)
	assert.Equal(t, before.TasksCompleted+1, after.TasksCompleted)
	assert.Equal(t, agent.StatusIdle, after.Status)

	require.NoError(t, m.SetAgentOffline("a"))
	m.ClearHistory()

	cleared, _ := m.GetAgentStats("a")
	assert.Equal(t, 0, cleared.TasksCompleted)
	assert.Equal(t, 0, cleared.TasksFailed)
	assert.Equal(t, agent.StatusOffline, cleared.Status)
	_, ok := m.GetTask(h.TaskID())
	assert.False(t, ok, "terminal tasks are dropped from history")
}

func TestManager_ClearHistoryKeepsLiveTasks(t *testing.T) {
	g := newGate()
	m := newTestManager(t, Config{MaxConcurrentTasks: 1}, g.executor())
	_, err := m.RegisterAgent("a", agent.Config{})
	require.NoError(t, err)

	running, err := m.SubmitTask(task.Spec{})
	require.NoError(t, err)
	queued, err := m.SubmitTask(task.Spec{})
	require.NoError(t, err)
	g.waitStarted(t)

	m.ClearHistory()

	st := m.GetStatus()
	assert.Equal(t, 1, st.Tasks.Running)
	assert.Equal(t, 1, st.Tasks.Queued)
	_, ok := m.GetTask(running.TaskID())
	assert.True(t, ok)
	_, ok = m.GetTask(queued.TaskID())
	assert.True(t, ok)
	close(g.release)
}

func TestManager_SnapshotIncludesClearedTasksOnce(t *testing.T) {
	m := newTestManager(t, Config{RetainCleared: true}, executor.Func(func(context.Context, task.Task, agent.Agent) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	}))
	_, err := m.RegisterAgent("a", agent.Config{})
	require.NoError(t, err)
	h, err := m.SubmitTask(task.Spec{})
	require.NoError(t, err)
	_, err = waitHandle(t, h)
	require.NoError(t, err)

	m.ClearHistory()
	_, ok := m.GetTask(h.TaskID())
	require.False(t, ok)

	_, tasks := m.Snapshot()
	require.Len(t, tasks, 1)
	assert.Equal(t, h.TaskID(), tasks[0].ID)
	assert.Equal(t, task.StatusCompleted, tasks[0].Status)

	_, tasks = m.Snapshot()
	assert.Empty(t, tasks)
}

func TestManager_ClearHistoryWithoutRetention(t *testing.T) {
	m := newTestManager(t, Config{}, executor.Func(func(context.Context, task.Task, agent.Agent) (json.RawMessage, error) {
		return nil, nil
	}))
	_, err := m.RegisterAgent("a", agent.Config{})
	require.NoError(t, err)
	h, err := m.SubmitTask(task.Spec{})
	require.NoError(t, err)
	_, err = waitHandle(t, h)
	require.NoError(t, err)

	m.ClearHistory()
	_, tasks := m.Snapshot()
	assert.Empty(t, tasks)
}

func TestManager_FullSubscriberDropsEvents(t *testing.T) {
	g := newGate()
	m := newTestManager(t, Config{}, g.executor())
	stalled, unsubscribe := m.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_, err := m.RegisterAgent(fmt.Sprintf("agent-%d", i), agent.Config{})
			assert.NoError(t, err)
			_, err = m.SubmitTask(task.Spec{})
			assert.NoError(t, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("emitting to a full subscriber blocked the caller")
	}

	assert.Len(t, stalled, 1)
	assert.Positive(t, m.GetStatus().DroppedEvents)
	close(g.release)
}

func TestManager_UnstartableTaskSettles(t *testing.T) {
	g := newGate()
	m := newTestManager(t, Config{}, g.executor())

	m.mu.Lock()
	bad := task.New("bad", task.Spec{}, m.now())
	bad.Status = task.StatusRunning
	h := newHandle(bad.ID)
	m.tasks[bad.ID] = bad
	m.handles[bad.ID] = h
	m.queue.Enqueue(bad)
	m.mu.Unlock()

	_, err := m.RegisterAgent("a", agent.Config{})
	require.NoError(t, err)

	_, err = waitHandle(t, h)
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
	got, _ := m.GetTask(bad.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
	stats, _ := m.GetAgentStats("a")
	assert.Zero(t, stats.CurrentTaskCount)
	assert.Zero(t, m.GetStatus().Tasks.Queued)
	close(g.release)
}

func TestManager_EndToEnd(t *testing.T) {
	inbox := executor.NewInbox(4)
	m := newTestManager(t, Config{}, inbox)

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			select {
			case a := <-inbox.Assignments():
				_ = inbox.Resolve(a.Task.ID, json.RawMessage(`{"success":true,"result":"done"}`))
			case <-inbox.Done():
				return
			}
		}
	}()
	defer func() {
		inbox.Close()
		<-consumerDone
	}()

	_, err := m.RegisterAgent("agent-1", agent.Config{Platform: "linux", Capabilities: []string{"test-task"}})
	require.NoError(t, err)

	h, err := m.SubmitTask(task.Spec{Type: "test-task", Platform: "linux"})
	require.NoError(t, err)

	res, err := waitHandle(t, h)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"result":"done"}`, string(res))

	stats, ok := m.GetAgentStats("agent-1")
	require.True(t, ok)
	assert.Equal(t, 1, stats.TasksCompleted)

	got, _ := m.GetTask(h.TaskID())
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "agent-1", got.AgentID)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
}

func TestManager_ExecutionFailure(t *testing.T) {
	boom := errors.New("boom")
	m := newTestManager(t, Config{}, executor.Func(func(context.Context, task.Task, agent.Agent) (json.RawMessage, error) {
		return nil, boom
	}))
	events, unsubscribe := m.Subscribe(16)
	defer unsubscribe()
	_, err := m.RegisterAgent("a", agent.Config{})
	require.NoError(t, err)

	h, err := m.SubmitTask(task.Spec{})
	require.NoError(t, err)

	_, err = waitHandle(t, h)
	require.ErrorIs(t, err, boom)
	var execErr *task.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "a", execErr.AgentID)

	ev := waitEvent(t, events, EventTaskFailed)
	assert.Equal(t, h.TaskID(), ev.Task.ID)
	assert.NotEmpty(t, ev.Error)

	stats, _ := m.GetAgentStats("a")
	assert.Equal(t, 1, stats.TasksFailed)
	assert.Equal(t, 0, stats.CurrentTaskCount)

	// One failure must not stop later tasks.
	_, err = m.SubmitTask(task.Spec{})
	require.NoError(t, err)
	waitEvent(t, events, EventTaskFailed)
}

func TestManager_UnregisterFailsRunningTasks(t *testing.T) {
	g := newGate()
	m := newTestManager(t, Config{}, g.executor())
	events, unsubscribe := m.Subscribe(16)
	defer unsubscribe()
	_, err := m.RegisterAgent("a", agent.Config{})
	require.NoError(t, err)

	h, err := m.SubmitTask(task.Spec{})
	require.NoError(t, err)
	g.waitStarted(t)

	assert.True(t, m.UnregisterAgent("a"))
	assert.False(t, m.UnregisterAgent("a"))

	_, err = waitHandle(t, h)
	assert.ErrorIs(t, err, task.ErrAgentRemoved)
	waitEvent(t, events, EventAgentUnregistered)

	got, _ := m.GetTask(h.TaskID())
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "a", got.AgentID)
	assert.Equal(t, 0, m.GetStatus().Tasks.Running)

	// The late success from the executor is ignored.
	close(g.release)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.Close(ctx))
	got, _ = m.GetTask(h.TaskID())
	assert.Equal(t, task.StatusFailed, got.Status)
}

func TestManager_RunningCountMatchesAgentLoad(t *testing.T) {
	g := newGate()
	m := newTestManager(t, Config{MaxConcurrentTasks: 10}, g.executor())
	for _, id := range []string{"a", "b", "c"} {
		_, err := m.RegisterAgent(id, agent.Config{MaxConcurrentTasks: 2})
		require.NoError(t, err)
	}
	for i := 0; i < 8; i++ {
		_, err := m.SubmitTask(task.Spec{})
		require.NoError(t, err)
	}
	for i := 0; i < 6; i++ {
		g.waitStarted(t)
	}

	st := m.GetStatus()
	sum := 0
	for _, a := range m.ListAgents() {
		assert.LessOrEqual(t, a.CurrentTaskCount, a.MaxConcurrentTasks)
		sum += a.CurrentTaskCount
	}
	assert.Equal(t, st.Tasks.Running, sum)
	assert.Equal(t, 6, st.Tasks.Running)
	assert.Equal(t, 2, st.Tasks.Queued)
	assert.Equal(t, 3, st.Agents.Busy)
	close(g.release)
}

func TestManager_GetStatus(t *testing.T) {
	m := newTestManager(t, Config{}, newGate().executor())
	_, _ = m.RegisterAgent("l1", agent.Config{Platform: "linux"})
	_, _ = m.RegisterAgent("l2", agent.Config{Platform: "linux"})
	_, _ = m.RegisterAgent("w1", agent.Config{Platform: "web"})
	require.NoError(t, m.SetAgentOffline("w1"))

	st := m.GetStatus()
	assert.Equal(t, 3, st.Agents.Total)
	assert.Equal(t, 2, st.Agents.Idle)
	assert.Equal(t, 1, st.Agents.Offline)
	assert.Equal(t, map[string]int{"linux": 2, "web": 1}, st.Agents.ByPlatform)
}

func TestManager_SubmitRejectsInvalidSpec(t *testing.T) {
	m := newTestManager(t, Config{}, newGate().executor())

	tests := []struct {
		name string
		spec task.Spec
	}{
		{"negative timeout", task.Spec{Timeout: -time.Second}},
		{"negative retries", task.Spec{MaxRetries: -1}},
		{"bad data", task.Spec{Data: json.RawMessage(`{`)}},
		{"bad selector", task.Spec{Selector: "region =="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.SubmitTask(tt.spec)
			assert.ErrorIs(t, err, task.ErrInvalidSpec)
		})
	}
	assert.Empty(t, m.ListTasks(nil))
}

func TestManager_Close(t *testing.T) {
	g := newGate()
	m := NewManager(Config{MaxConcurrentTasks: 1}, g.executor(), zerolog.Nop())
	events, _ := m.Subscribe(16)
	_, err := m.RegisterAgent("a", agent.Config{})
	require.NoError(t, err)

	running, err := m.SubmitTask(task.Spec{})
	require.NoError(t, err)
	queued, err := m.SubmitTask(task.Spec{})
	require.NoError(t, err)
	g.waitStarted(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	for _, h := range []*Handle{running, queued} {
		_, err := waitHandle(t, h)
		assert.ErrorIs(t, err, task.ErrClosed)
	}
	_, err = m.SubmitTask(task.Spec{})
	assert.ErrorIs(t, err, task.ErrClosed)

	for range events {
	}
	require.NoError(t, m.Close(ctx))
}
