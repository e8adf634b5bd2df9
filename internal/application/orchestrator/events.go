package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wallestars/orchestration-hub/internal/domain/agent"
	"github.com/wallestars/orchestration-hub/internal/domain/task"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventAgentRegistered   EventType = "agent:registered"
	EventAgentUnregistered EventType = "agent:unregistered"
	EventAgentOffline      EventType = "agent:offline"
	EventAgentOnline       EventType = "agent:online"
	EventAgentOverload     EventType = "agent:overload"
	EventTaskQueued        EventType = "task:queued"
	EventTaskStarted       EventType = "task:started"
	EventTaskCompleted     EventType = "task:completed"
	EventTaskFailed        EventType = "task:failed"
	EventTaskCancelled     EventType = "task:cancelled"
	EventTaskRetrying      EventType = "task:retrying"
	EventTaskSLAViolation  EventType = "task:sla-violation"
)

const defaultSubscriberBuffer = 64

// Event is a lifecycle notification. Agent and Task are snapshots.
type Event struct {
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Agent     *agent.Agent `json:"agent,omitempty"`
	Task      *task.Task   `json:"task,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// eventBus fans events out to subscribers without ever blocking the publisher.
type eventBus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan Event
	dropped atomic.Uint64
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *eventBus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

func agentEvent(typ EventType, a *agent.Agent, now time.Time) Event {
	snap := a.Clone()
	return Event{Type: typ, Timestamp: now, Agent: &snap}
}

func taskEvent(typ EventType, t *task.Task, now time.Time) Event {
	snap := t.Clone()
	return Event{Type: typ, Timestamp: now, Task: &snap, Error: t.Error}
}
