package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallestars/orchestration-hub/internal/domain/task"
)

func newQueuedTask(id string, priority int) *task.Task {
	p := priority
	return task.New(id, task.Spec{Type: "t", Priority: &p}, time.Now())
}

func queueIDs(q *Queue) []string {
	var ids []string
	for _, t := range q.Snapshot() {
		ids = append(ids, t.ID)
	}
	return ids
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := NewQueue()
	q.Enqueue(newQueuedTask("low", 1))
	q.Enqueue(newQueuedTask("high", 10))
	q.Enqueue(newQueuedTask("mid", 5))

	var priorities []int
	for _, t := range q.Snapshot() {
		priorities = append(priorities, t.Priority)
	}
	assert.Equal(t, []int{10, 5, 1}, priorities)
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := NewQueue()
	for _, id := range []string{"a", "b", "c", "d"} {
		q.Enqueue(newQueuedTask(id, 5))
	}
	q.Enqueue(newQueuedTask("urgent", 9))

	assert.Equal(t, []string{"urgent", "a", "b", "c", "d"}, queueIDs(q))
}

func TestQueue_DequeueNext(t *testing.T) {
	q := NewQueue()
	q.Enqueue(newQueuedTask("a", 9))
	q.Enqueue(newQueuedTask("b", 5))
	q.Enqueue(newQueuedTask("c", 5))

	got := q.DequeueNext(func(t *task.Task) bool { return t.ID != "a" })
	require.NotNil(t, got)
	assert.Equal(t, "b", got.ID)
	assert.Equal(t, []string{"a", "c"}, queueIDs(q))

	assert.Nil(t, q.DequeueNext(func(*task.Task) bool { return false }))

	head := q.DequeueNext(nil)
	require.NotNil(t, head)
	assert.Equal(t, "a", head.ID)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_Cancel(t *testing.T) {
	q := NewQueue()
	q.Enqueue(newQueuedTask("a", 5))

	assert.True(t, q.Cancel("a"))
	assert.Empty(t, q.Snapshot())
	assert.False(t, q.Cancel("a"))
	assert.False(t, q.Cancel("missing"))
}

func TestQueue_RequeueGoesBehindPeers(t *testing.T) {
	q := NewQueue()
	first := newQueuedTask("first", 5)
	q.Enqueue(first)
	q.Enqueue(newQueuedTask("second", 5))

	got := q.DequeueNext(nil)
	require.Equal(t, "first", got.ID)
	q.Enqueue(first)

	assert.Equal(t, []string{"second", "first"}, queueIDs(q))
}

func TestQueue_SnapshotIsCopy(t *testing.T) {
	q := NewQueue()
	q.Enqueue(newQueuedTask("a", 5))

	snap := q.Snapshot()
	snap[0].Priority = 100

	assert.Equal(t, 5, q.Snapshot()[0].Priority)
}
