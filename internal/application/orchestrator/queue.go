package orchestrator

import (
	"github.com/google/btree"

	"github.com/wallestars/orchestration-hub/internal/domain/task"
)

const queueDegree = 16

type queueItem struct {
	seq  uint64
	task *task.Task
}

func queueLess(a, b *queueItem) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	return a.seq < b.seq
}

// Queue holds pending tasks ordered by priority, FIFO within a priority.
// It is not safe for concurrent use; Manager serializes access.
type Queue struct {
	tree  *btree.BTreeG[*queueItem]
	byID  map[string]*queueItem
	nextS uint64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		tree: btree.NewG[*queueItem](queueDegree, queueLess),
		byID: make(map[string]*queueItem),
	}
}

// Enqueue inserts a task. Re-enqueued tasks go behind their priority peers.
func (q *Queue) Enqueue(t *task.Task) {
	if old, ok := q.byID[t.ID]; ok {
		q.tree.Delete(old)
	}
	item := &queueItem{seq: q.nextS, task: t}
	q.nextS++
	q.byID[t.ID] = item
	q.tree.ReplaceOrInsert(item)
}

// DequeueNext removes and returns the first task in priority order for which
// pred returns true. A nil pred matches the head.
func (q *Queue) DequeueNext(pred func(*task.Task) bool) *task.Task {
	var found *queueItem
	q.tree.Ascend(func(item *queueItem) bool {
		if pred == nil || pred(item.task) {
			found = item
			return false
		}
		return true
	})
	if found == nil {
		return nil
	}
	q.remove(found)
	return found.task
}

// Cancel removes a queued task. It returns false when the id is not queued.
func (q *Queue) Cancel(id string) bool {
	item, ok := q.byID[id]
	if !ok || item.task.Status != task.StatusQueued {
		return false
	}
	q.remove(item)
	return true
}

// Snapshot returns queued tasks in dispatch order as copies.
func (q *Queue) Snapshot() []task.Task {
	out := make([]task.Task, 0, q.tree.Len())
	q.tree.Ascend(func(item *queueItem) bool {
		out = append(out, item.task.Clone())
		return true
	})
	return out
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	return q.tree.Len()
}

func (q *Queue) remove(item *queueItem) {
	q.tree.Delete(item)
	delete(q.byID, item.task.ID)
}
