package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a delay queue ordered by NotBefore, then by enqueue
// order. It is safe for concurrent use.
type InMemoryQueue struct {
	mu      sync.Mutex
	items   taskHeap
	seq     uint64
	changed chan struct{} // closed and replaced on every Enqueue
	now     func() time.Time
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{changed: make(chan struct{}), now: time.Now}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	q.seq++
	heap.Push(&q.items, queued{task: t, seq: q.seq})
	close(q.changed)
	q.changed = make(chan struct{})
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		changed := q.changed
		var wait <-chan time.Time
		var timer *time.Timer
		if len(q.items) > 0 {
			head := q.items[0].task
			now := q.now()
			if head.Due(now) {
				item := heap.Pop(&q.items).(queued)
				q.mu.Unlock()
				item.task.Attempts++
				return &item.task, nil
			}
			timer = time.NewTimer(head.NotBefore.Sub(now))
			wait = timer.C
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-changed:
		case <-wait:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type queued struct {
	task Task
	seq  uint64
}

type taskHeap []queued

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if !h[i].task.NotBefore.Equal(h[j].task.NotBefore) {
		return h[i].task.NotBefore.Before(h[j].task.NotBefore)
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(queued)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
