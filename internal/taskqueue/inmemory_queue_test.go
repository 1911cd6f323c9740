package taskqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueue(t *testing.T) {
	testQueue(t, NewInMemoryQueue())
}

func TestInMemoryQueue_EarlierEnqueueWakesWaiter(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{ID: "far", NotBefore: time.Now().Add(time.Hour)}))

	got := make(chan *Task, 1)
	go func() {
		task, err := q.Dequeue(ctx)
		if err == nil {
			got <- task
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, Task{ID: "now"}))

	select {
	case task := <-got:
		assert.Equal(t, "now", task.ID)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by an earlier task")
	}
	assert.Equal(t, 1, q.Len())
}

func TestInMemoryQueue_FIFOForEqualDeadlines(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()
	at := time.Now().Add(-time.Second)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, Task{ID: id, NotBefore: at}))
	}
	for _, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, mustDequeue(t, q).ID)
	}
}

func TestInMemoryQueue_ConcurrentWorkersGetDistinctTasks(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()
	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(ctx, Task{ID: string(rune('A' + i))}))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
				task, err := q.Dequeue(cctx)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equalf(t, 1, c, "task %s delivered %d times", id, c)
	}
}

func TestInMemoryQueue_EnqueueHonoursContext(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.Enqueue(ctx, Task{ID: "x"}), context.Canceled)
	assert.Equal(t, 0, q.Len())
}
