package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testQueue runs the behaviour every Queue implementation shares.
func testQueue(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	t.Run("due order", func(t *testing.T) {
		now := time.Now()
		require.NoError(t, q.Enqueue(ctx, Task{ID: "late", Type: TaskTypeResumeStep, InstanceID: "i-2", Token: "tok-2", NotBefore: now.Add(-time.Millisecond)}))
		require.NoError(t, q.Enqueue(ctx, Task{ID: "early", Type: TaskTypeResumeStep, InstanceID: "i-1", Token: "tok-1", NotBefore: now.Add(-time.Second)}))
		assert.Equal(t, 2, q.Len())

		first := mustDequeue(t, q)
		assert.Equal(t, "early", first.ID)
		assert.Equal(t, "i-1", first.InstanceID)
		assert.Equal(t, "tok-1", first.Token)
		assert.Equal(t, TaskTypeResumeStep, first.Type)
		assert.Equal(t, 1, first.Attempts)

		second := mustDequeue(t, q)
		assert.Equal(t, "late", second.ID)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("delayed task waits", func(t *testing.T) {
		delay := 150 * time.Millisecond
		start := time.Now()
		require.NoError(t, q.Enqueue(ctx, Task{ID: "backoff", Type: TaskTypeResumeStep, InstanceID: "i-3", NotBefore: start.Add(delay)}))

		got := mustDequeue(t, q)
		assert.Equal(t, "backoff", got.ID)
		assert.GreaterOrEqual(t, time.Since(start), delay-10*time.Millisecond)
	})

	t.Run("immediate task", func(t *testing.T) {
		require.NoError(t, q.Enqueue(ctx, Task{ID: "tick", Type: TaskTypeTick}))
		got := mustDequeue(t, q)
		assert.Equal(t, TaskTypeTick, got.Type)
		assert.False(t, got.EnqueuedAt.IsZero())
	})

	t.Run("cancelled dequeue", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := q.Dequeue(cctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func mustDequeue(t *testing.T, q Queue) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}
