// Package taskqueue holds scheduled engine work: delayed step resumptions
// and approval-expiry ticks. Queues deliver a task no earlier than its
// NotBefore time, so a retry backoff never occupies a worker.
package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeResumeStep re-enters a workflow instance at its current step,
	// typically after a retry backoff.
	TaskTypeResumeStep TaskType = "resume-step"

	// TaskTypeTick expires overdue approvals.
	TaskTypeTick TaskType = "tick"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	InstanceID string

	// Token must match the instance's resume token when the task runs.
	// Cancelling or otherwise moving an instance rotates the token, which
	// turns tasks scheduled earlier into no-ops.
	Token string

	// Attempts counts how many times this task has been handed out.
	Attempts int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time
}

// Due reports whether the task may run at now.
func (t Task) Due(now time.Time) bool {
	return t.NotBefore.IsZero() || !t.NotBefore.After(now)
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, due or not.
	Len() int
}
