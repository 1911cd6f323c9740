package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/taskqueue"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// Handler executes one task. *engine.Engine implements it.
type Handler interface {
	HandleTask(ctx context.Context, task *taskqueue.Task) error
}

// Config controls a Worker. Zero values select the defaults below.
type Config struct {
	// Concurrency is the number of queue loops Run starts.
	Concurrency int

	// TickInterval is how often Run schedules an approval expiry sweep.
	// Negative disables the ticker.
	TickInterval time.Duration

	// MaxAttempts bounds how often a failing task is handed out.
	MaxAttempts int

	// Backoff is the base delay before a failed task is handed out again.
	// The n-th retry waits Backoff * 2^(n-1).
	Backoff time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

const (
	DefaultConcurrency  = 1
	DefaultTickInterval = 30 * time.Second
	DefaultMaxAttempts  = 3
	DefaultBackoff      = time.Second
)

// Worker pulls tasks from a Queue and executes them with a Handler.
type Worker struct {
	handler Handler
	queue   taskqueue.Queue
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Worker with the default config.
func New(handler Handler, queue taskqueue.Queue) *Worker {
	return NewWithConfig(handler, queue, Config{})
}

// NewWithConfig creates a Worker with cfg.
func NewWithConfig(handler Handler, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	w := &Worker{handler: handler, queue: queue, cfg: cfg, logger: cfg.Logger, now: cfg.Clock}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Config returns the effective configuration.
func (w *Worker) Config() Config { return w.cfg }

// EnqueueTick schedules an approval expiry sweep to run as soon as a
// worker is free.
func (w *Worker) EnqueueTick(ctx context.Context) error {
	return w.EnqueueTickAt(ctx, time.Time{})
}

// EnqueueTickAt schedules an approval expiry sweep no earlier than at.
func (w *Worker) EnqueueTickAt(ctx context.Context, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeTick,
		EnqueuedAt: w.now(),
		NotBefore:  at,
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained, err explains why (usually
//     a cancelled context).
//   - processed == true: a task was handled; err is the handler's error.
//     A failed task has already been rescheduled or dropped.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	herr := w.handler.HandleTask(ctx, task)
	if herr == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return true, herr
	}
	w.reschedule(ctx, task, herr)
	return true, herr
}

func (w *Worker) reschedule(ctx context.Context, task *taskqueue.Task, cause error) {
	attrs := []any{
		slog.String("task_id", task.ID),
		slog.String("type", string(task.Type)),
		slog.String("instance_id", task.InstanceID),
		slog.Int("attempts", task.Attempts),
		slog.String("error", cause.Error()),
	}
	if task.Attempts >= w.cfg.MaxAttempts {
		w.logger.ErrorContext(ctx, "task_dropped", attrs...)
		return
	}

	retry := *task
	retry.NotBefore = w.now().Add(api.BackoffDelay(w.cfg.Backoff, task.Attempts-1))
	if err := w.queue.Enqueue(ctx, retry); err != nil {
		w.logger.ErrorContext(ctx, "task_reschedule_failed", append(attrs, slog.String("enqueue_error", err.Error()))...)
		return
	}
	w.logger.WarnContext(ctx, "task_rescheduled", append(attrs, slog.Time("not_before", retry.NotBefore))...)
}

// Run processes tasks until ctx is cancelled, then waits for in-flight
// tasks to finish. It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}

	if w.cfg.TickInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.tick(ctx)
		}()
	}

	wg.Wait()
	return nil
}

// dequeuePause is how long a loop waits after the queue itself fails.
const dequeuePause = 100 * time.Millisecond

func (w *Worker) loop(ctx context.Context) {
	for {
		processed, err := w.ProcessOne(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		// Keep going so a single bad task doesn't stop the loop.
		w.logger.WarnContext(ctx, "worker task error",
			slog.Bool("processed", processed),
			slog.String("error", err.Error()),
		)
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeuePause):
			}
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	t := time.NewTicker(w.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.EnqueueTick(ctx); err != nil && ctx.Err() == nil {
				w.logger.WarnContext(ctx, "tick enqueue failed", slog.String("error", err.Error()))
			}
		}
	}
}
