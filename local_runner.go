package sundayhug

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/approval"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/engine"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/flags"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/persistence"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/registry"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/taskqueue"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/unit"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/worker"
)

// LocalRunner bundles a registry, an approval manager, an engine, a delay
// queue and a Worker for tests and single-process deployments.
//
// Typical usage:
//
//	runner, _ := sundayhug.NewLocalRunner()
//	_ = runner.AddUnit(sundayhug.UnitConfig{ID: "order", Enabled: true}, lookupOrder)
//	sundayhug.New("order-status").Step("lookup", "order").MustRegister(runner.Engine)
//
//	_ = runner.StartWorkers(ctx, 2) // retries and approval expiry
//	inst, err := runner.Start(ctx, "order-status", input)
//	...
//	runner.Stop()
type LocalRunner struct {
	Registry  *Registry
	Approvals *approval.Manager
	Engine    *Engine
	Flags     *flags.Set

	// Queue holds scheduled retries and expiry sweeps for Worker.
	Queue  taskqueue.Queue
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

type runnerConfig struct {
	logger       *slog.Logger
	observer     Observer
	notifier     Notifier
	clock        func() time.Time
	baseDelay    time.Duration
	approvalTTL  time.Duration
	tickInterval time.Duration
	flags        map[string]bool
}

// RunnerOption configures a LocalRunner.
type RunnerOption func(*runnerConfig)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(c *runnerConfig) { c.logger = l }
}

// WithObserver receives engine lifecycle callbacks.
func WithObserver(o Observer) RunnerOption {
	return func(c *runnerConfig) { c.observer = o }
}

// WithNotifier delivers approval and failure notifications.
func WithNotifier(n Notifier) RunnerOption {
	return func(c *runnerConfig) { c.notifier = n }
}

// WithClock replaces time.Now for the engine, approvals and worker.
func WithClock(now func() time.Time) RunnerOption {
	return func(c *runnerConfig) { c.clock = now }
}

// WithBaseRetryDelay sets the engine-wide retry base delay.
func WithBaseRetryDelay(d time.Duration) RunnerOption {
	return func(c *runnerConfig) { c.baseDelay = d }
}

// WithApprovalTTL sets how long approval requests stay pending by default.
func WithApprovalTTL(d time.Duration) RunnerOption {
	return func(c *runnerConfig) { c.approvalTTL = d }
}

// WithTickInterval sets how often workers sweep expired approvals.
func WithTickInterval(d time.Duration) RunnerOption {
	return func(c *runnerConfig) { c.tickInterval = d }
}

// WithFlags overrides feature flags.
func WithFlags(overrides map[string]bool) RunnerOption {
	return func(c *runnerConfig) { c.flags = overrides }
}

// NewLocalRunner constructs a LocalRunner backed entirely by memory.
func NewLocalRunner(opts ...RunnerOption) (*LocalRunner, error) {
	return newRunner(persistence.NewInMemoryPersistence(), taskqueue.NewInMemoryQueue(), opts)
}

func newRunner(p persistence.Persistence, q taskqueue.Queue, opts []RunnerOption) (*LocalRunner, error) {
	cfg := runnerConfig{logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	set := flags.New(nil)
	set.Replace(cfg.flags)

	reg := registry.New(
		registry.WithRecordSink(p.Records),
		registry.WithLogger(cfg.logger),
		registry.WithClock(cfg.clock),
	)
	approvals := approval.NewManager(approval.Config{
		Store:      p.Approvals,
		Notifier:   cfg.notifier,
		Clock:      cfg.clock,
		DefaultTTL: cfg.approvalTTL,
		Logger:     cfg.logger,
	})
	eng, err := engine.New(engine.Config{
		Registry:       reg,
		Instances:      p.Instances,
		Events:         p.Events,
		Approvals:      approvals,
		Queue:          q,
		Observer:       cfg.observer,
		Notifier:       cfg.notifier,
		Flags:          set,
		Logger:         cfg.logger,
		Clock:          cfg.clock,
		BaseRetryDelay: cfg.baseDelay,
	})
	if err != nil {
		return nil, err
	}
	w := worker.NewWithConfig(eng, q, worker.Config{
		TickInterval: cfg.tickInterval,
		Logger:       cfg.logger,
		Clock:        cfg.clock,
	})
	return &LocalRunner{
		Registry:  reg,
		Approvals: approvals,
		Engine:    eng,
		Flags:     set,
		Queue:     q,
		Worker:    w,
	}, nil
}

// AddUnit registers a unit running fn.
func (r *LocalRunner) AddUnit(cfg UnitConfig, fn ExecFunc) error {
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	return r.Registry.Register(unit.NewFunc(cfg, fn), registry.Options{})
}

// StartWorkers starts 'concurrency' queue loops plus the expiry ticker.
// They run until Stop or until ctx is cancelled.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("sundayhug: LocalRunner already started")
	}
	cfg := r.Worker.Config()
	if concurrency > 0 {
		cfg.Concurrency = concurrency
	}
	r.Worker = worker.NewWithConfig(r.Engine, r.Queue, cfg)

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go func(w *worker.Worker, done chan struct{}) {
		defer close(done)
		_ = w.Run(ctx)
	}(r.Worker, r.done)
	return nil
}

// Stop cancels the workers started by StartWorkers and waits for them to
// exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	<-done
}

// Start runs the latest version of a workflow until it settles or
// schedules a retry.
func (r *LocalRunner) Start(ctx context.Context, workflowID string, input map[string]any) (*WorkflowInstance, error) {
	return r.Engine.Start(ctx, workflowID, input)
}

// Await blocks until the instance settles.
func (r *LocalRunner) Await(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	return r.Engine.Await(ctx, instanceID)
}

// Approve approves a pending request and continues the instance waiting
// on it.
func (r *LocalRunner) Approve(ctx context.Context, approvalID, approverID string) (*WorkflowInstance, error) {
	return r.Engine.ResolveApproval(ctx, approvalID, true, approverID, "")
}

// Reject rejects a pending request, which cancels the instance waiting on
// it.
func (r *LocalRunner) Reject(ctx context.Context, approvalID, approverID, reason string) (*WorkflowInstance, error) {
	return r.Engine.ResolveApproval(ctx, approvalID, false, approverID, reason)
}

// PendingApprovals lists requests awaiting a decision.
func (r *LocalRunner) PendingApprovals(ctx context.Context) ([]*ApprovalRequest, error) {
	return r.Approvals.ListPending(ctx)
}
