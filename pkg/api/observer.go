package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the workflow engine for logging and metrics.
//
// Callbacks run synchronously on the driving goroutine, after the state they
// describe has been committed. Implementations should be fast and
// non-blocking. The instance passed in is a snapshot and may be retained.
type Observer interface {
	// OnInstanceCreated is called once when an instance is created in PENDING.
	OnInstanceCreated(ctx context.Context, inst *WorkflowInstance)

	// OnStateChanged is called after every committed state transition.
	OnStateChanged(ctx context.Context, inst *WorkflowInstance, from, to State)

	// OnStepStart is called before the step's unit is invoked.
	OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step)

	// OnStepCompleted is called after each attempt, for both successes and
	// failures.
	OnStepCompleted(ctx context.Context, inst *WorkflowInstance, result StepResult)

	// OnApprovalRequested is called when the instance enters WAITING_APPROVAL.
	OnApprovalRequested(ctx context.Context, inst *WorkflowInstance, req *ApprovalRequest)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceCreated(context.Context, *WorkflowInstance)                    {}
func (NoopObserver) OnStateChanged(context.Context, *WorkflowInstance, State, State)         {}
func (NoopObserver) OnStepStart(context.Context, *WorkflowInstance, Step)                    {}
func (NoopObserver) OnStepCompleted(context.Context, *WorkflowInstance, StepResult)          {}
func (NoopObserver) OnApprovalRequested(context.Context, *WorkflowInstance, *ApprovalRequest) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceCreated(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnInstanceCreated(ctx, inst)
	}
}

func (c *CompositeObserver) OnStateChanged(ctx context.Context, inst *WorkflowInstance, from, to State) {
	for _, o := range c.observers {
		o.OnStateChanged(ctx, inst, from, to)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, inst, step)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, result StepResult) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, inst, result)
	}
}

func (c *CompositeObserver) OnApprovalRequested(ctx context.Context, inst *WorkflowInstance, req *ApprovalRequest) {
	for _, o := range c.observers {
		o.OnApprovalRequested(ctx, inst, req)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance and step
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceCreated(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "instance_created",
		slog.String("workflow", inst.DefinitionID),
		slog.String("version", inst.Version),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnStateChanged(ctx context.Context, inst *WorkflowInstance, from, to State) {
	level := slog.LevelInfo
	if to == StateFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "instance_state_changed",
		slog.String("workflow", inst.DefinitionID),
		slog.String("instance_id", inst.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("step", inst.CurrentStepID),
		slog.String("error", inst.Error),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow", inst.DefinitionID),
		slog.String("instance_id", inst.ID),
		slog.String("step", step.ID),
		slog.String("unit", step.UnitID),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, r StepResult) {
	level := slog.LevelDebug
	attrs := []any{
		slog.String("workflow", inst.DefinitionID),
		slog.String("instance_id", inst.ID),
		slog.String("step", r.StepID),
		slog.String("unit", r.UnitID),
		slog.Int("attempt", r.Attempt),
		slog.Bool("success", r.Success),
		slog.Duration("duration", r.Duration),
	}
	if r.Error != nil {
		level = slog.LevelWarn
		attrs = append(attrs,
			slog.String("code", r.Error.Code),
			slog.Bool("recoverable", r.Error.Recoverable),
			slog.String("error", r.Error.Message),
		)
	}
	o.Logger.Log(ctx, level, "step_completed", attrs...)
}

func (o *LoggingObserver) OnApprovalRequested(ctx context.Context, inst *WorkflowInstance, req *ApprovalRequest) {
	o.Logger.InfoContext(ctx, "approval_requested",
		slog.String("workflow", inst.DefinitionID),
		slog.String("instance_id", inst.ID),
		slog.String("approval_id", req.ID),
		slog.String("step", req.StepID),
		slog.String("level", req.Level.String()),
		slog.Time("expires_at", req.ExpiresAt),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesCreated   atomic.Int64
	instancesCompleted atomic.Int64
	instancesFailed    atomic.Int64
	instancesCancelled atomic.Int64
	approvalsRequested atomic.Int64
	stepsCompleted     atomic.Int64
	stepsFailed        atomic.Int64
	totalStepDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesCreated   int64
	InstancesCompleted int64
	InstancesFailed    int64
	InstancesCancelled int64
	ApprovalsRequested int64

	StepsCompleted  int64
	StepsFailed     int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnInstanceCreated(context.Context, *WorkflowInstance) {
	m.instancesCreated.Add(1)
}

func (m *BasicMetrics) OnStateChanged(_ context.Context, _ *WorkflowInstance, _, to State) {
	switch to {
	case StateCompleted:
		m.instancesCompleted.Add(1)
	case StateFailed:
		m.instancesFailed.Add(1)
	case StateCancelled:
		m.instancesCancelled.Add(1)
	}
}

func (m *BasicMetrics) OnStepCompleted(_ context.Context, _ *WorkflowInstance, r StepResult) {
	if !r.Success {
		m.stepsFailed.Add(1)
		return
	}
	// Only successful steps count towards the average duration.
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(r.Duration.Nanoseconds())
}

func (m *BasicMetrics) OnApprovalRequested(context.Context, *WorkflowInstance, *ApprovalRequest) {
	m.approvalsRequested.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		InstancesCreated:   m.instancesCreated.Load(),
		InstancesCompleted: m.instancesCompleted.Load(),
		InstancesFailed:    m.instancesFailed.Load(),
		InstancesCancelled: m.instancesCancelled.Load(),
		ApprovalsRequested: m.approvalsRequested.Load(),
		StepsCompleted:     steps,
		StepsFailed:        m.stepsFailed.Load(),
		AvgStepDuration:    avg,
	}
}
