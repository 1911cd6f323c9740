// Package engine drives workflow instances through their step graphs.
//
// Instances are driven synchronously on the caller's goroutine: Start,
// Resume, Retry and ResolveApproval return once the instance completes,
// fails, suspends for a person, or schedules a retry on the task queue.
// A single driver runs per instance, so steps of one instance never
// overlap.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/approval"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/flags"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/persistence"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/registry"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/taskqueue"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// DefaultBaseRetryDelay is the retry base delay when neither the
// definition nor the unit sets one.
const DefaultBaseRetryDelay = time.Second

// Config describes how to construct an Engine. Registry is required; every
// other field has a default.
type Config struct {
	Registry *registry.Registry

	// Instances and Events default to one in-memory store.
	Instances persistence.InstanceStore
	Events    persistence.EventStore

	// Approvals defaults to an in-memory manager sharing the engine clock.
	Approvals *approval.Manager

	// Queue receives retry resumptions. Without a queue the backoff wait
	// happens on the driving goroutine.
	Queue taskqueue.Queue

	Observer api.Observer
	Notifier api.Notifier
	Flags    *flags.Set
	Logger   *slog.Logger
	Clock    func() time.Time

	BaseRetryDelay time.Duration
}

// Engine is safe for concurrent use.
type Engine struct {
	reg       *registry.Registry
	defs      *definitions
	instances persistence.InstanceStore
	events    persistence.EventStore
	approvals *approval.Manager
	queue     taskqueue.Queue
	observer  api.Observer
	notifier  api.Notifier
	flags     *flags.Set
	logger    *slog.Logger
	now       func() time.Time
	baseDelay time.Duration

	mu       sync.Mutex
	runtimes map[string]*runtime
}

// runtime is the in-process state of one instance. mu guards every
// read-modify-write of the stored instance; it is never held across a
// unit invocation.
type runtime struct {
	mu      sync.Mutex
	driving bool

	// epoch advances whenever an instance leaves RUNNING from outside the
	// driver. A step result whose epoch is stale is discarded.
	epoch  uint64
	cancel context.CancelFunc

	changed chan struct{} // closed and replaced on every commit
}

func (rt *runtime) broadcastLocked() {
	close(rt.changed)
	rt.changed = make(chan struct{})
}

// interruptLocked invalidates and cancels the in-flight step, if any.
func (rt *runtime) interruptLocked() {
	rt.epoch++
	if rt.cancel != nil {
		rt.cancel()
		rt.cancel = nil
	}
}

// New returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	e := &Engine{
		reg:       cfg.Registry,
		defs:      newDefinitions(),
		instances: cfg.Instances,
		events:    cfg.Events,
		approvals: cfg.Approvals,
		queue:     cfg.Queue,
		observer:  cfg.Observer,
		notifier:  cfg.Notifier,
		flags:     cfg.Flags,
		logger:    cfg.Logger,
		now:       cfg.Clock,
		baseDelay: cfg.BaseRetryDelay,
		runtimes:  make(map[string]*runtime),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.instances == nil || e.events == nil {
		mem := persistence.NewInMemoryStore()
		if e.instances == nil {
			e.instances = mem
		}
		if e.events == nil {
			e.events = mem
		}
	}
	if e.approvals == nil {
		e.approvals = approval.NewManager(approval.Config{Clock: e.now, Notifier: cfg.Notifier, Logger: e.logger})
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.notifier == nil {
		e.notifier = api.NoopNotifier{}
	}
	if e.flags == nil {
		e.flags = flags.New(nil)
	}
	if e.baseDelay <= 0 {
		e.baseDelay = DefaultBaseRetryDelay
	}
	return e, nil
}

// Approvals returns the approval manager instances wait on.
func (e *Engine) Approvals() *approval.Manager { return e.approvals }

// Registry returns the unit registry steps execute through.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// RegisterDefinition validates def and registers it under its id and
// version. An empty version registers as DefaultVersion.
func (e *Engine) RegisterDefinition(def api.WorkflowDefinition) error {
	def, err := e.defs.register(def)
	if err != nil {
		return err
	}
	e.logger.Debug("workflow registered",
		slog.String("workflow", def.ID),
		slog.String("version", def.Version),
		slog.Int("steps", len(def.Steps)),
	)
	return nil
}

// Definition returns a registered definition. An empty version selects the
// most recently registered one.
func (e *Engine) Definition(id, version string) (api.WorkflowDefinition, error) {
	def, err := e.defs.get(id, version)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return copyDefinition(def), nil
}

// Definitions lists every registered definition version.
func (e *Engine) Definitions() []api.WorkflowDefinition {
	return e.defs.list()
}

// Versions lists the registered versions of a definition in registration
// order.
func (e *Engine) Versions(id string) []string {
	return e.defs.versions(id)
}

func (e *Engine) runtime(id string) *runtime {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.runtimes[id]
	if !ok {
		rt = &runtime{changed: make(chan struct{})}
		e.runtimes[id] = rt
	}
	return rt
}

// release forgets the runtime of an instance that reached a terminal state,
// unless a driver still holds it. Callers must not hold rt.mu.
func (e *Engine) release(id string, state api.State) {
	if !state.Terminal() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.runtimes[id]
	if !ok {
		return
	}
	rt.mu.Lock()
	busy := rt.driving
	rt.mu.Unlock()
	if !busy {
		delete(e.runtimes, id)
	}
}

// Start creates an instance of the latest version of defID and drives it.
func (e *Engine) Start(ctx context.Context, defID string, input map[string]any) (*api.WorkflowInstance, error) {
	return e.StartVersion(ctx, defID, "", input)
}

// StartVersion creates an instance of an explicit definition version and
// drives it.
func (e *Engine) StartVersion(ctx context.Context, defID, version string, input map[string]any) (*api.WorkflowInstance, error) {
	def, err := e.defs.get(defID, version)
	if err != nil {
		return nil, err
	}

	now := e.now()
	inst := &api.WorkflowInstance{
		ID:            uuid.NewString(),
		DefinitionID:  def.ID,
		Version:       def.Version,
		State:         api.StatePending,
		CurrentStepID: def.StartStepID,
		RetryCounts:   make(map[string]int),
		Input:         api.CloneMap(input),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.instances.SaveInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("engine: save instance: %w", err)
	}
	e.appendEvent(ctx, inst, api.EventInstanceCreated, "", "")
	e.observer.OnInstanceCreated(ctx, inst.Clone())

	rt := e.runtime(inst.ID)
	rt.mu.Lock()
	err = e.transitionLocked(ctx, rt, inst, api.StateRunning, "")
	rt.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.drive(ctx, inst.ID)
}

// GetInstance returns a snapshot of an instance.
func (e *Engine) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return e.instances.GetInstance(ctx, id)
}

// ListInstances returns instances matching filter, oldest first.
func (e *Engine) ListInstances(ctx context.Context, filter persistence.InstanceFilter) ([]*api.WorkflowInstance, error) {
	return e.instances.ListInstances(ctx, filter)
}

// Events returns the recorded history of an instance.
func (e *Engine) Events(ctx context.Context, id string) ([]api.WorkflowEvent, error) {
	if _, err := e.instances.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	return e.events.ListEvents(ctx, id)
}

// Await blocks until the instance is settled: COMPLETED, CANCELLED, FAILED,
// PAUSED or WAITING_APPROVAL.
func (e *Engine) Await(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	rt := e.runtime(id)
	for {
		rt.mu.Lock()
		inst, err := e.instances.GetInstance(ctx, id)
		if err != nil {
			rt.mu.Unlock()
			return nil, err
		}
		if inst.State.Settled() {
			rt.mu.Unlock()
			return inst, nil
		}
		changed := rt.changed
		rt.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// transitionLocked applies from -> to on inst and persists it. Illegal
// transitions return a *api.TransitionError and change nothing.
func (e *Engine) transitionLocked(ctx context.Context, rt *runtime, inst *api.WorkflowInstance, to api.State, reason string) error {
	from := inst.State
	if !api.CanTransition(from, to) {
		return &api.TransitionError{InstanceID: inst.ID, From: from, To: to}
	}

	prev := inst.Clone()
	now := e.now()
	if from == api.StateRunning && !inst.ActiveSince.IsZero() {
		inst.Elapsed += now.Sub(inst.ActiveSince)
		inst.ActiveSince = time.Time{}
	}
	if to == api.StateRunning {
		inst.ActiveSince = now
	} else {
		inst.ResumeToken = ""
	}
	inst.State = to
	if reason != "" {
		inst.Error = reason
	}
	if err := e.saveLocked(ctx, rt, inst); err != nil {
		*inst = *prev
		return err
	}

	e.appendEvent(ctx, inst, api.EventInstanceStateChanged, inst.CurrentStepID, fmt.Sprintf("%s -> %s", from, to))
	e.observer.OnStateChanged(ctx, inst.Clone(), from, to)
	if to == api.StateFailed {
		e.notifyFailure(ctx, inst)
	}
	return nil
}

func (e *Engine) saveLocked(ctx context.Context, rt *runtime, inst *api.WorkflowInstance) error {
	inst.UpdatedAt = e.now()
	if err := e.instances.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("engine: update instance %s: %w", inst.ID, err)
	}
	rt.broadcastLocked()
	return nil
}

func (e *Engine) failLocked(ctx context.Context, rt *runtime, inst *api.WorkflowInstance, cause error) error {
	e.logger.WarnContext(ctx, "workflow_failed",
		slog.String("instance_id", inst.ID),
		slog.String("workflow", inst.DefinitionID),
		slog.String("step", inst.CurrentStepID),
		slog.Any("error", cause),
	)
	return e.transitionLocked(ctx, rt, inst, api.StateFailed, cause.Error())
}

func (e *Engine) appendEvent(ctx context.Context, inst *api.WorkflowInstance, typ api.EventType, stepID, detail string) {
	ev := api.WorkflowEvent{
		InstanceID:   inst.ID,
		At:           e.now(),
		Type:         typ,
		DefinitionID: inst.DefinitionID,
		StepID:       stepID,
		Detail:       detail,
	}
	if err := e.events.AppendEvent(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "event append failed",
			slog.String("instance_id", inst.ID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) notifyFailure(ctx context.Context, inst *api.WorkflowInstance) {
	if !e.flags.Enabled(flags.NotifyFailures) {
		return
	}
	err := e.notifier.Notify(ctx, api.Notification{
		Priority: api.P1Urgent,
		Category: "workflow",
		Title:    fmt.Sprintf("workflow %s failed at %s", inst.DefinitionID, inst.CurrentStepID),
		Body:     inst.Error,
		Link:     "/instances/" + inst.ID,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "failure notification failed",
			slog.String("instance_id", inst.ID),
			slog.Any("error", err),
		)
	}
}
