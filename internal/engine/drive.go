package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/approval"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/registry"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/taskqueue"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// drive runs steps of a RUNNING instance until it leaves RUNNING or waits
// on a scheduled resumption. If another goroutine is already driving the
// instance, drive returns the current snapshot immediately.
//
// ctx bounds the unit invocations and backoff waits only; state is
// committed on a detached context. When ctx ends mid-step the attempt is
// discarded and the instance is parked, see park.
func (e *Engine) drive(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	rt := e.runtime(id)
	sctx := context.WithoutCancel(ctx)

	rt.mu.Lock()
	if rt.driving {
		inst, err := e.instances.GetInstance(sctx, id)
		rt.mu.Unlock()
		return inst, err
	}
	rt.driving = true
	rt.mu.Unlock()

	for {
		rt.mu.Lock()
		inst, err := e.instances.GetInstance(sctx, id)
		if err != nil {
			rt.driving = false
			rt.mu.Unlock()
			return nil, err
		}
		// The exit check and releasing the driver happen under one lock so a
		// concurrent Resume either sees driving=false or is picked up here.
		if inst.State != api.StateRunning || inst.ResumeToken != "" {
			rt.driving = false
			rt.mu.Unlock()
			e.release(id, inst.State)
			return inst, nil
		}
		if ctx.Err() != nil {
			rt.mu.Unlock()
			return e.park(ctx, rt, id)
		}

		def, err := e.defs.get(inst.DefinitionID, inst.Version)
		if err != nil {
			err = e.failLocked(sctx, rt, inst, err)
			rt.mu.Unlock()
			if err != nil {
				return e.stopDriving(rt, inst, err)
			}
			continue
		}
		if cause := e.budgetExhausted(def, inst); cause != nil {
			err = e.failLocked(sctx, rt, inst, cause)
			rt.mu.Unlock()
			if err != nil {
				return e.stopDriving(rt, inst, err)
			}
			continue
		}
		step, ok := def.Step(inst.CurrentStepID)
		if !ok {
			err = e.failLocked(sctx, rt, inst, api.NewNotFound("step", inst.CurrentStepID))
			rt.mu.Unlock()
			if err != nil {
				return e.stopDriving(rt, inst, err)
			}
			continue
		}

		stepCtx, cancel := context.WithCancel(ctx)
		rt.cancel = cancel
		epoch := rt.epoch
		input := stepInput(inst)
		attempt := inst.RetryCounts[step.ID] + 1
		timeout := e.stepTimeout(def, step, inst)
		snapshot := inst.Clone()
		rt.mu.Unlock()

		e.observer.OnStepStart(sctx, snapshot, step)
		e.appendEvent(sctx, snapshot, api.EventStepStarted, step.ID, fmt.Sprintf("attempt %d", attempt))

		started := e.now()
		res := e.invoke(stepCtx, step, input, timeout)
		cancel()

		result := api.StepResult{
			StepID:    step.ID,
			UnitID:    step.UnitID,
			Attempt:   attempt,
			Success:   res.Success,
			Output:    api.CloneMap(res.Data),
			Error:     res.Error,
			StartedAt: started,
			Duration:  e.now().Sub(started),
		}

		rt.mu.Lock()
		rt.cancel = nil
		if rt.epoch != epoch {
			// Paused or cancelled while the unit ran.
			rt.mu.Unlock()
			e.logger.DebugContext(sctx, "step result discarded",
				slog.String("instance_id", id),
				slog.String("step", step.ID),
			)
			continue
		}
		if ctx.Err() != nil {
			// The caller went away; the attempt does not count.
			rt.mu.Unlock()
			e.logger.InfoContext(sctx, "step interrupted",
				slog.String("instance_id", id),
				slog.String("step", step.ID),
				slog.Int("attempt", attempt),
			)
			return e.park(ctx, rt, id)
		}
		inst, err = e.instances.GetInstance(sctx, id)
		if err != nil {
			rt.driving = false
			rt.mu.Unlock()
			return nil, err
		}
		wait, err := e.applyLocked(sctx, rt, inst, def, step, result)
		changed := rt.changed
		rt.mu.Unlock()
		if err != nil {
			return e.stopDriving(rt, inst, err)
		}

		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-changed:
			case <-ctx.Done():
				return e.park(ctx, rt, id)
			}
		}
	}
}

// park releases the driver of an instance whose caller context ended while
// it was RUNNING. With a task queue an immediate resumption is scheduled so
// a worker picks the instance up again; without one the instance stays
// RUNNING until RecoverInstances. The caller's ctx error is returned along
// with the parked snapshot.
func (e *Engine) park(ctx context.Context, rt *runtime, id string) (*api.WorkflowInstance, error) {
	sctx := context.WithoutCancel(ctx)
	rt.mu.Lock()
	defer func() {
		rt.driving = false
		rt.mu.Unlock()
	}()

	inst, err := e.instances.GetInstance(sctx, id)
	if err != nil {
		return nil, errors.Join(ctx.Err(), err)
	}
	if inst.State == api.StateRunning && inst.ResumeToken == "" && e.queue != nil {
		if err := e.enqueueResumeLocked(sctx, rt, inst, 0); err != nil {
			return inst, errors.Join(ctx.Err(), err)
		}
	}
	return inst.Clone(), ctx.Err()
}

func (e *Engine) stopDriving(rt *runtime, inst *api.WorkflowInstance, err error) (*api.WorkflowInstance, error) {
	rt.mu.Lock()
	rt.driving = false
	rt.mu.Unlock()
	return inst, err
}

func (e *Engine) invoke(ctx context.Context, step api.Step, input map[string]any, timeout time.Duration) api.Result {
	rec, err := e.reg.Execute(ctx, step.UnitID, input, registry.WithTimeout(timeout))
	if err != nil {
		return api.FailWith(err)
	}
	return rec.Result
}

// stepInput overlays the previous step's output on the instance input.
func stepInput(inst *api.WorkflowInstance) map[string]any {
	in := api.CloneMap(inst.Input)
	if in == nil {
		in = make(map[string]any, len(inst.Output))
	}
	for k, v := range api.CloneMap(inst.Output) {
		in[k] = v
	}
	return in
}

func (e *Engine) unitConfig(unitID string) api.UnitConfig {
	u, err := e.reg.Get(unitID)
	if err != nil {
		return api.UnitConfig{}
	}
	return u.Config()
}

// stepTimeout is the step timeout, else the unit timeout, capped by what
// is left of the global budget. Zero leaves the invocation unbounded.
func (e *Engine) stepTimeout(def api.WorkflowDefinition, step api.Step, inst *api.WorkflowInstance) time.Duration {
	t := step.Timeout
	if t == 0 {
		t = e.unitConfig(step.UnitID).Timeout
	}
	if def.GlobalTimeout > 0 {
		remaining := def.GlobalTimeout - inst.ActiveTime(e.now())
		if t == 0 || remaining < t {
			t = remaining
		}
	}
	return t
}

func (e *Engine) budgetExhausted(def api.WorkflowDefinition, inst *api.WorkflowInstance) error {
	if def.GlobalTimeout <= 0 {
		return nil
	}
	if inst.ActiveTime(e.now()) < def.GlobalTimeout {
		return nil
	}
	return fmt.Errorf("%w: global budget of %s exhausted", api.ErrTimeout, def.GlobalTimeout)
}

func maxRetries(def api.WorkflowDefinition, step api.Step, unit api.UnitConfig) int {
	switch {
	case step.MaxRetries > 0:
		return step.MaxRetries
	case def.Retry.MaxRetries > 0:
		return def.Retry.MaxRetries
	}
	return unit.MaxRetries
}

func (e *Engine) retryBase(def api.WorkflowDefinition, unit api.UnitConfig) time.Duration {
	switch {
	case def.Retry.BaseDelay > 0:
		return def.Retry.BaseDelay
	case unit.RetryDelay > 0:
		return unit.RetryDelay
	}
	return e.baseDelay
}

// applyLocked records a step attempt and moves the instance on. A positive
// wait asks the driver to sleep before the next attempt, which only
// happens when the engine has no task queue.
func (e *Engine) applyLocked(ctx context.Context, rt *runtime, inst *api.WorkflowInstance, def api.WorkflowDefinition, step api.Step, result api.StepResult) (time.Duration, error) {
	inst.StepHistory = append(inst.StepHistory, result)
	if result.Success {
		e.appendEvent(ctx, inst, api.EventStepCompleted, step.ID, "")
	} else {
		e.appendEvent(ctx, inst, api.EventStepFailed, step.ID, result.Error.Error())
	}
	e.observer.OnStepCompleted(ctx, inst.Clone(), result)

	if result.Success {
		inst.Output = api.CloneMap(result.Output)
		inst.Error = ""
		next, hasNext := step.Next(result.Output)
		unit := e.unitConfig(step.UnitID)
		if step.RequireApproval || def.Gates(unit.ApprovalLevel) {
			return 0, e.gateLocked(ctx, rt, inst, def, step, unit, next)
		}
		return 0, e.advanceLocked(ctx, rt, inst, next, hasNext)
	}

	if cause := e.budgetExhausted(def, inst); cause != nil {
		return 0, e.failLocked(ctx, rt, inst, cause)
	}

	if !step.Required {
		e.logger.WarnContext(ctx, "optional step failed",
			slog.String("instance_id", inst.ID),
			slog.String("step", step.ID),
			slog.String("unit", step.UnitID),
			slog.String("code", result.Error.Code),
		)
		d, ok := step.DefaultTransition()
		return 0, e.advanceLocked(ctx, rt, inst, d.Target, ok)
	}

	switch def.ErrorStrategy {
	case api.StrategySkip:
		// The skipped entry records empty output; inst.Output keeps the last
		// successful step's output so the next step still receives it.
		skipped := api.StepResult{
			StepID:    step.ID,
			UnitID:    step.UnitID,
			Attempt:   result.Attempt,
			Skipped:   true,
			Output:    map[string]any{},
			StartedAt: e.now(),
		}
		inst.StepHistory = append(inst.StepHistory, skipped)
		e.appendEvent(ctx, inst, api.EventStepCompleted, step.ID, "skipped")
		e.observer.OnStepCompleted(ctx, inst.Clone(), skipped)
		d, ok := step.DefaultTransition()
		return 0, e.advanceLocked(ctx, rt, inst, d.Target, ok)

	case api.StrategyRetry:
		unit := e.unitConfig(step.UnitID)
		count := inst.RetryCounts[step.ID]
		if !result.Error.Recoverable || count >= maxRetries(def, step, unit) {
			return 0, e.failLocked(ctx, rt, inst, result.Error)
		}
		delay := api.BackoffDelay(e.retryBase(def, unit), count)
		inst.RetryCounts[step.ID] = count + 1
		return e.scheduleRetryLocked(ctx, rt, inst, step, delay)

	case api.StrategyEscalate:
		resume := step.ResumeStepID
		if resume == "" {
			resume = step.ID
		}
		unit := e.unitConfig(step.UnitID)
		return 0, e.requestApprovalLocked(ctx, rt, inst, def, step, approval.Ask{
			Title:       fmt.Sprintf("%s: step %s failed", def.ID, step.ID),
			Description: result.Error.Error(),
			Payload: map[string]any{
				"step":  step.ID,
				"code":  result.Error.Code,
				"error": result.Error.Message,
			},
			Level: atLeast(unit.ApprovalLevel, api.ApprovalMedium),
		}, resume)
	}
	return 0, e.failLocked(ctx, rt, inst, result.Error)
}

func atLeast(l, floor api.ApprovalLevel) api.ApprovalLevel {
	if l < floor {
		return floor
	}
	return l
}

func (e *Engine) advanceLocked(ctx context.Context, rt *runtime, inst *api.WorkflowInstance, next string, ok bool) error {
	if !ok {
		return e.transitionLocked(ctx, rt, inst, api.StateCompleted, "")
	}
	inst.CurrentStepID = next
	return e.saveLocked(ctx, rt, inst)
}

func (e *Engine) scheduleRetryLocked(ctx context.Context, rt *runtime, inst *api.WorkflowInstance, step api.Step, delay time.Duration) (time.Duration, error) {
	e.logger.InfoContext(ctx, "step_retry_scheduled",
		slog.String("instance_id", inst.ID),
		slog.String("step", step.ID),
		slog.Int("retry", inst.RetryCounts[step.ID]),
		slog.Duration("delay", delay),
	)
	if e.queue == nil {
		return delay, e.saveLocked(ctx, rt, inst)
	}

	if err := e.enqueueResumeLocked(ctx, rt, inst, delay); err != nil {
		return 0, e.failLocked(ctx, rt, inst, fmt.Errorf("schedule retry: %w", err))
	}
	return 0, nil
}

// enqueueResumeLocked gives inst a fresh resume token and queues a task
// carrying it, due after delay. Older tasks for the instance become stale.
func (e *Engine) enqueueResumeLocked(ctx context.Context, rt *runtime, inst *api.WorkflowInstance, delay time.Duration) error {
	now := e.now()
	inst.ResumeToken = uuid.NewString()
	if err := e.saveLocked(ctx, rt, inst); err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeResumeStep,
		InstanceID: inst.ID,
		Token:      inst.ResumeToken,
		EnqueuedAt: now,
		NotBefore:  now.Add(delay),
	})
}

// gateLocked holds a successful step's result for sign-off. Approval
// resumes at next, or completes the instance when next is empty.
func (e *Engine) gateLocked(ctx context.Context, rt *runtime, inst *api.WorkflowInstance, def api.WorkflowDefinition, step api.Step, unit api.UnitConfig, next string) error {
	return e.requestApprovalLocked(ctx, rt, inst, def, step, approval.Ask{
		Title:       fmt.Sprintf("%s: approve result of %s", def.ID, step.ID),
		Description: fmt.Sprintf("unit %s finished step %s", step.UnitID, step.ID),
		Payload:     api.CloneMap(inst.Output),
		Level:       atLeast(unit.ApprovalLevel, api.ApprovalMedium),
	}, next)
}

func (e *Engine) requestApprovalLocked(ctx context.Context, rt *runtime, inst *api.WorkflowInstance, def api.WorkflowDefinition, step api.Step, ask approval.Ask, resumeAt string) error {
	ask.UnitID = step.UnitID
	ask.InstanceID = inst.ID
	ask.StepID = step.ID
	ask.TTL = def.ApprovalTTL
	req, err := e.approvals.Request(ctx, ask)
	if err != nil {
		return e.failLocked(ctx, rt, inst, fmt.Errorf("request approval: %w", err))
	}

	inst.PendingApprovalID = req.ID
	inst.ResumeStepID = resumeAt
	if err := e.transitionLocked(ctx, rt, inst, api.StateWaitingApproval, ""); err != nil {
		return err
	}
	e.appendEvent(ctx, inst, api.EventApprovalRequested, step.ID, req.ID)
	e.observer.OnApprovalRequested(ctx, inst.Clone(), req)
	return nil
}
