package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/approval"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/persistence"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/taskqueue"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// Pause suspends a RUNNING instance. A step in flight is interrupted and
// its result discarded; Resume runs the step again.
func (e *Engine) Pause(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return e.stop(ctx, id, api.StatePaused, "")
}

// Cancel moves an instance to CANCELLED. A step in flight is interrupted,
// scheduled resumptions become stale and recorded history is kept as is.
func (e *Engine) Cancel(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return e.stop(ctx, id, api.StateCancelled, "")
}

func (e *Engine) stop(ctx context.Context, id string, to api.State, reason string) (*api.WorkflowInstance, error) {
	rt := e.runtime(id)
	rt.mu.Lock()
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		rt.mu.Unlock()
		return nil, err
	}
	wasRunning := inst.State == api.StateRunning
	if err := e.transitionLocked(ctx, rt, inst, to, reason); err != nil {
		rt.mu.Unlock()
		return inst, err
	}
	if wasRunning {
		rt.interruptLocked()
	}
	out := inst.Clone()
	rt.mu.Unlock()
	e.release(id, out.State)
	return out, nil
}

// Resume continues a PAUSED instance at its current step.
func (e *Engine) Resume(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return e.reenter(ctx, id, api.StatePaused, nil)
}

// Retry re-enters a FAILED instance at the step that failed, with that
// step's retry count reset.
func (e *Engine) Retry(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return e.reenter(ctx, id, api.StateFailed, func(inst *api.WorkflowInstance) {
		delete(inst.RetryCounts, inst.CurrentStepID)
		inst.Error = ""
	})
}

func (e *Engine) reenter(ctx context.Context, id string, from api.State, prepare func(*api.WorkflowInstance)) (*api.WorkflowInstance, error) {
	rt := e.runtime(id)
	rt.mu.Lock()
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		rt.mu.Unlock()
		return nil, err
	}
	if inst.State != from {
		rt.mu.Unlock()
		return inst, &api.TransitionError{InstanceID: id, From: inst.State, To: api.StateRunning}
	}
	if prepare != nil {
		prepare(inst)
	}
	err = e.transitionLocked(ctx, rt, inst, api.StateRunning, "")
	rt.mu.Unlock()
	if err != nil {
		return inst, err
	}
	return e.drive(ctx, id)
}

// Transition applies a state change requested from outside the engine.
// Illegal changes return a *api.TransitionError and leave the instance as
// it was, so repeating one has no effect. Moving a WAITING_APPROVAL
// instance to RUNNING counts as approving its pending request.
func (e *Engine) Transition(ctx context.Context, id string, to api.State) (*api.WorkflowInstance, error) {
	rt := e.runtime(id)
	rt.mu.Lock()
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		rt.mu.Unlock()
		return nil, err
	}
	from := inst.State
	if !api.CanTransition(from, to) {
		rt.mu.Unlock()
		return inst, &api.TransitionError{InstanceID: id, From: from, To: to}
	}

	if to == api.StateRunning {
		switch from {
		case api.StateFailed:
			delete(inst.RetryCounts, inst.CurrentStepID)
			inst.Error = ""
		case api.StateWaitingApproval:
			err = e.continueAfterApprovalLocked(ctx, rt, inst)
			rt.mu.Unlock()
			if err != nil {
				return inst, err
			}
			return e.drive(ctx, id)
		}
		err = e.transitionLocked(ctx, rt, inst, api.StateRunning, "")
		rt.mu.Unlock()
		if err != nil {
			return inst, err
		}
		return e.drive(ctx, id)
	}

	if err := e.transitionLocked(ctx, rt, inst, to, ""); err != nil {
		rt.mu.Unlock()
		return inst, err
	}
	if from == api.StateRunning {
		rt.interruptLocked()
	}
	out := inst.Clone()
	rt.mu.Unlock()
	e.release(id, out.State)
	return out, nil
}

// ResolveApproval records a decision on an approval request and applies it
// to the instance waiting on it: approval continues the instance, rejection
// cancels it. A request that already passed its deadline cancels the
// instance and returns approval.ErrExpired. The returned instance is nil
// when the request does not belong to a workflow.
func (e *Engine) ResolveApproval(ctx context.Context, approvalID string, approved bool, approverID, reason string) (*api.WorkflowInstance, error) {
	req, err := e.approvals.Resolve(ctx, approvalID, approved, approverID, reason)
	if errors.Is(err, approval.ErrExpired) && req != nil {
		inst, cerr := e.cancelExpired(ctx, req)
		if cerr != nil {
			return inst, cerr
		}
		return inst, err
	}
	if err != nil {
		return nil, err
	}
	return e.applyDecision(ctx, req)
}

// applyDecision moves the instance waiting on a decided request: approved
// continues it, rejected or expired cancels it. Instances no longer waiting
// on req are returned untouched, so a decision applies at most once.
func (e *Engine) applyDecision(ctx context.Context, req *api.ApprovalRequest) (*api.WorkflowInstance, error) {
	if req.InstanceID == "" || req.Status == api.ApprovalPending {
		return nil, nil
	}
	if req.Status == api.ApprovalExpired {
		return e.cancelExpired(ctx, req)
	}

	rt := e.runtime(req.InstanceID)
	rt.mu.Lock()
	inst, err := e.instances.GetInstance(ctx, req.InstanceID)
	if err != nil {
		rt.mu.Unlock()
		return nil, err
	}
	if inst.State != api.StateWaitingApproval || inst.PendingApprovalID != req.ID {
		rt.mu.Unlock()
		return inst, nil
	}
	e.appendEvent(ctx, inst, api.EventApprovalResolved, req.StepID, string(req.Status))

	if req.Status != api.ApprovalApproved {
		inst.PendingApprovalID = ""
		inst.ResumeStepID = ""
		err = e.transitionLocked(ctx, rt, inst, api.StateCancelled, fmt.Sprintf("approval %s rejected by %s", req.ID, req.ApproverID))
		out := inst.Clone()
		rt.mu.Unlock()
		e.release(out.ID, out.State)
		return out, err
	}

	err = e.continueAfterApprovalLocked(ctx, rt, inst)
	rt.mu.Unlock()
	if err != nil {
		return inst, err
	}
	return e.drive(ctx, inst.ID)
}

// continueAfterApprovalLocked moves a WAITING_APPROVAL instance to RUNNING
// at its resume step, or completes it when there is none.
func (e *Engine) continueAfterApprovalLocked(ctx context.Context, rt *runtime, inst *api.WorkflowInstance) error {
	resume := inst.ResumeStepID
	inst.PendingApprovalID = ""
	inst.ResumeStepID = ""
	if resume != "" {
		inst.CurrentStepID = resume
		delete(inst.RetryCounts, resume)
	}
	if err := e.transitionLocked(ctx, rt, inst, api.StateRunning, ""); err != nil {
		return err
	}
	if resume == "" {
		return e.transitionLocked(ctx, rt, inst, api.StateCompleted, "")
	}
	return nil
}

// Tick expires overdue approval requests and cancels the instances waiting
// on them. Instances still waiting on a request that was decided earlier,
// for example because a save failed on a previous Tick, are settled too.
// It returns the cancelled instances.
func (e *Engine) Tick(ctx context.Context) ([]*api.WorkflowInstance, error) {
	expired, err := e.approvals.ExpireDue(ctx, e.now())
	var cancelled []*api.WorkflowInstance
	for _, req := range expired {
		inst, cerr := e.cancelExpired(ctx, req)
		if cerr != nil {
			err = errors.Join(err, cerr)
			continue
		}
		if inst != nil && inst.State == api.StateCancelled {
			cancelled = append(cancelled, inst)
		}
	}

	settled, rerr := e.reconcileApprovals(ctx)
	cancelled = append(cancelled, settled...)
	return cancelled, errors.Join(err, rerr)
}

func (e *Engine) reconcileApprovals(ctx context.Context) ([]*api.WorkflowInstance, error) {
	waiting, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{State: api.StateWaitingApproval})
	if err != nil {
		return nil, err
	}
	var cancelled []*api.WorkflowInstance
	for _, w := range waiting {
		if w.PendingApprovalID == "" {
			continue
		}
		req, gerr := e.approvals.Get(ctx, w.PendingApprovalID)
		var inst *api.WorkflowInstance
		switch {
		case errors.Is(gerr, api.ErrNotFound):
			inst, gerr = e.cancelOrphaned(ctx, w.ID, w.PendingApprovalID)
		case gerr == nil:
			if req.Status == api.ApprovalPending {
				continue
			}
			e.logger.InfoContext(ctx, "approval decision reapplied",
				slog.String("instance_id", w.ID),
				slog.String("approval_id", req.ID),
				slog.String("status", string(req.Status)),
			)
			inst, gerr = e.applyDecision(ctx, req)
		}
		if gerr != nil {
			err = errors.Join(err, gerr)
			continue
		}
		if inst != nil && inst.State == api.StateCancelled {
			cancelled = append(cancelled, inst)
		}
	}
	return cancelled, err
}

// cancelOrphaned cancels an instance waiting on a request the approval
// store no longer knows, which happens when approvals are kept in memory
// and instances are not.
func (e *Engine) cancelOrphaned(ctx context.Context, id, approvalID string) (*api.WorkflowInstance, error) {
	rt := e.runtime(id)
	rt.mu.Lock()
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		rt.mu.Unlock()
		return nil, err
	}
	if inst.State != api.StateWaitingApproval || inst.PendingApprovalID != approvalID {
		rt.mu.Unlock()
		return nil, nil
	}
	inst.PendingApprovalID = ""
	inst.ResumeStepID = ""
	err = e.transitionLocked(ctx, rt, inst, api.StateCancelled, fmt.Sprintf("approval %s no longer exists", approvalID))
	out := inst.Clone()
	rt.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.release(id, out.State)
	return out, nil
}

func (e *Engine) cancelExpired(ctx context.Context, req *api.ApprovalRequest) (*api.WorkflowInstance, error) {
	if req.InstanceID == "" {
		return nil, nil
	}
	rt := e.runtime(req.InstanceID)
	rt.mu.Lock()
	inst, err := e.instances.GetInstance(ctx, req.InstanceID)
	if err != nil {
		rt.mu.Unlock()
		return nil, err
	}
	if inst.State != api.StateWaitingApproval || inst.PendingApprovalID != req.ID {
		rt.mu.Unlock()
		return nil, nil
	}
	e.appendEvent(ctx, inst, api.EventApprovalResolved, req.StepID, string(api.ApprovalExpired))
	inst.PendingApprovalID = ""
	inst.ResumeStepID = ""
	if err := e.transitionLocked(ctx, rt, inst, api.StateCancelled, fmt.Sprintf("approval %s expired", req.ID)); err != nil {
		rt.mu.Unlock()
		return nil, err
	}
	out := inst.Clone()
	rt.mu.Unlock()
	e.logger.InfoContext(ctx, "workflow_cancelled_on_expiry",
		slog.String("instance_id", out.ID),
		slog.String("approval_id", req.ID),
	)
	e.release(out.ID, out.State)
	return out, nil
}

// RecoverInstances picks up RUNNING instances that no goroutine in this
// process is driving, typically those left behind by a crash or restart.
// With a task queue each one gets a fresh resumption, due immediately,
// which also supersedes any backoff it was waiting on; without a queue the
// instances are driven one after another on the caller's goroutine.
//
// It is meant to run on startup before workers begin consuming the queue
// and returns the number of instances recovered.
func (e *Engine) RecoverInstances(ctx context.Context) (int, error) {
	running, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{State: api.StateRunning})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, stuck := range running {
		ok, rerr := e.recoverOne(ctx, stuck.ID)
		if rerr != nil {
			err = errors.Join(err, rerr)
			continue
		}
		if ok {
			n++
		}
	}
	return n, err
}

func (e *Engine) recoverOne(ctx context.Context, id string) (bool, error) {
	rt := e.runtime(id)
	rt.mu.Lock()
	if rt.driving {
		rt.mu.Unlock()
		return false, nil
	}
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		rt.mu.Unlock()
		return false, err
	}
	if inst.State != api.StateRunning {
		rt.mu.Unlock()
		return false, nil
	}
	e.logger.InfoContext(ctx, "workflow_recovered",
		slog.String("instance_id", id),
		slog.String("workflow", inst.DefinitionID),
		slog.String("step", inst.CurrentStepID),
	)
	if e.queue != nil {
		err = e.enqueueResumeLocked(ctx, rt, inst, 0)
		rt.mu.Unlock()
		return err == nil, err
	}
	inst.ResumeToken = ""
	err = e.saveLocked(ctx, rt, inst)
	rt.mu.Unlock()
	if err != nil {
		return false, err
	}
	_, err = e.drive(ctx, id)
	return true, err
}

// HandleTask executes a task taken from the queue. Resumptions whose token
// no longer matches the instance are dropped.
func (e *Engine) HandleTask(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeTick:
		_, err := e.Tick(ctx)
		return err
	case taskqueue.TaskTypeResumeStep:
		return e.resume(ctx, task)
	}
	return fmt.Errorf("engine: unknown task type %q", task.Type)
}

func (e *Engine) resume(ctx context.Context, task *taskqueue.Task) error {
	rt := e.runtime(task.InstanceID)
	rt.mu.Lock()
	inst, err := e.instances.GetInstance(ctx, task.InstanceID)
	if err != nil {
		rt.mu.Unlock()
		if errors.Is(err, api.ErrNotFound) {
			return nil
		}
		return err
	}
	if inst.State != api.StateRunning || inst.ResumeToken == "" || inst.ResumeToken != task.Token {
		rt.mu.Unlock()
		e.logger.DebugContext(ctx, "stale resumption dropped",
			slog.String("instance_id", task.InstanceID),
			slog.String("state", string(inst.State)),
		)
		return nil
	}
	inst.ResumeToken = ""
	err = e.saveLocked(ctx, rt, inst)
	rt.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = e.drive(ctx, task.InstanceID)
	return err
}
