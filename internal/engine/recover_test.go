package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/persistence"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// flakyStore fails instance updates while fail is set.
type flakyStore struct {
	*persistence.InMemoryStore
	fail atomic.Bool
}

func (s *flakyStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.InMemoryStore.UpdateInstance(ctx, inst)
}

func retryWorkflow(h *harness, t *testing.T, id, unitID string, base time.Duration) {
	t.Helper()
	h.register(t, api.WorkflowDefinition{
		ID:            id,
		StartStepID:   "sync",
		ErrorStrategy: api.StrategyRetry,
		Retry:         api.RetryPolicy{MaxRetries: 3, BaseDelay: base},
		Steps:         []api.Step{{ID: "sync", UnitID: unitID, Required: true}},
	})
}

func TestCallerCancelMidStep_ParksInsteadOfFailing(t *testing.T) {
	h := newHarness(t)

	started := make(chan struct{})
	var calls atomic.Int32
	h.addUnit(t, "inventory", func(ctx context.Context, _ map[string]any) api.Result {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return api.FailWith(ctx.Err())
		}
		return api.OK(map[string]any{"stock": 7})
	})
	retryWorkflow(h, t, "stock-sync", "inventory", time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	inst, err := h.eng.Start(ctx, "stock-sync", nil)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, inst)
	assert.Equal(t, api.StateRunning, inst.State)
	assert.Empty(t, inst.StepHistory, "the interrupted attempt is not recorded")
	assert.Zero(t, inst.RetryCounts["sync"], "the interrupted attempt does not use up a retry")
	require.NotEmpty(t, inst.ResumeToken)

	task := h.queue.last(t)
	assert.Equal(t, inst.ResumeToken, task.Token)
	assert.Equal(t, task.EnqueuedAt, task.NotBefore, "resumes without delay")

	require.NoError(t, h.eng.HandleTask(context.Background(), &task))
	done, err := h.eng.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StateCompleted, done.State)
	assert.Equal(t, 7, done.Output["stock"])
	assert.EqualValues(t, 2, calls.Load())
}

func TestCallerCancelDuringInlineBackoff_RecoveredLater(t *testing.T) {
	h := newHarness(t, withRealClock(), withoutQueue())

	var calls atomic.Int32
	h.addUnit(t, "carrier", func(context.Context, map[string]any) api.Result {
		if calls.Add(1) == 1 {
			return api.Fail(api.CodeUpstream, "503", true)
		}
		return api.OK(map[string]any{"tracking": "CJ77"})
	})
	retryWorkflow(h, t, "tracking", "carrier", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			list, err := h.store.ListInstances(context.Background(), persistence.InstanceFilter{DefinitionID: "tracking"})
			if err == nil && len(list) == 1 && list[0].RetryCounts["sync"] == 1 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	inst, err := h.eng.Start(ctx, "tracking", nil)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, inst)
	assert.Equal(t, api.StateRunning, inst.State)
	assert.Equal(t, 1, inst.RetryCounts["sync"])
	assert.Len(t, inst.StepHistory, 1)

	n, err := h.eng.RecoverInstances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done, err := h.eng.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StateCompleted, done.State)
	assert.Equal(t, "CJ77", done.Output["tracking"])
}

func TestRecoverInstances_ResumesRunningOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addUnit(t, "order", echo(map[string]any{"status": "confirmed"}))
	h.register(t, api.WorkflowDefinition{
		ID:          "order-check",
		StartStepID: "lookup",
		Steps:       []api.Step{{ID: "lookup", UnitID: "order", Required: true}},
	})

	now := h.clock.Now()
	stuck := &api.WorkflowInstance{
		ID:            "inst-stuck",
		DefinitionID:  "order-check",
		Version:       DefaultVersion,
		State:         api.StateRunning,
		CurrentStepID: "lookup",
		RetryCounts:   map[string]int{},
		Input:         map[string]any{"order_id": "ORD-20250301-0007"},
		ResumeToken:   "from-before-restart",
		ActiveSince:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, h.store.SaveInstance(ctx, stuck))
	completed := &api.WorkflowInstance{
		ID:            "inst-done",
		DefinitionID:  "order-check",
		Version:       DefaultVersion,
		State:         api.StateCompleted,
		CurrentStepID: "lookup",
		RetryCounts:   map[string]int{},
		Output:        map[string]any{"status": "confirmed"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, h.store.SaveInstance(ctx, completed))

	n, err := h.eng.RecoverInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, h.queue.Len())

	task := h.queue.last(t)
	assert.Equal(t, "inst-stuck", task.InstanceID)
	assert.NotEqual(t, "from-before-restart", task.Token)

	// A resumption issued before the restart is stale now.
	old := task
	old.Token = "from-before-restart"
	require.NoError(t, h.eng.HandleTask(ctx, &old))
	got, err := h.eng.GetInstance(ctx, "inst-stuck")
	require.NoError(t, err)
	assert.Equal(t, api.StateRunning, got.State)

	require.NoError(t, h.eng.HandleTask(ctx, &task))
	got, err = h.eng.GetInstance(ctx, "inst-stuck")
	require.NoError(t, err)
	assert.Equal(t, api.StateCompleted, got.State)
	assert.Equal(t, "ORD-20250301-0007", got.Output["order_id"])

	untouched, err := h.eng.GetInstance(ctx, "inst-done")
	require.NoError(t, err)
	assert.Equal(t, completed.UpdatedAt, untouched.UpdatedAt)
}

func TestTick_ReconcilesExpiryAfterFailedSave(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{InMemoryStore: persistence.NewInMemoryStore()}
	h := newHarness(t, func(cfg *Config, _ *harness) {
		cfg.Instances = flaky
		cfg.Events = flaky
	})
	refundWorkflow(h, t)

	inst, err := h.eng.Start(ctx, "refund", map[string]any{"amount": 800000})
	require.NoError(t, err)
	require.Equal(t, api.StateWaitingApproval, inst.State)

	h.clock.Advance(2 * time.Hour)
	flaky.fail.Store(true)
	cancelled, err := h.eng.Tick(ctx)
	require.Error(t, err)
	assert.Empty(t, cancelled)

	req, err := h.eng.Approvals().Get(ctx, inst.PendingApprovalID)
	require.NoError(t, err)
	assert.Equal(t, api.ApprovalExpired, req.Status)
	stuck, err := h.eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StateWaitingApproval, stuck.State)

	flaky.fail.Store(false)
	cancelled, err = h.eng.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, inst.ID, cancelled[0].ID)
	assert.Equal(t, api.StateCancelled, cancelled[0].State)
	assert.Contains(t, cancelled[0].Error, "expired")

	cancelled, err = h.eng.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, cancelled)
}

func TestTick_CancelsInstanceWaitingOnUnknownApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	refundWorkflow(h, t)

	now := h.clock.Now()
	require.NoError(t, h.store.SaveInstance(ctx, &api.WorkflowInstance{
		ID:                "inst-orphan",
		DefinitionID:      "refund",
		Version:           DefaultVersion,
		State:             api.StateWaitingApproval,
		CurrentStepID:     "refund",
		PendingApprovalID: "lost-on-restart",
		ResumeStepID:      "notify",
		RetryCounts:       map[string]int{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}))

	cancelled, err := h.eng.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "inst-orphan", cancelled[0].ID)
	assert.Contains(t, cancelled[0].Error, "no longer exists")
}

func TestRuntimes_ReleasedWhenInstancesFinish(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	refundWorkflow(h, t)
	h.addUnit(t, "faq", echo(nil))
	h.register(t, api.WorkflowDefinition{ID: "faq", StartStepID: "answer", Steps: []api.Step{{ID: "answer", UnitID: "faq", Required: true}}})
	live := func() int {
		h.eng.mu.Lock()
		defer h.eng.mu.Unlock()
		return len(h.eng.runtimes)
	}

	for range 3 {
		inst, err := h.eng.Start(ctx, "faq", nil)
		require.NoError(t, err)
		require.Equal(t, api.StateCompleted, inst.State)
	}
	assert.Zero(t, live())

	waiting, err := h.eng.Start(ctx, "refund", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, live(), "a waiting instance keeps its runtime")

	_, err = h.eng.ResolveApproval(ctx, waiting.PendingApprovalID, false, "ops-lead", "")
	require.NoError(t, err)
	assert.Zero(t, live())
}
