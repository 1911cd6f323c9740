package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

var baseTime = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

func sampleInstance(id, defID string, state api.State, offset time.Duration) *api.WorkflowInstance {
	created := baseTime.Add(offset)
	return &api.WorkflowInstance{
		ID:            id,
		DefinitionID:  defID,
		Version:       "v1",
		State:         state,
		CurrentStepID: "check",
		StepHistory: []api.StepResult{{
			StepID:    "check",
			UnitID:    "order",
			Success:   false,
			Error:     api.Recoverable(api.CodeTimeout, "slow"),
			StartedAt: created,
			Duration:  150 * time.Millisecond,
		}},
		RetryCounts: map[string]int{"check": 1},
		Input:       map[string]any{"order_id": "ORD-20250201-0001", "amount": 600000, "tags": []any{"vip"}},
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

// testInstanceStore exercises the InstanceStore contract. Every
// implementation runs it against a fresh store.
func testInstanceStore(t *testing.T, store InstanceStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("save get update", func(t *testing.T) {
		inst := sampleInstance("wf-1", "refund", api.StateRunning, 0)
		require.NoError(t, store.SaveInstance(ctx, inst))

		got, err := store.GetInstance(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "refund", got.DefinitionID)
		assert.Equal(t, api.StateRunning, got.State)
		assert.Equal(t, 1, got.RetryCounts["check"])
		assert.Equal(t, "ORD-20250201-0001", got.Input["order_id"])
		assert.Equal(t, 600000, got.Input["amount"])
		require.Len(t, got.StepHistory, 1)
		require.NotNil(t, got.StepHistory[0].Error)
		assert.Equal(t, api.CodeTimeout, got.StepHistory[0].Error.Code)
		assert.True(t, got.CreatedAt.Equal(inst.CreatedAt))

		got.State = api.StateCompleted
		got.Output = map[string]any{"refunded": true}
		got.UpdatedAt = baseTime.Add(time.Minute)
		require.NoError(t, store.UpdateInstance(ctx, got))

		again, err := store.GetInstance(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, api.StateCompleted, again.State)
		assert.Equal(t, true, again.Output["refunded"])
	})

	t.Run("duplicate save fails", func(t *testing.T) {
		inst := sampleInstance("wf-dup", "refund", api.StatePending, time.Second)
		require.NoError(t, store.SaveInstance(ctx, inst))
		assert.Error(t, store.SaveInstance(ctx, inst))
	})

	t.Run("missing instance", func(t *testing.T) {
		_, err := store.GetInstance(ctx, "does-not-exist")
		assert.ErrorIs(t, err, ErrInstanceNotFound)
		assert.ErrorIs(t, err, api.ErrNotFound)

		err = store.UpdateInstance(ctx, sampleInstance("does-not-exist", "refund", api.StateRunning, 0))
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("list with filters", func(t *testing.T) {
		require.NoError(t, store.SaveInstance(ctx, sampleInstance("list-b", "restock", api.StatePaused, 3*time.Second)))
		require.NoError(t, store.SaveInstance(ctx, sampleInstance("list-a", "restock", api.StateRunning, 2*time.Second)))

		moved, err := store.GetInstance(ctx, "list-a")
		require.NoError(t, err)
		moved.State = api.StateFailed
		require.NoError(t, store.UpdateInstance(ctx, moved))

		all, err := store.ListInstances(ctx, InstanceFilter{DefinitionID: "restock"})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "list-a", all[0].ID, "ordered by creation time")
		assert.Equal(t, "list-b", all[1].ID)

		failed, err := store.ListInstances(ctx, InstanceFilter{DefinitionID: "restock", State: api.StateFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "list-a", failed[0].ID)

		running, err := store.ListInstances(ctx, InstanceFilter{State: api.StateRunning})
		require.NoError(t, err)
		for _, inst := range running {
			assert.NotEqual(t, "list-a", inst.ID, "state index must follow updates")
		}
	})
}

func sampleApproval(id string, status api.ApprovalStatus, offset time.Duration) *api.ApprovalRequest {
	at := baseTime.Add(offset)
	return &api.ApprovalRequest{
		ID:               id,
		RequestingUnitID: "cs",
		InstanceID:       "wf-1",
		StepID:           "refund",
		Title:            "Refund 600,000 KRW",
		Payload:          map[string]any{"amount": 600000},
		Level:            api.ApprovalHigh,
		Status:           status,
		RequestedAt:      at,
		ExpiresAt:        at.Add(time.Hour),
	}
}

func testApprovalStore(t *testing.T, store ApprovalStore) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.SaveApproval(ctx, sampleApproval("ap-2", api.ApprovalPending, time.Minute)))
	require.NoError(t, store.SaveApproval(ctx, sampleApproval("ap-1", api.ApprovalPending, 0)))
	require.NoError(t, store.SaveApproval(ctx, sampleApproval("ap-3", api.ApprovalApproved, 2*time.Minute)))
	assert.Error(t, store.SaveApproval(ctx, sampleApproval("ap-1", api.ApprovalPending, 0)))

	got, err := store.GetApproval(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, api.ApprovalHigh, got.Level)
	assert.Equal(t, 600000, got.Payload["amount"])

	got.Status = api.ApprovalRejected
	got.ApproverID = "ops-lead"
	require.NoError(t, store.UpdateApproval(ctx, got))

	pending, err := store.ListApprovals(ctx, api.ApprovalPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ap-2", pending[0].ID)

	all, err := store.ListApprovals(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"ap-1", "ap-2", "ap-3"}, []string{all[0].ID, all[1].ID, all[2].ID})

	_, err = store.GetApproval(ctx, "missing")
	assert.ErrorIs(t, err, ErrApprovalNotFound)
	assert.ErrorIs(t, store.UpdateApproval(ctx, sampleApproval("missing", api.ApprovalPending, 0)), ErrApprovalNotFound)
}

func testEventStore(t *testing.T, store EventStore) {
	t.Helper()
	ctx := context.Background()

	events := []api.WorkflowEvent{
		{InstanceID: "wf-1", At: baseTime, Type: api.EventInstanceCreated, DefinitionID: "refund"},
		{InstanceID: "wf-2", At: baseTime, Type: api.EventInstanceCreated, DefinitionID: "refund"},
		{InstanceID: "wf-1", At: baseTime.Add(time.Second), Type: api.EventStepStarted, DefinitionID: "refund", StepID: "check"},
	}
	for _, ev := range events {
		require.NoError(t, store.AppendEvent(ctx, ev))
	}

	got, err := store.ListEvents(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, api.EventInstanceCreated, got[0].Type)
	assert.Equal(t, "check", got[1].StepID)
	assert.True(t, got[1].At.Equal(baseTime.Add(time.Second)))

	none, err := store.ListEvents(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testRecordStore(t *testing.T, store RecordStore) {
	t.Helper()
	ctx := context.Background()

	recs := []api.ExecutionRecord{
		{ExecutionID: "e1", UnitID: "order", StartedAt: baseTime, Input: map[string]any{"q": "a"}, Result: api.OK(map[string]any{"n": 1})},
		{ExecutionID: "e2", UnitID: "cs", StartedAt: baseTime, Result: api.Fail(api.CodeTimeout, "slow", true)},
		{ExecutionID: "e3", UnitID: "order", StartedAt: baseTime.Add(time.Second), Result: api.OK(nil)},
	}
	for _, rec := range recs {
		require.NoError(t, store.AppendRecord(ctx, rec))
	}

	order, err := store.ListRecords(ctx, "order")
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, "e1", order[0].ExecutionID)
	assert.Equal(t, 1, order[0].Result.Data["n"])
	assert.Equal(t, "e3", order[1].ExecutionID)

	all, err := store.ListRecords(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.NotNil(t, all[1].Result.Error)
	assert.True(t, all[1].Result.Error.Recoverable)
}
