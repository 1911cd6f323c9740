package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

func TestInMemoryStore_Instances(t *testing.T) {
	testInstanceStore(t, NewInMemoryStore())
}

func TestInMemoryStore_Approvals(t *testing.T) {
	testApprovalStore(t, NewInMemoryStore())
}

func TestInMemoryStore_Events(t *testing.T) {
	testEventStore(t, NewInMemoryStore())
}

func TestInMemoryStore_Records(t *testing.T) {
	testRecordStore(t, NewInMemoryStore())
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	inst := sampleInstance("wf-1", "refund", api.StateRunning, 0)
	require.NoError(t, store.SaveInstance(ctx, inst))

	// Mutating the caller's value must not leak into the store.
	inst.State = api.StateFailed
	inst.RetryCounts["check"] = 9
	inst.Input["order_id"] = "changed"

	got, err := store.GetInstance(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, api.StateRunning, got.State)
	assert.Equal(t, 1, got.RetryCounts["check"])
	assert.Equal(t, "ORD-20250201-0001", got.Input["order_id"])

	got.StepHistory[0].UnitID = "changed"
	again, err := store.GetInstance(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "order", again.StepHistory[0].UnitID)
}

func TestNewInMemoryPersistence_SharesOneStore(t *testing.T) {
	p := NewInMemoryPersistence()
	mem, ok := p.Instances.(*InMemoryStore)
	require.True(t, ok)
	assert.Same(t, mem, p.Approvals)
	assert.Same(t, mem, p.Events)
	assert.Same(t, mem, p.Records)
}

func TestNoopEventStore(t *testing.T) {
	var s EventStore = NoopEventStore{}
	require.NoError(t, s.AppendEvent(context.Background(), api.WorkflowEvent{InstanceID: "x"}))
	evs, err := s.ListEvents(context.Background(), "x")
	require.NoError(t, err)
	assert.Empty(t, evs)
}
