// Package persistence stores workflow instances, approval requests, event
// history and unit execution records.
//
// Every store has an in-memory implementation and a SQLite implementation.
// Instances can also be stored in Redis, PostgreSQL or MongoDB.
package persistence

import (
	"context"
	"fmt"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = fmt.Errorf("instance %w", api.ErrNotFound)

	// ErrApprovalNotFound is returned when an approval request is not found.
	ErrApprovalNotFound = fmt.Errorf("approval %w", api.ErrNotFound)
)

// InstanceFilter is used to select instances from the store.
// Empty fields mean "no filter" for that field.
type InstanceFilter struct {
	DefinitionID string
	State        api.State
}

// Match reports whether inst passes the filter.
func (f InstanceFilter) Match(inst *api.WorkflowInstance) bool {
	if f.DefinitionID != "" && inst.DefinitionID != f.DefinitionID {
		return false
	}
	if f.State != "" && inst.State != f.State {
		return false
	}
	return true
}

// InstanceStore handles storage of workflow instances. Implementations
// store and return copies; callers never share memory with the store.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error
	UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	// ListInstances returns matching instances ordered by creation time.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)
}

// ApprovalStore handles storage of approval requests.
type ApprovalStore interface {
	SaveApproval(ctx context.Context, req *api.ApprovalRequest) error
	UpdateApproval(ctx context.Context, req *api.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*api.ApprovalRequest, error)
	// ListApprovals returns requests with the given status, or all requests
	// when status is empty.
	ListApprovals(ctx context.Context, status api.ApprovalStatus) ([]*api.ApprovalRequest, error)
}

// EventStore is an append-only history store for workflow execution events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.WorkflowEvent) error
	ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error)
}

// RecordStore is an append-only audit log of unit executions.
type RecordStore interface {
	AppendRecord(ctx context.Context, rec api.ExecutionRecord) error
	// ListRecords returns the records of one unit, or of all units when
	// unitID is empty, oldest first.
	ListRecords(ctx context.Context, unitID string) ([]api.ExecutionRecord, error)
}

// Persistence bundles the store interfaces so callers can wire a single
// value.
type Persistence struct {
	Instances InstanceStore
	Approvals ApprovalStore
	Events    EventStore
	Records   RecordStore
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	return nil, nil
}
