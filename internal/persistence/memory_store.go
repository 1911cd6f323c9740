package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// InMemoryStore implements every store interface in process memory. Values
// are copied on the way in and out.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.WorkflowInstance
	approvals map[string]*api.ApprovalRequest
	events    map[string][]api.WorkflowEvent
	records   []api.ExecutionRecord
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ InstanceStore = (*InMemoryStore)(nil)
	_ ApprovalStore = (*InMemoryStore)(nil)
	_ EventStore    = (*InMemoryStore)(nil)
	_ RecordStore   = (*InMemoryStore)(nil)
)

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.WorkflowInstance),
		approvals: make(map[string]*api.ApprovalRequest),
		events:    make(map[string][]api.WorkflowEvent),
	}
}

// NewInMemoryPersistence returns a Persistence whose stores all share one
// InMemoryStore.
func NewInMemoryPersistence() Persistence {
	mem := NewInMemoryStore()
	return Persistence{Instances: mem, Approvals: mem, Events: mem, Records: mem}
}

func (s *InMemoryStore) SaveInstance(_ context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("instance %s already exists", inst.ID)
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) UpdateInstance(_ context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; !exists {
		return ErrInstanceNotFound
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) GetInstance(_ context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (s *InMemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*api.WorkflowInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		if filter.Match(inst) {
			out = append(out, inst.Clone())
		}
	}
	sortInstances(out)
	return out, nil
}

func sortInstances(list []*api.WorkflowInstance) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func (s *InMemoryStore) SaveApproval(_ context.Context, req *api.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.approvals[req.ID]; exists {
		return fmt.Errorf("approval %s already exists", req.ID)
	}
	s.approvals[req.ID] = req.Clone()
	return nil
}

func (s *InMemoryStore) UpdateApproval(_ context.Context, req *api.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.approvals[req.ID]; !exists {
		return ErrApprovalNotFound
	}
	s.approvals[req.ID] = req.Clone()
	return nil
}

func (s *InMemoryStore) GetApproval(_ context.Context, id string) (*api.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.approvals[id]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	return req.Clone(), nil
}

func (s *InMemoryStore) ListApprovals(_ context.Context, status api.ApprovalStatus) ([]*api.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*api.ApprovalRequest
	for _, req := range s.approvals {
		if status == "" || req.Status == status {
			out = append(out, req.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, ev api.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.InstanceID] = append(s.events[ev.InstanceID], ev)
	return nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]api.WorkflowEvent(nil), s.events[instanceID]...), nil
}

func (s *InMemoryStore) AppendRecord(_ context.Context, rec api.ExecutionRecord) error {
	rec.Input = api.CloneMap(rec.Input)
	rec.Result.Data = api.CloneMap(rec.Result.Data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *InMemoryStore) ListRecords(_ context.Context, unitID string) ([]api.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []api.ExecutionRecord
	for _, rec := range s.records {
		if unitID == "" || rec.UnitID == unitID {
			out = append(out, rec)
		}
	}
	return out, nil
}
