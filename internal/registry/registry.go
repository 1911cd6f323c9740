// Package registry tracks registered units and executes them.
//
// Unit failures never surface as Go errors from Execute: every invocation
// that reaches a unit produces exactly one ExecutionRecord, successful or
// not. Only lookup failures (unknown or disabled unit) are returned as
// errors.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// RecordSink receives a copy of every execution record, for example an
// audit log in persistence.
type RecordSink interface {
	AppendRecord(ctx context.Context, rec api.ExecutionRecord) error
}

// Options describe how a unit participates in the hierarchy.
type Options struct {
	Kind     api.UnitKind
	ParentID string
	Tags     []string
}

type entry struct {
	unit     api.Unit
	kind     api.UnitKind
	parentID string
	tags     []string

	mu        sync.Mutex
	history   []api.ExecutionRecord
	successes int
	failures  int
}

// Registry is safe for concurrent use. Lookups and executions proceed in
// parallel; registration and unregistration are serialized against them.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	sink   RecordSink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithRecordSink forwards every execution record to sink. Sink failures are
// logged and otherwise ignored.
func WithRecordSink(sink RecordSink) Option {
	return func(r *Registry) { r.sink = sink }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds u. It fails with api.ErrAlreadyRegistered when the id is
// taken and with a *api.NotFoundError when the parent is unknown.
func (r *Registry) Register(u api.Unit, opts Options) error {
	if u == nil || u.ID() == "" {
		return errors.New("registry: unit must have an id")
	}
	if opts.Kind == "" {
		opts.Kind = api.KindBase
		if opts.ParentID != "" {
			opts.Kind = api.KindSub
		}
	}
	if !opts.Kind.Valid() {
		return fmt.Errorf("registry: unknown unit kind %q", opts.Kind)
	}
	if opts.Kind == api.KindSub && opts.ParentID == "" {
		return fmt.Errorf("registry: subordinate unit %q needs a parent", u.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := u.ID()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("registry: unit %q: %w", id, api.ErrAlreadyRegistered)
	}
	if opts.ParentID != "" {
		if _, ok := r.entries[opts.ParentID]; !ok {
			return api.NewNotFound("parent unit", opts.ParentID)
		}
	}
	r.entries[id] = &entry{
		unit:     u,
		kind:     opts.Kind,
		parentID: opts.ParentID,
		tags:     append([]string(nil), opts.Tags...),
	}
	return nil
}

// Unregister removes a unit. Its children keep their parent id.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return api.NewNotFound("unit", id)
	}
	delete(r.entries, id)
	return nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, api.NewNotFound("unit", id)
	}
	return e, nil
}

// Get returns the unit registered under id.
func (r *Registry) Get(id string) (api.Unit, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.unit, nil
}

// Kind returns the kind the unit was registered with.
func (r *Registry) Kind(id string) (api.UnitKind, error) {
	e, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return e.kind, nil
}

// IDs returns all registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Children returns the sorted ids of units registered with parentID.
func (r *Registry) Children(parentID string) []string {
	return r.filter(func(e *entry) bool { return e.parentID == parentID && parentID != "" })
}

// ByTag returns the sorted ids of units carrying tag.
func (r *Registry) ByTag(tag string) []string {
	return r.filter(func(e *entry) bool {
		for _, t := range e.tags {
			if t == tag {
				return true
			}
		}
		return false
	})
}

func (r *Registry) filter(keep func(*entry) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, e := range r.entries {
		if keep(e) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// History returns a copy of the unit's execution records, oldest first.
func (r *Registry) History(id string) ([]api.ExecutionRecord, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]api.ExecutionRecord(nil), e.history...), nil
}

// UnitInfo is a read-only view of one registry entry.
type UnitInfo struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Kind           api.UnitKind   `json:"kind"`
	ParentID       string         `json:"parent_id,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Status         api.UnitStatus `json:"status"`
	Config         api.UnitConfig `json:"config"`
	ExecutionCount int            `json:"execution_count"`
	Successes      int            `json:"successes"`
	Failures       int            `json:"failures"`
}

// Describe returns the registry's view of a unit.
func (r *Registry) Describe(id string) (UnitInfo, error) {
	e, err := r.lookup(id)
	if err != nil {
		return UnitInfo{}, err
	}
	cfg := e.unit.Config()
	e.mu.Lock()
	defer e.mu.Unlock()
	return UnitInfo{
		ID:             id,
		Name:           cfg.Name,
		Kind:           e.kind,
		ParentID:       e.parentID,
		Tags:           append([]string(nil), e.tags...),
		Status:         e.unit.Status(),
		Config:         cfg,
		ExecutionCount: len(e.history),
		Successes:      e.successes,
		Failures:       e.failures,
	}, nil
}
