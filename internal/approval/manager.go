// Package approval manages human sign-off requests: creation, resolution,
// expiry, and blocking waits for subordinate approval proxies.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/persistence"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// DefaultTTL is used when neither the ask nor the manager sets one.
const DefaultTTL = 24 * time.Hour

var (
	// ErrAlreadyResolved is returned when resolving a request that is no
	// longer pending.
	ErrAlreadyResolved = errors.New("approval already resolved")

	// ErrExpired is returned when resolving a request past its deadline.
	// The request is marked expired as a side effect.
	ErrExpired = errors.New("approval expired")
)

// Store persists approval requests.
type Store interface {
	SaveApproval(ctx context.Context, req *api.ApprovalRequest) error
	UpdateApproval(ctx context.Context, req *api.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*api.ApprovalRequest, error)
	ListApprovals(ctx context.Context, status api.ApprovalStatus) ([]*api.ApprovalRequest, error)
}

// Ask describes a new approval request.
type Ask struct {
	UnitID      string
	InstanceID  string
	StepID      string
	Title       string
	Description string
	Payload     map[string]any
	Level       api.ApprovalLevel

	// TTL bounds how long the request stays pending. Zero or negative uses
	// the manager default.
	TTL time.Duration
}

// Config configures a Manager. All fields are optional.
type Config struct {
	Store      Store
	Notifier   api.Notifier
	Clock      func() time.Time
	DefaultTTL time.Duration
	Logger     *slog.Logger
}

// Manager creates and resolves approval requests. It is safe for
// concurrent use.
type Manager struct {
	store      Store
	notifier   api.Notifier
	now        func() time.Time
	defaultTTL time.Duration
	logger     *slog.Logger

	// mu serializes status changes so a request resolves exactly once.
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// NewManager returns a Manager. A nil store defaults to an in-memory store.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:      cfg.Store,
		notifier:   cfg.Notifier,
		now:        cfg.Clock,
		defaultTTL: cfg.DefaultTTL,
		logger:     cfg.Logger,
		waiters:    make(map[string][]chan struct{}),
	}
	if m.store == nil {
		m.store = persistence.NewInMemoryStore()
	}
	if m.notifier == nil {
		m.notifier = api.NoopNotifier{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.defaultTTL <= 0 {
		m.defaultTTL = DefaultTTL
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Request creates and persists a pending request, then notifies.
func (m *Manager) Request(ctx context.Context, ask Ask) (*api.ApprovalRequest, error) {
	if ask.Title == "" {
		return nil, errors.New("approval: title is required")
	}
	ttl := ask.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := m.now()
	req := &api.ApprovalRequest{
		ID:               uuid.NewString(),
		RequestingUnitID: ask.UnitID,
		InstanceID:       ask.InstanceID,
		StepID:           ask.StepID,
		Title:            ask.Title,
		Description:      ask.Description,
		Payload:          api.CloneMap(ask.Payload),
		Level:            ask.Level,
		Status:           api.ApprovalPending,
		RequestedAt:      now,
		ExpiresAt:        now.Add(ttl),
	}
	if err := m.store.SaveApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("approval: save: %w", err)
	}

	m.logger.InfoContext(ctx, "approval_requested",
		slog.String("approval_id", req.ID),
		slog.String("unit", req.RequestingUnitID),
		slog.String("instance_id", req.InstanceID),
		slog.String("level", req.Level.String()),
	)
	m.notify(ctx, api.Notification{
		Priority: api.PriorityForLevel(req.Level),
		Category: "approval",
		Title:    req.Title,
		Body:     req.Description,
		Link:     "/approvals/" + req.ID,
	})
	return req.Clone(), nil
}

// Resolve approves or rejects a pending request. Resolving a request that
// is not pending fails with ErrAlreadyResolved. Resolving one past its
// deadline marks it expired and fails with ErrExpired; the expired request
// is returned alongside the error.
func (m *Manager) Resolve(ctx context.Context, id string, approved bool, approverID, reason string) (*api.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return req, fmt.Errorf("approval %s is %s: %w", id, req.Status, ErrAlreadyResolved)
	}

	now := m.now()
	if req.Expired(now) {
		if err := m.expireLocked(ctx, req, now); err != nil {
			return nil, err
		}
		return req.Clone(), fmt.Errorf("approval %s: %w", id, ErrExpired)
	}

	req.Status = api.ApprovalRejected
	if approved {
		req.Status = api.ApprovalApproved
	}
	req.ResolvedAt = now
	req.ApproverID = approverID
	req.Reason = reason
	if err := m.store.UpdateApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("approval: update: %w", err)
	}
	m.wakeLocked(id)

	m.logger.InfoContext(ctx, "approval_resolved",
		slog.String("approval_id", id),
		slog.String("status", string(req.Status)),
		slog.String("approver", approverID),
	)
	return req.Clone(), nil
}

// ExpireDue marks every pending request whose deadline is before now as
// expired and returns them.
func (m *Manager) ExpireDue(ctx context.Context, now time.Time) ([]*api.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.store.ListApprovals(ctx, api.ApprovalPending)
	if err != nil {
		return nil, err
	}
	var expired []*api.ApprovalRequest
	for _, req := range pending {
		if !req.Expired(now) {
			continue
		}
		if err := m.expireLocked(ctx, req, now); err != nil {
			return expired, err
		}
		expired = append(expired, req.Clone())
	}
	return expired, nil
}

func (m *Manager) expireLocked(ctx context.Context, req *api.ApprovalRequest, now time.Time) error {
	req.Status = api.ApprovalExpired
	req.ResolvedAt = now
	req.Reason = "expired without response"
	if err := m.store.UpdateApproval(ctx, req); err != nil {
		return fmt.Errorf("approval: expire %s: %w", req.ID, err)
	}
	m.wakeLocked(req.ID)
	m.logger.InfoContext(ctx, "approval_expired", slog.String("approval_id", req.ID))
	return nil
}

func (m *Manager) wakeLocked(id string) {
	for _, ch := range m.waiters[id] {
		close(ch)
	}
	delete(m.waiters, id)
}

// Await blocks until the request is terminal or ctx is done. A request that
// reaches its deadline while waiting is expired by Await itself.
func (m *Manager) Await(ctx context.Context, id string) (*api.ApprovalRequest, error) {
	for {
		m.mu.Lock()
		req, err := m.store.GetApproval(ctx, id)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if req.Status.Terminal() {
			m.mu.Unlock()
			return req, nil
		}
		now := m.now()
		if req.Expired(now) {
			err := m.expireLocked(ctx, req, now)
			m.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return req.Clone(), nil
		}
		ch := make(chan struct{})
		m.waiters[id] = append(m.waiters[id], ch)
		m.mu.Unlock()

		timer := time.NewTimer(req.ExpiresAt.Sub(now) + time.Millisecond)
		select {
		case <-ch:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			m.dropWaiter(id, ch)
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

func (m *Manager) dropWaiter(id string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.waiters[id]
	for i, c := range list {
		if c == ch {
			m.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.waiters[id]) == 0 {
		delete(m.waiters, id)
	}
}

// Get returns a request by id.
func (m *Manager) Get(ctx context.Context, id string) (*api.ApprovalRequest, error) {
	return m.store.GetApproval(ctx, id)
}

// ListPending returns pending requests ordered by RequestedAt.
func (m *Manager) ListPending(ctx context.Context) ([]*api.ApprovalRequest, error) {
	reqs, err := m.store.ListApprovals(ctx, api.ApprovalPending)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].RequestedAt.Before(reqs[j].RequestedAt) })
	return reqs, nil
}

func (m *Manager) notify(ctx context.Context, n api.Notification) {
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.WarnContext(ctx, "approval notification failed",
			slog.String("title", n.Title),
			slog.Any("error", err),
		)
	}
}
