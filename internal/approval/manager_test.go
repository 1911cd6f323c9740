package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []api.Notification
	err  error
}

func (n *captureNotifier) Notify(_ context.Context, note api.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return n.err
}

func TestRequest_CreatesPendingAndNotifies(t *testing.T) {
	clock := newFakeClock()
	notes := &captureNotifier{}
	m := NewManager(Config{Clock: clock.Now, Notifier: notes, DefaultTTL: time.Hour})

	req, err := m.Request(context.Background(), Ask{
		UnitID:  "cs",
		Title:   "Refund 600,000 KRW",
		Payload: map[string]any{"amount": 600000},
		Level:   api.ApprovalHigh,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, api.ApprovalPending, req.Status)
	assert.Equal(t, clock.Now(), req.RequestedAt)
	assert.Equal(t, clock.Now().Add(time.Hour), req.ExpiresAt)
	assert.False(t, req.ExpiresAt.Before(req.RequestedAt))

	require.Len(t, notes.sent, 1)
	assert.Equal(t, api.P1Urgent, notes.sent[0].Priority)
	assert.Equal(t, "/approvals/"+req.ID, notes.sent[0].Link)

	_, err = m.Request(context.Background(), Ask{UnitID: "cs"})
	assert.Error(t, err, "title is required")
}

func TestRequest_NotifierFailureIsIgnored(t *testing.T) {
	m := NewManager(Config{Notifier: &captureNotifier{err: errors.New("sms gateway down")}})
	_, err := m.Request(context.Background(), Ask{Title: "restock", TTL: time.Minute})
	require.NoError(t, err)
}

func TestResolve_TerminalStatesNeverReopen(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{})
	req, err := m.Request(ctx, Ask{Title: "price change"})
	require.NoError(t, err)

	got, err := m.Resolve(ctx, req.ID, true, "ops-lead", "looks good")
	require.NoError(t, err)
	assert.Equal(t, api.ApprovalApproved, got.Status)
	assert.Equal(t, "ops-lead", got.ApproverID)

	got, err = m.Resolve(ctx, req.ID, false, "someone-else", "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, api.ApprovalApproved, got.Status)

	_, err = m.Resolve(ctx, "missing", true, "x", "")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestResolve_AfterDeadlineExpires(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewManager(Config{Clock: clock.Now})
	req, err := m.Request(ctx, Ask{Title: "bulk discount", TTL: time.Minute})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	got, err := m.Resolve(ctx, req.ID, true, "ops-lead", "")
	assert.ErrorIs(t, err, ErrExpired)
	require.NotNil(t, got)
	assert.Equal(t, api.ApprovalExpired, got.Status)

	_, err = m.Resolve(ctx, req.ID, true, "ops-lead", "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestExpireDue(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewManager(Config{Clock: clock.Now})

	short, err := m.Request(ctx, Ask{Title: "short", TTL: time.Minute})
	require.NoError(t, err)
	long, err := m.Request(ctx, Ask{Title: "long", TTL: time.Hour})
	require.NoError(t, err)

	expired, err := m.ExpireDue(ctx, clock.Now().Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, short.ID, expired[0].ID)
	assert.Equal(t, api.ApprovalExpired, expired[0].Status)

	pending, err := m.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, long.ID, pending[0].ID)
}

func TestAwait_WakesOnResolve(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{})
	req, err := m.Request(ctx, Ask{Title: "refund"})
	require.NoError(t, err)

	done := make(chan *api.ApprovalRequest, 1)
	go func() {
		got, err := m.Await(ctx, req.ID)
		if err == nil {
			done <- got
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = m.Resolve(ctx, req.ID, false, "ops-lead", "too large")
	require.NoError(t, err)

	select {
	case got := <-done:
		require.NotNil(t, got)
		assert.Equal(t, api.ApprovalRejected, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after Resolve")
	}
}

func TestAwait_ExpiresOnDeadline(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{})
	req, err := m.Request(ctx, Ask{Title: "refund", TTL: 30 * time.Millisecond})
	require.NoError(t, err)

	got, err := m.Await(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, api.ApprovalExpired, got.Status)
}

func TestAwait_ContextCancel(t *testing.T) {
	m := NewManager(Config{})
	req, err := m.Request(context.Background(), Ask{Title: "refund"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Await(ctx, req.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.waiters, "cancelled waiters are dropped")
}

func TestPolicy_LevelFor(t *testing.T) {
	p := DefaultPolicy()
	cases := []struct {
		name    string
		payload map[string]any
		want    api.ApprovalLevel
	}{
		{"at threshold", map[string]any{"amount": 500000}, api.ApprovalHigh},
		{"above threshold float", map[string]any{"amount": 750000.5}, api.ApprovalHigh},
		{"below threshold", map[string]any{"amount": 499999}, api.ApprovalLow},
		{"numeric string", map[string]any{"amount": "120000"}, api.ApprovalLow},
		{"no amount", map[string]any{"sku": "BLANKET-01"}, api.ApprovalMedium},
		{"garbage amount", map[string]any{"amount": "lots"}, api.ApprovalMedium},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.LevelFor(tc.payload))
		})
	}

	assert.True(t, p.Small(map[string]any{"amount": 10}))
	assert.False(t, p.Small(map[string]any{}))

	custom := Policy{AmountThreshold: 1000, AmountKey: "total"}
	assert.Equal(t, api.ApprovalHigh, custom.LevelFor(map[string]any{"total": 1000}))
	assert.Equal(t, api.ApprovalHigh, Policy{}.LevelFor(map[string]any{"amount": 500000}), "zero policy uses defaults")
}
