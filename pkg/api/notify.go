package api

import "context"

// Notification is a human-facing message handed to an external delivery
// system.
type Notification struct {
	Priority PriorityTier `json:"priority"`
	Category string       `json:"category"`
	Title    string       `json:"title"`
	Body     string       `json:"body,omitempty"`
	Link     string       `json:"link,omitempty"`
}

// Notifier delivers notifications. Delivery errors are reported to the
// caller, which logs them; they never change workflow or unit state.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// NoopNotifier drops every notification.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, Notification) error { return nil }

// PriorityForLevel maps an approval level to the notification priority used
// when asking for sign-off.
func PriorityForLevel(l ApprovalLevel) PriorityTier {
	switch {
	case l >= ApprovalCritical:
		return P0Critical
	case l >= ApprovalHigh:
		return P1Urgent
	case l >= ApprovalMedium:
		return P2High
	}
	return P3Normal
}
