package api

import "time"

// ApprovalStatus is the resolution state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether s is a final status. Terminal requests never
// reopen.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// ApprovalRequest is a pending or resolved human sign-off.
type ApprovalRequest struct {
	ID               string         `json:"id"`
	RequestingUnitID string         `json:"requesting_unit_id"`
	InstanceID       string         `json:"instance_id,omitempty"`
	StepID           string         `json:"step_id,omitempty"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	Level            ApprovalLevel  `json:"level"`
	Status           ApprovalStatus `json:"status"`
	RequestedAt      time.Time      `json:"requested_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
	ResolvedAt       time.Time      `json:"resolved_at,omitempty"`
	ApproverID       string         `json:"approver_id,omitempty"`
	Reason           string         `json:"reason,omitempty"`
}

// Expired reports whether the request is still pending past its deadline.
func (r *ApprovalRequest) Expired(now time.Time) bool {
	return r.Status == ApprovalPending && now.After(r.ExpiresAt)
}

// Clone returns a copy of the request that shares no mutable state.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = CloneMap(r.Payload)
	return &c
}
