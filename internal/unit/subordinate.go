package unit

import (
	"context"
	"errors"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// ErrNoParent is returned when a subordinate asks for approval but its
// handle has no approval callback.
var ErrNoParent = errors.New("unit: no parent to handle the request")

// Progress is a subordinate's progress report.
type Progress struct {
	Percentage int    `json:"percentage"`
	Step       string `json:"step,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ApprovalAsk is what a subordinate sends upward when it needs sign-off.
type ApprovalAsk struct {
	Title       string
	Description string
	Payload     map[string]any
	Level       api.ApprovalLevel
}

// ParentHandle is the only channel from a subordinate to its parent. It is
// built by the parent and passed to the subordinate at construction. Nil
// callbacks are no-ops, except OnApprovalRequest whose absence denies with
// ErrNoParent.
type ParentHandle struct {
	ParentID string

	OnTaskComplete    func(childID string, res api.Result)
	OnProgress        func(childID string, p Progress)
	OnError           func(childID string, err error, details map[string]any)
	OnApprovalRequest func(ctx context.Context, childID string, ask ApprovalAsk) (bool, error)
	OnNotify          func(ctx context.Context, childID string, n api.Notification) error
}

func (h ParentHandle) TaskComplete(childID string, res api.Result) {
	if h.OnTaskComplete != nil {
		h.OnTaskComplete(childID, res)
	}
}

func (h ParentHandle) ReportProgress(childID string, p Progress) {
	if p.Percentage < 0 {
		p.Percentage = 0
	}
	if p.Percentage > 100 {
		p.Percentage = 100
	}
	if h.OnProgress != nil {
		h.OnProgress(childID, p)
	}
}

func (h ParentHandle) ReportError(childID string, err error, details map[string]any) {
	if h.OnError != nil {
		h.OnError(childID, err, details)
	}
}

// RequestApproval asks the parent for sign-off and returns its decision.
func (h ParentHandle) RequestApproval(ctx context.Context, childID string, ask ApprovalAsk) (bool, error) {
	if h.OnApprovalRequest == nil {
		return false, ErrNoParent
	}
	return h.OnApprovalRequest(ctx, childID, ask)
}

func (h ParentHandle) Notify(ctx context.Context, childID string, n api.Notification) error {
	if h.OnNotify == nil {
		return nil
	}
	return h.OnNotify(ctx, childID, n)
}

// Sub is an embeddable subordinate. It reaches the outside world only
// through its ParentHandle.
type Sub struct {
	*Base
	parent ParentHandle
}

// NewSub returns a subordinate reporting to parent.
func NewSub(cfg api.UnitConfig, parent ParentHandle) *Sub {
	return &Sub{Base: NewBase(cfg), parent: parent}
}

func (s *Sub) Kind() api.UnitKind { return api.KindSub }

// Parent returns the handle the subordinate reports to.
func (s *Sub) Parent() ParentHandle { return s.parent }

func (s *Sub) ReportProgress(percentage int, step, message string) {
	s.parent.ReportProgress(s.ID(), Progress{Percentage: percentage, Step: step, Message: message})
}

// Complete reports res to the parent and returns it, so an execute body can
// end with "return s.Complete(res)".
func (s *Sub) Complete(res api.Result) api.Result {
	s.parent.TaskComplete(s.ID(), res)
	return res
}

// Fail reports err to the parent and returns it as a failed result.
func (s *Sub) Fail(err error, details map[string]any) api.Result {
	s.parent.ReportError(s.ID(), err, details)
	res := api.FailWith(err)
	s.parent.TaskComplete(s.ID(), res)
	return res
}

func (s *Sub) RequestApproval(ctx context.Context, ask ApprovalAsk) (bool, error) {
	return s.parent.RequestApproval(ctx, s.ID(), ask)
}

func (s *Sub) Notify(ctx context.Context, n api.Notification) error {
	return s.parent.Notify(ctx, s.ID(), n)
}

// SubExecFunc is the body of a subordinate execution. It receives the Sub
// so it can report upward.
type SubExecFunc func(ctx context.Context, s *Sub, input map[string]any) api.Result

// SubFunc is a subordinate backed by a function. Results are reported to
// the parent automatically.
type SubFunc struct {
	*Sub
	fn SubExecFunc
}

func NewSubFunc(cfg api.UnitConfig, parent ParentHandle, fn SubExecFunc) *SubFunc {
	return &SubFunc{Sub: NewSub(cfg, parent), fn: fn}
}

func (f *SubFunc) Execute(ctx context.Context, input map[string]any) api.Result {
	res := f.Run(ctx, input, func(ctx context.Context, input map[string]any) api.Result {
		return f.fn(ctx, f.Sub, input)
	})
	if !res.Success {
		f.parent.ReportError(f.ID(), res.Err(), nil)
	}
	f.parent.TaskComplete(f.ID(), res)
	return res
}
