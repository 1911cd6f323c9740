package unit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/approval"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/flags"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/registry"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// ErrNoApprover is returned when a supervisor has neither a parent nor an
// approver to send a request to.
var ErrNoApprover = errors.New("unit: no approver configured")

// Approver is the external approval surface a top-level supervisor
// escalates to. *approval.Manager implements it.
type Approver interface {
	Request(ctx context.Context, ask approval.Ask) (*api.ApprovalRequest, error)
	Await(ctx context.Context, id string) (*api.ApprovalRequest, error)
}

// SupervisorConfig configures a Supervisor. Registry is required.
type SupervisorConfig struct {
	Unit     api.UnitConfig
	Registry *registry.Registry

	// Parent makes the supervisor itself a subordinate. Approvals and
	// notifications are then escalated through it instead of Approver and
	// Notifier.
	Parent *ParentHandle

	Approver Approver
	Policy   approval.Policy
	Notifier api.Notifier
	Flags    *flags.Set
	Logger   *slog.Logger
	Tags     []string

	// Exec is the supervisor's own execute body. Nil returns the ids of its
	// children.
	Exec ExecFunc
}

// ChildError is one error reported by a subordinate.
type ChildError struct {
	ChildID string
	Err     error
	Details map[string]any
	At      time.Time
}

// Supervisor is an orchestrator unit. It spawns subordinates, tracks their
// progress and errors, and resolves their approval and notification
// requests so the subordinates never talk to those systems directly.
type Supervisor struct {
	*Base

	reg      *registry.Registry
	parent   *ParentHandle
	approver Approver
	policy   approval.Policy
	notifier api.Notifier
	flags    *flags.Set
	logger   *slog.Logger
	exec     ExecFunc

	mu       sync.Mutex
	progress map[string]Progress
	results  map[string]api.Result
	errs     []ChildError
}

// NewSupervisor builds a supervisor and registers it as an orchestrator.
// When cfg.Parent is set the parent id is recorded in the registry.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("unit: supervisor needs a registry")
	}
	s := &Supervisor{
		Base:     NewBase(cfg.Unit),
		reg:      cfg.Registry,
		parent:   cfg.Parent,
		approver: cfg.Approver,
		policy:   cfg.Policy,
		notifier: cfg.Notifier,
		flags:    cfg.Flags,
		logger:   cfg.Logger,
		exec:     cfg.Exec,
		progress: make(map[string]Progress),
		results:  make(map[string]api.Result),
	}
	if s.notifier == nil {
		s.notifier = api.NoopNotifier{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.exec == nil {
		s.exec = func(context.Context, map[string]any) api.Result {
			return api.OK(map[string]any{"children": s.Children()})
		}
	}

	opts := registry.Options{Kind: api.KindOrchestrator, Tags: cfg.Tags}
	if cfg.Parent != nil {
		opts.ParentID = cfg.Parent.ParentID
	}
	if err := s.reg.Register(s, opts); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Supervisor) Kind() api.UnitKind { return api.KindOrchestrator }

func (s *Supervisor) Execute(ctx context.Context, input map[string]any) api.Result {
	res := s.Run(ctx, input, s.exec)
	if s.parent != nil {
		if !res.Success {
			s.parent.ReportError(s.ID(), res.Err(), nil)
		}
		s.parent.TaskComplete(s.ID(), res)
	}
	return res
}

// Handle returns the ParentHandle given to this supervisor's children.
func (s *Supervisor) Handle() ParentHandle {
	return ParentHandle{
		ParentID:          s.ID(),
		OnTaskComplete:    s.onTaskComplete,
		OnProgress:        s.onProgress,
		OnError:           s.onError,
		OnApprovalRequest: s.onApprovalRequest,
		OnNotify:          s.onNotify,
	}
}

type kinded interface {
	Kind() api.UnitKind
}

// Spawn builds a subordinate with this supervisor's handle and registers it
// as a child. The registered kind is the unit's own Kind() when it has one,
// otherwise sub. A child that registered itself (a nested supervisor) is
// accepted as long as it is registered under this supervisor.
func (s *Supervisor) Spawn(build func(ParentHandle) api.Unit, tags ...string) (api.Unit, error) {
	u := build(s.Handle())
	if u == nil {
		return nil, errors.New("unit: spawn built a nil unit")
	}

	if existing, err := s.reg.Get(u.ID()); err == nil && existing == u {
		info, err := s.reg.Describe(u.ID())
		if err != nil {
			return nil, err
		}
		if info.ParentID != s.ID() {
			return nil, fmt.Errorf("unit: %s is registered under %q, not %q", u.ID(), info.ParentID, s.ID())
		}
		return u, nil
	}

	kind := api.KindSub
	if k, ok := u.(kinded); ok {
		kind = k.Kind()
	}
	if err := s.reg.Register(u, registry.Options{Kind: kind, ParentID: s.ID(), Tags: tags}); err != nil {
		return nil, err
	}
	s.logger.Debug("subordinate spawned",
		slog.String("unit", s.ID()),
		slog.String("child", u.ID()),
		slog.String("kind", string(kind)),
	)
	return u, nil
}

// Delegate executes one of this supervisor's children through the registry,
// recording the supervisor as the caller.
func (s *Supervisor) Delegate(ctx context.Context, childID string, input map[string]any, opts ...registry.ExecOption) (api.ExecutionRecord, error) {
	if !s.isChild(childID) {
		return api.ExecutionRecord{}, api.NewNotFound("child unit", childID)
	}
	opts = append([]registry.ExecOption{registry.WithCaller(s.ID())}, opts...)
	return s.reg.Execute(ctx, childID, input, opts...)
}

func (s *Supervisor) isChild(id string) bool {
	for _, c := range s.reg.Children(s.ID()) {
		if c == id {
			return true
		}
	}
	return false
}

// Children returns the ids of the registered children.
func (s *Supervisor) Children() []string {
	return s.reg.Children(s.ID())
}

// Progress returns the last progress report of a child.
func (s *Supervisor) Progress(childID string) (Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[childID]
	return p, ok
}

// LastResult returns the last result a child reported.
func (s *Supervisor) LastResult(childID string) (api.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[childID]
	return r, ok
}

// Errors returns a copy of the child error log, oldest first.
func (s *Supervisor) Errors() []ChildError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChildError(nil), s.errs...)
}

func (s *Supervisor) onTaskComplete(childID string, res api.Result) {
	s.mu.Lock()
	s.results[childID] = res
	if res.Success {
		s.progress[childID] = Progress{Percentage: 100, Message: "completed"}
	}
	s.mu.Unlock()
}

func (s *Supervisor) onProgress(childID string, p Progress) {
	s.mu.Lock()
	s.progress[childID] = p
	s.mu.Unlock()
	s.logger.Debug("subordinate progress",
		slog.String("unit", s.ID()),
		slog.String("child", childID),
		slog.Int("percentage", p.Percentage),
		slog.String("step", p.Step),
	)
}

func (s *Supervisor) onError(childID string, err error, details map[string]any) {
	s.mu.Lock()
	s.errs = append(s.errs, ChildError{ChildID: childID, Err: err, Details: api.CloneMap(details), At: time.Now()})
	s.mu.Unlock()
	s.logger.Warn("subordinate error",
		slog.String("unit", s.ID()),
		slog.String("child", childID),
		slog.Any("error", err),
	)
}

// RequestApproval resolves an approval for the supervisor itself, using the
// same rules as for its children.
func (s *Supervisor) RequestApproval(ctx context.Context, ask ApprovalAsk) (bool, error) {
	return s.onApprovalRequest(ctx, s.ID(), ask)
}

// onApprovalRequest resolves a child's approval request. In order: small
// payloads are auto-approved when the flag is on, then the request goes to
// the supervisor's own parent if it has one, then to the approver, which
// blocks until a human decides or the request expires.
func (s *Supervisor) onApprovalRequest(ctx context.Context, childID string, ask ApprovalAsk) (bool, error) {
	if s.flags.Enabled(flags.AutoApproveSmall) && s.policy.Small(ask.Payload) {
		s.logger.InfoContext(ctx, "approval auto-approved",
			slog.String("unit", s.ID()),
			slog.String("child", childID),
			slog.String("title", ask.Title),
		)
		return true, nil
	}

	if s.parent != nil && s.parent.OnApprovalRequest != nil {
		return s.parent.RequestApproval(ctx, s.ID(), ask)
	}

	if s.approver == nil {
		return false, ErrNoApprover
	}
	level := ask.Level
	if level == api.ApprovalNone {
		level = s.policy.LevelFor(ask.Payload)
	}
	req, err := s.approver.Request(ctx, approval.Ask{
		UnitID:      childID,
		Title:       ask.Title,
		Description: ask.Description,
		Payload:     ask.Payload,
		Level:       level,
	})
	if err != nil {
		return false, err
	}
	final, err := s.approver.Await(ctx, req.ID)
	if err != nil {
		return false, err
	}
	return final.Status == api.ApprovalApproved, nil
}

// Notify sends a notification on behalf of the supervisor.
func (s *Supervisor) Notify(ctx context.Context, n api.Notification) error {
	return s.onNotify(ctx, s.ID(), n)
}

// onNotify relays a notification upward, or to the notifier at the top of
// the hierarchy. Delivery failures are logged and swallowed.
func (s *Supervisor) onNotify(ctx context.Context, childID string, n api.Notification) error {
	var err error
	if s.parent != nil && s.parent.OnNotify != nil {
		err = s.parent.Notify(ctx, s.ID(), n)
	} else {
		err = s.notifier.Notify(ctx, n)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "notification delivery failed",
			slog.String("unit", s.ID()),
			slog.String("child", childID),
			slog.String("title", n.Title),
			slog.Any("error", err),
		)
	}
	return nil
}
