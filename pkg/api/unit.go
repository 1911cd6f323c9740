package api

import (
	"context"
	"encoding/gob"
	"fmt"
	"strings"
	"time"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
	gob.Register(map[string][]string{})
}

// UnitKind identifies how a unit participates in a hierarchy.
type UnitKind string

const (
	// KindBase is a standalone unit with no parent.
	KindBase UnitKind = "base"
	// KindSub is a subordinate unit that reports to a parent through a ParentHandle.
	KindSub UnitKind = "sub"
	// KindOrchestrator is a unit that spawns and supervises subordinates.
	KindOrchestrator UnitKind = "orchestrator"
)

// Valid reports whether k is a known kind.
func (k UnitKind) Valid() bool {
	switch k {
	case KindBase, KindSub, KindOrchestrator:
		return true
	}
	return false
}

// UnitStatus is the lifecycle status of a unit.
type UnitStatus string

const (
	UnitIdle     UnitStatus = "idle"
	UnitRunning  UnitStatus = "running"
	UnitPaused   UnitStatus = "paused"
	UnitError    UnitStatus = "error"
	UnitStopped  UnitStatus = "stopped"
	UnitDisabled UnitStatus = "disabled"
)

// Unhealthy reports whether the status should be surfaced by a health check.
func (s UnitStatus) Unhealthy() bool {
	return s == UnitError || s == UnitStopped
}

// ApprovalLevel gates whether a unit's result needs human sign-off.
type ApprovalLevel int

const (
	ApprovalNone ApprovalLevel = iota
	ApprovalLow
	ApprovalMedium
	ApprovalHigh
	ApprovalCritical
)

var approvalLevelNames = [...]string{"NONE", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (l ApprovalLevel) String() string {
	if l < ApprovalNone || l > ApprovalCritical {
		return fmt.Sprintf("ApprovalLevel(%d)", int(l))
	}
	return approvalLevelNames[l]
}

// ParseApprovalLevel parses a level name (case-insensitive). The empty
// string parses as ApprovalNone.
func ParseApprovalLevel(s string) (ApprovalLevel, error) {
	if s == "" {
		return ApprovalNone, nil
	}
	for i, name := range approvalLevelNames {
		if strings.EqualFold(s, name) {
			return ApprovalLevel(i), nil
		}
	}
	return ApprovalNone, fmt.Errorf("unknown approval level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l ApprovalLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *ApprovalLevel) UnmarshalText(b []byte) error {
	v, err := ParseApprovalLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// UnitConfig is the static configuration of a unit.
type UnitConfig struct {
	ID            string        `json:"id" yaml:"id" mapstructure:"id"`
	Name          string        `json:"name" yaml:"name" mapstructure:"name"`
	Enabled       bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	MaxRetries    int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay    time.Duration `json:"retry_delay" yaml:"retry_delay" mapstructure:"retry_delay"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	ApprovalLevel ApprovalLevel `json:"approval_level" yaml:"approval_level" mapstructure:"approval_level"`
}

// Unit is an executable capability with a stable identifier.
type Unit interface {
	ID() string
	Config() UnitConfig
	Status() UnitStatus
	// Execute runs the unit once. It must honour ctx cancellation; a
	// cancelled or timed-out invocation may be abandoned by the caller and
	// its eventual result discarded.
	Execute(ctx context.Context, input map[string]any) Result
}

// Lifecycle is implemented by units whose availability can be toggled.
type Lifecycle interface {
	Enable()
	Disable()
	Pause()
	Resume()
	Stop()
}

// Result is the outcome of a single unit execution.
type Result struct {
	Success        bool           `json:"success"`
	Data           map[string]any `json:"data,omitempty"`
	ProcessedCount int            `json:"processed_count,omitempty"`
	Error          *ExecError     `json:"error,omitempty"`
}

// OK returns a successful Result carrying data.
func OK(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

// Fail returns a failed Result.
func Fail(code, message string, recoverable bool) Result {
	return Result{
		Success: false,
		Error:   &ExecError{Code: code, Message: message, Recoverable: recoverable},
	}
}

// FailWith converts err into a failed Result using ClassifyError.
func FailWith(err error) Result {
	return Result{Success: false, Error: ClassifyError(err)}
}

// Err returns the result's failure as an error, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return &ExecError{Code: CodeUnknown, Message: "unit reported failure without error"}
	}
	return r.Error
}

// ExecutionRecord is an immutable audit entry for one unit execution.
type ExecutionRecord struct {
	ExecutionID  string         `json:"execution_id"`
	UnitID       string         `json:"unit_id"`
	StartedAt    time.Time      `json:"started_at"`
	CallerUnitID string         `json:"caller_unit_id,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Result       Result         `json:"result"`
	Duration     time.Duration  `json:"duration"`
}

// WorkItem is one piece of inbound work.
type WorkItem struct {
	ID         string              `json:"id"`
	Content    string              `json:"content,omitempty"`
	Payload    map[string]any      `json:"payload,omitempty"`
	Source     string              `json:"source,omitempty"`
	Entities   map[string][]string `json:"entities,omitempty"`
	ReceivedAt time.Time           `json:"received_at"`
}

var textKeys = []string{"content", "message", "text", "body"}

// Text returns the routable text of the item: Content if set, otherwise
// the first string payload value among content, message, text and body.
func (w WorkItem) Text() string {
	if w.Content != "" {
		return w.Content
	}
	for _, k := range textKeys {
		if s, ok := w.Payload[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Routing reasons.
const (
	ReasonSafety  = "safety_issue"
	ReasonEntity  = "entity_based"
	ReasonKeyword = "keyword_match"
	ReasonSource  = "source_based"
	ReasonDefault = "default"
)

// RoutingDecision names the unit that should receive a work item.
type RoutingDecision struct {
	TargetUnitID string  `json:"target_unit_id"`
	Confidence   float64 `json:"confidence"`
	Reason       string  `json:"reason"`
}

// PriorityTier is an ordinal priority. Lower values are more urgent.
type PriorityTier int

const (
	P0Critical PriorityTier = iota
	P1Urgent
	P2High
	P3Normal
)

var tierNames = [...]string{"P0_CRITICAL", "P1_URGENT", "P2_HIGH", "P3_NORMAL"}

func (t PriorityTier) String() string {
	if t < P0Critical || t > P3Normal {
		return fmt.Sprintf("PriorityTier(%d)", int(t))
	}
	return tierNames[t]
}

// MarshalText implements encoding.TextMarshaler.
func (t PriorityTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParsePriorityTier parses a tier name such as "P1_URGENT" or its short
// form "P1".
func ParsePriorityTier(s string) (PriorityTier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(s, name) || strings.EqualFold(s, name[:2]) {
			return PriorityTier(i), nil
		}
	}
	return P3Normal, fmt.Errorf("unknown priority tier %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *PriorityTier) UnmarshalText(b []byte) error {
	v, err := ParsePriorityTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Higher reports whether t outranks other.
func (t PriorityTier) Higher(other PriorityTier) bool {
	return t < other
}
