package api

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// State represents the lifecycle state of a workflow instance.
type State string

const (
	StatePending         State = "PENDING"
	StateRunning         State = "RUNNING"
	StatePaused          State = "PAUSED"
	StateWaitingApproval State = "WAITING_APPROVAL"
	StateCompleted       State = "COMPLETED"
	StateFailed          State = "FAILED"
	StateCancelled       State = "CANCELLED"
)

var allowedTransitions = map[State][]State{
	StatePending:         {StateRunning, StateCancelled},
	StateRunning:         {StatePaused, StateWaitingApproval, StateCompleted, StateFailed, StateCancelled},
	StatePaused:          {StateRunning, StateCancelled},
	StateWaitingApproval: {StateRunning, StateCancelled},
	// FAILED -> RUNNING is only used for retry re-entry.
	StateFailed: {StateRunning},
}

// CanTransition reports whether from -> to is in the allowed-transition table.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StatePaused, StateWaitingApproval,
		StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Settled reports whether an instance in state s is not making progress on
// its own: it is finished, failed, or suspended waiting for a caller.
func (s State) Settled() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed, StatePaused, StateWaitingApproval:
		return true
	}
	return false
}

// ErrorStrategy is the policy applied when a required step fails.
type ErrorStrategy string

const (
	StrategyStop     ErrorStrategy = "STOP"
	StrategySkip     ErrorStrategy = "SKIP"
	StrategyRetry    ErrorStrategy = "RETRY"
	StrategyEscalate ErrorStrategy = "ESCALATE"
)

// Valid reports whether s is a known strategy. The empty strategy is
// treated as STOP.
func (s ErrorStrategy) Valid() bool {
	switch s {
	case "", StrategyStop, StrategySkip, StrategyRetry, StrategyEscalate:
		return true
	}
	return false
}

// ConditionOp is a comparison used by transition conditions.
type ConditionOp string

const (
	OpEq     ConditionOp = "eq"
	OpNe     ConditionOp = "ne"
	OpGt     ConditionOp = "gt"
	OpGte    ConditionOp = "gte"
	OpLt     ConditionOp = "lt"
	OpLte    ConditionOp = "lte"
	OpExists ConditionOp = "exists"
	OpTruthy ConditionOp = "truthy"
)

// Condition is a declarative predicate over a step's output map.
type Condition struct {
	Field string      `json:"field" yaml:"field"`
	Op    ConditionOp `json:"op" yaml:"op"`
	Value any         `json:"value,omitempty" yaml:"value,omitempty"`
}

// Match evaluates the condition against output. Missing fields only match
// the ne operator.
func (c Condition) Match(output map[string]any) bool {
	v, ok := output[c.Field]
	switch c.Op {
	case OpExists:
		return ok
	case OpTruthy:
		return ok && truthy(v)
	case OpEq, "":
		return ok && equal(v, c.Value)
	case OpNe:
		return !ok || !equal(v, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if !ok {
			return false
		}
		a, aok := toFloat(v)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	}
	return false
}

// Valid reports whether the condition names a field and a known operator.
func (c Condition) Valid() bool {
	switch c.Op {
	case "", OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpExists, OpTruthy:
		return c.Field != ""
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// Transition is an edge in the step graph. A transition without a
// condition always matches.
type Transition struct {
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	Target    string     `json:"target" yaml:"target"`
	IsDefault bool       `json:"is_default,omitempty" yaml:"default,omitempty"`
}

// Matches reports whether the transition's condition accepts output.
func (t Transition) Matches(output map[string]any) bool {
	if t.Condition == nil {
		return true
	}
	return t.Condition.Match(output)
}

// Step is one node of a workflow definition.
type Step struct {
	ID       string `json:"id" yaml:"id"`
	UnitID   string `json:"unit_id" yaml:"unit"`
	Required bool   `json:"required" yaml:"required"`

	// Timeout bounds a single invocation. Zero falls back to the unit's
	// configured timeout. Either is capped by the remaining global budget of
	// the instance, and with neither set the invocation is unbounded.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxRetries overrides the definition and unit retry limits when > 0.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// ResumeStepID is where an escalated instance resumes after approval.
	// Empty means the same step.
	ResumeStepID string `json:"resume_step_id,omitempty" yaml:"resume_step,omitempty"`

	// RequireApproval gates the step's successful result behind an
	// approval regardless of the unit's approval level.
	RequireApproval bool `json:"require_approval,omitempty" yaml:"require_approval,omitempty"`

	Transitions []Transition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// DefaultTransition returns the transition marked IsDefault, if any.
func (s Step) DefaultTransition() (Transition, bool) {
	for _, t := range s.Transitions {
		if t.IsDefault {
			return t, true
		}
	}
	return Transition{}, false
}

// Next selects the next step id for a successful output: the first
// non-default transition that matches, then the default transition.
// ok is false when the instance should complete.
func (s Step) Next(output map[string]any) (string, bool) {
	for _, t := range s.Transitions {
		if t.IsDefault {
			continue
		}
		if t.Matches(output) {
			return t.Target, true
		}
	}
	if d, ok := s.DefaultTransition(); ok {
		return d.Target, true
	}
	return "", false
}

// RetryPolicy controls RETRY error handling for a definition.
// MaxRetries counts retries after the first attempt.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay"`
}

// BackoffDelay returns base * 2^attempt. attempt is 0-based.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// WorkflowDefinition is a declarative multi-step plan. Definitions are
// immutable once registered; a changed plan needs a new ID or Version.
type WorkflowDefinition struct {
	ID            string        `json:"id" yaml:"id"`
	Version       string        `json:"version,omitempty" yaml:"version,omitempty"`
	StartStepID   string        `json:"start_step_id" yaml:"start"`
	Steps         []Step        `json:"steps" yaml:"steps"`
	GlobalTimeout time.Duration `json:"global_timeout,omitempty" yaml:"global_timeout,omitempty"`
	ErrorStrategy ErrorStrategy `json:"error_strategy,omitempty" yaml:"error_strategy,omitempty"`
	Retry         RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`

	// ApprovalThreshold is the lowest unit approval level that gates a
	// successful step. ApprovalNone gates every unit whose level is above NONE.
	ApprovalThreshold ApprovalLevel `json:"approval_threshold,omitempty" yaml:"approval_threshold,omitempty"`

	// ApprovalTTL bounds how long approval requests raised by this
	// workflow stay pending. Zero uses the approval manager default.
	ApprovalTTL time.Duration `json:"approval_ttl,omitempty" yaml:"approval_ttl,omitempty"`
}

// Step returns the step with the given id.
func (d WorkflowDefinition) Step(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Gates reports whether a unit with the given level requires sign-off
// under this definition.
func (d WorkflowDefinition) Gates(level ApprovalLevel) bool {
	if level == ApprovalNone {
		return false
	}
	return level >= d.ApprovalThreshold
}

// Key returns the registry key of the definition.
func (d WorkflowDefinition) Key() string {
	return d.ID + "@" + d.Version
}

// StepResult is one attempt of one step, appended to the instance history.
type StepResult struct {
	StepID    string         `json:"step_id"`
	UnitID    string         `json:"unit_id"`
	Attempt   int            `json:"attempt"`
	Success   bool           `json:"success"`
	Skipped   bool           `json:"skipped,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Error     *ExecError     `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

// WorkflowInstance is one execution of a WorkflowDefinition.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	Version           string         `json:"version"`
	State             State          `json:"state"`
	CurrentStepID     string         `json:"current_step_id"`
	StepHistory       []StepResult   `json:"step_history"`
	PendingApprovalID string         `json:"pending_approval_id,omitempty"`
	ResumeStepID      string         `json:"resume_step_id,omitempty"`
	RetryCounts       map[string]int `json:"retry_counts"`
	Input             map[string]any `json:"input,omitempty"`
	Output            map[string]any `json:"output,omitempty"`
	Error             string         `json:"error,omitempty"`

	// ResumeToken identifies the scheduled resumption of a retry backoff.
	// Resumption tasks carrying any other token are stale and dropped.
	ResumeToken string `json:"resume_token,omitempty"`

	// Elapsed is the RUNNING time accumulated before ActiveSince.
	Elapsed     time.Duration `json:"elapsed"`
	ActiveSince time.Time     `json:"active_since,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActiveTime returns the total RUNNING time of the instance as of now.
func (w *WorkflowInstance) ActiveTime(now time.Time) time.Duration {
	if w.State == StateRunning && !w.ActiveSince.IsZero() {
		return w.Elapsed + now.Sub(w.ActiveSince)
	}
	return w.Elapsed
}

// Clone returns a deep copy of the instance so callers cannot mutate
// engine-owned state.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	c := *w
	c.StepHistory = make([]StepResult, len(w.StepHistory))
	for i, r := range w.StepHistory {
		r.Output = CloneMap(r.Output)
		if r.Error != nil {
			e := *r.Error
			r.Error = &e
		}
		c.StepHistory[i] = r
	}
	c.RetryCounts = make(map[string]int, len(w.RetryCounts))
	for k, v := range w.RetryCounts {
		c.RetryCounts[k] = v
	}
	c.Input = CloneMap(w.Input)
	c.Output = CloneMap(w.Output)
	return &c
}

// String implements fmt.Stringer.
func (w *WorkflowInstance) String() string {
	return fmt.Sprintf("%s[%s %s step=%s]", w.ID, w.DefinitionID, w.State, w.CurrentStepID)
}

// CloneMap returns a copy of m, recursing into nested maps and slices.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneMap(x)
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = cloneValue(e)
		}
		return s
	case []string:
		return append([]string(nil), x...)
	}
	return v
}
