package sundayhug

import (
	"fmt"
	"time"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflows. Modifiers such
// as Optional, On and Default apply to the most recently added step:
//
//	flow := sundayhug.New("refund-request").
//	    Step("lookup", "order").Default("refund").
//	    Step("refund", "cs").RequireApproval().Default("notify").
//	    Step("notify", "marketing").Optional().
//	    OnError(sundayhug.StrategyRetry).
//	    WithRetry(sundayhug.Retry(3).WithBaseDelay(time.Second))
//
//	if err := flow.Register(runner.Engine); err != nil {
//	    log.Fatal(err)
//	}
//
// The first step is the start step unless StartAt says otherwise. Misuse
// such as a modifier before any step panics; graph errors are reported by
// Register.
type FlowBuilder struct {
	def api.WorkflowDefinition
}

// New creates a new workflow builder with the given id.
func New(id string) *FlowBuilder {
	if id == "" {
		panic("sundayhug: workflow id must not be empty")
	}
	return &FlowBuilder{def: api.WorkflowDefinition{ID: id}}
}

// ID returns the workflow id.
func (b *FlowBuilder) ID() string {
	return b.def.ID
}

// Definition returns a copy of the built definition.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	def := b.def
	def.Steps = make([]api.Step, len(b.def.Steps))
	for i, s := range b.def.Steps {
		s.Transitions = append([]api.Transition(nil), s.Transitions...)
		def.Steps[i] = s
	}
	if def.StartStepID == "" && len(def.Steps) > 0 {
		def.StartStepID = def.Steps[0].ID
	}
	return def
}

// Version sets the definition version.
func (b *FlowBuilder) Version(v string) *FlowBuilder {
	b.def.Version = v
	return b
}

// StartAt overrides the start step.
func (b *FlowBuilder) StartAt(stepID string) *FlowBuilder {
	b.def.StartStepID = stepID
	return b
}

// Step appends a required step executed by unitID.
func (b *FlowBuilder) Step(id, unitID string) *FlowBuilder {
	if id == "" {
		panic("sundayhug: step id must not be empty")
	}
	if unitID == "" {
		panic(fmt.Sprintf("sundayhug: step %q has no unit", id))
	}
	b.def.Steps = append(b.def.Steps, api.Step{ID: id, UnitID: unitID, Required: true})
	return b
}

func (b *FlowBuilder) last(modifier string) *api.Step {
	if len(b.def.Steps) == 0 {
		panic(fmt.Sprintf("sundayhug: %s called before any Step", modifier))
	}
	return &b.def.Steps[len(b.def.Steps)-1]
}

// Optional marks the last step as not required: its failure moves on
// along the default transition instead of applying the error strategy.
func (b *FlowBuilder) Optional() *FlowBuilder {
	b.last("Optional").Required = false
	return b
}

// RequireApproval holds the last step's result until a human approves it.
func (b *FlowBuilder) RequireApproval() *FlowBuilder {
	b.last("RequireApproval").RequireApproval = true
	return b
}

// Timeout bounds a single invocation of the last step.
func (b *FlowBuilder) Timeout(d time.Duration) *FlowBuilder {
	b.last("Timeout").Timeout = d
	return b
}

// MaxRetries overrides the retry limit of the last step.
func (b *FlowBuilder) MaxRetries(n int) *FlowBuilder {
	b.last("MaxRetries").MaxRetries = n
	return b
}

// ResumeAt sets where an escalated failure of the last step resumes once
// approved.
func (b *FlowBuilder) ResumeAt(stepID string) *FlowBuilder {
	b.last("ResumeAt").ResumeStepID = stepID
	return b
}

// On adds a conditional transition from the last step. Conditions are
// tried in the order they were added.
func (b *FlowBuilder) On(cond Condition, target string) *FlowBuilder {
	s := b.last("On")
	c := cond
	s.Transitions = append(s.Transitions, api.Transition{Condition: &c, Target: target})
	return b
}

// Default sets the transition taken when no condition of the last step
// matches.
func (b *FlowBuilder) Default(target string) *FlowBuilder {
	s := b.last("Default")
	s.Transitions = append(s.Transitions, api.Transition{Target: target, IsDefault: true})
	return b
}

// OnError sets the strategy applied when a required step fails.
func (b *FlowBuilder) OnError(s ErrorStrategy) *FlowBuilder {
	b.def.ErrorStrategy = s
	return b
}

// WithRetry sets the retry policy and selects the RETRY strategy.
func (b *FlowBuilder) WithRetry(r RetryBuilder) *FlowBuilder {
	b.def.Retry = r.Policy()
	b.def.ErrorStrategy = api.StrategyRetry
	return b
}

// GlobalTimeout bounds the total execution time of an instance.
func (b *FlowBuilder) GlobalTimeout(d time.Duration) *FlowBuilder {
	b.def.GlobalTimeout = d
	return b
}

// ApprovalThreshold gates every step whose unit approval level is at or
// above l.
func (b *FlowBuilder) ApprovalThreshold(l ApprovalLevel) *FlowBuilder {
	b.def.ApprovalThreshold = l
	return b
}

// ApprovalTTL bounds how long this workflow's approval requests wait.
func (b *FlowBuilder) ApprovalTTL(d time.Duration) *FlowBuilder {
	b.def.ApprovalTTL = d
	return b
}

// Register validates the workflow and registers it with eng.
func (b *FlowBuilder) Register(eng *Engine) error {
	return eng.RegisterDefinition(b.Definition())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng *Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

// Condition helpers for On.

func Eq(field string, v any) Condition { return Condition{Field: field, Op: api.OpEq, Value: v} }
func Ne(field string, v any) Condition { return Condition{Field: field, Op: api.OpNe, Value: v} }
func Gt(field string, v any) Condition { return Condition{Field: field, Op: api.OpGt, Value: v} }
func Gte(field string, v any) Condition { return Condition{Field: field, Op: api.OpGte, Value: v} }
func Lt(field string, v any) Condition { return Condition{Field: field, Op: api.OpLt, Value: v} }
func Lte(field string, v any) Condition { return Condition{Field: field, Op: api.OpLte, Value: v} }
func Exists(field string) Condition { return Condition{Field: field, Op: api.OpExists} }
func Truthy(field string) Condition { return Condition{Field: field, Op: api.OpTruthy} }
