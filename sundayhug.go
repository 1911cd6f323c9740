package sundayhug

import (
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/engine"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/registry"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/unit"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine   = engine.Engine
	Registry = registry.Registry

	Unit       = api.Unit
	UnitConfig = api.UnitConfig
	Result     = api.Result
	ExecFunc   = unit.ExecFunc

	WorkflowDefinition = api.WorkflowDefinition
	WorkflowInstance   = api.WorkflowInstance
	WorkflowEvent      = api.WorkflowEvent
	Step               = api.Step
	Transition         = api.Transition
	Condition          = api.Condition
	State              = api.State
	ErrorStrategy      = api.ErrorStrategy
	RetryPolicy        = api.RetryPolicy

	ApprovalLevel   = api.ApprovalLevel
	ApprovalRequest = api.ApprovalRequest
	PriorityTier    = api.PriorityTier
	WorkItem        = api.WorkItem
	RoutingDecision = api.RoutingDecision

	Observer     = api.Observer
	NoopObserver = api.NoopObserver
	BasicMetrics = api.BasicMetrics
	Notifier     = api.Notifier
	Notification = api.Notification
)

// Re-export common helpers.

var (
	OK       = api.OK
	Fail     = api.Fail
	FailWith = api.FailWith

	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export state, strategy and level values for convenience.

const (
	StatePending         = api.StatePending
	StateRunning         = api.StateRunning
	StatePaused          = api.StatePaused
	StateWaitingApproval = api.StateWaitingApproval
	StateCompleted       = api.StateCompleted
	StateFailed          = api.StateFailed
	StateCancelled       = api.StateCancelled

	StrategyStop     = api.StrategyStop
	StrategySkip     = api.StrategySkip
	StrategyRetry    = api.StrategyRetry
	StrategyEscalate = api.StrategyEscalate

	ApprovalNone     = api.ApprovalNone
	ApprovalLow      = api.ApprovalLow
	ApprovalMedium   = api.ApprovalMedium
	ApprovalHigh     = api.ApprovalHigh
	ApprovalCritical = api.ApprovalCritical
)

// NewUnit returns a unit whose Execute runs fn under the standard
// lifecycle: disabled, paused or stopped units refuse work and a failure
// moves the unit to ERROR until its next success.
func NewUnit(cfg UnitConfig, fn ExecFunc) Unit {
	return unit.NewFunc(cfg, fn)
}

// ValidateDefinition checks a definition without registering it.
func ValidateDefinition(def WorkflowDefinition) error {
	return engine.Validate(def)
}

// LoadDefinitions reads workflow definitions from a YAML file or directory.
func LoadDefinitions(path string) ([]WorkflowDefinition, error) {
	return engine.LoadDefinitions(path)
}
