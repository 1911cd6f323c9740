// Package api contains the shared types used by the unit orchestration
// engine: units and their results, routing decisions, priority tiers,
// approval requests, workflow definitions and instances, and the observer
// and notifier hooks used for logging, metrics and outbound notifications.
//
// Most users interact with the root sundayhug package, which re-exports the
// commonly used types and wires the internal packages together. The api
// package is intended for code that implements units, stores or observers.
//
// # Units
//
// A Unit is an executable capability with a stable ID and a single Execute
// entry point:
//
//	type Unit interface {
//	    ID() string
//	    Config() UnitConfig
//	    Status() UnitStatus
//	    Execute(ctx context.Context, input map[string]any) Result
//	}
//
// Execute never returns a Go error. Failures are reported through
// Result.Error, an *ExecError carrying a code, a message and whether the
// failure is recoverable. Units must be safe to call again after a
// recoverable failure, or mark the failure unrecoverable to suppress
// automatic retry.
//
// # Workflows
//
// A WorkflowDefinition is a directed acyclic graph of steps. Each step names
// the unit that executes it and an ordered list of transitions; the first
// transition whose condition matches the step output is taken, falling back
// to the transition marked IsDefault. A WorkflowInstance is one execution of
// a definition and moves through the states
//
//	PENDING, RUNNING, PAUSED, WAITING_APPROVAL, COMPLETED, FAILED, CANCELLED
//
// according to the table enforced by CanTransition.
//
// # Observability
//
// Observers receive callbacks for instance and step lifecycle events.
// LoggingObserver writes structured logs with log/slog, BasicMetrics keeps
// in-process counters, and CompositeObserver fans out to several observers.
// Notifiers carry human-facing messages to an external delivery system;
// delivery failures never affect workflow state.
package api
