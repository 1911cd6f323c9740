package api

import "time"

// EventType identifies a workflow history event.
type EventType string

const (
	EventInstanceCreated      EventType = "instance.created"
	EventInstanceStateChanged EventType = "instance.state_changed"

	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"

	EventApprovalRequested EventType = "approval.requested"
	EventApprovalResolved  EventType = "approval.resolved"
)

// WorkflowEvent is an append-only history record for audit and debugging.
type WorkflowEvent struct {
	InstanceID   string    `json:"instance_id"`
	At           time.Time `json:"at"`
	Type         EventType `json:"type"`
	DefinitionID string    `json:"definition_id,omitempty"`
	StepID       string    `json:"step_id,omitempty"`

	// Short human-oriented detail such as "RUNNING -> PAUSED" or an error
	// string. Payloads do not belong here.
	Detail string `json:"detail,omitempty"`
}
