// Package events provides event types and utilities for the relayd event system.
package events

// Event types for session lifecycle
const (
	SessionCreated     = "session.created"
	SessionUpdated     = "session.updated"
	SessionDeleted     = "session.deleted"
	SessionArchived    = "session.archived"
	SessionInterrupted = "session.interrupted"
)

// Event types for the SDK message stream
const (
	SDKMessage        = "sdk.message"
	SDKMessageUpdated = "sdk.message.updated"
	SDKMessagesDelta  = "state.sdkMessages.delta"
)

// Event types for per-session derived state
const (
	SessionContextUpdated = "session.contextUpdated"
	SessionQueueUpdated   = "session.queueUpdated"
	SessionPhaseChanged   = "session.phaseChanged"
)

// Event types for checkpoints
const (
	CheckpointCreated = "checkpoint.created"
)

// Event types for recurring jobs
const (
	RecurringJobCreated   = "recurringJob.created"
	RecurringJobUpdated   = "recurringJob.updated"
	RecurringJobTriggered = "recurringJob.triggered"
)

// Event types for tasks
const (
	TaskCreated = "task.created"
	TaskUpdated = "task.updated"
	TaskDeleted = "task.deleted"
)

// Event types for goals
const (
	GoalCreated         = "goal.created"
	GoalUpdated         = "goal.updated"
	GoalCompleted       = "goal.completed"
	GoalProgressUpdated = "goal.progressUpdated"
)

// Event types for the circuit breaker
const (
	BreakerTripped = "session.breakerTripped"
)

// BridgedSubjects lists the wildcard subjects the gateway bridge forwards
// from the internal bus onto the hub.
var BridgedSubjects = []string{
	"session.>",
	"sdk.>",
	"state.>",
	"checkpoint.>",
	"recurringJob.>",
	"task.>",
	"goal.>",
}
