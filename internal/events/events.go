// Package events provides typed orchestrator events and fan-out to
// in-process subscribers and, optionally, a NATS subject.
//
// Consumers are fire-and-forget observers: publishing never blocks the
// orchestrator, and a slow subscriber drops events rather than stalling
// dispatch.
package events

import "time"

// Type identifies an orchestrator event.
type Type string

const (
	// TypeLoopStarted is emitted when the auto-dispatch loop starts.
	TypeLoopStarted Type = "auto_loop.started"
	// TypeLoopStopped is emitted when the auto-dispatch loop stops.
	TypeLoopStopped Type = "auto_loop.stopped"
	// TypeLoopIdle is emitted when a poll finds no eligible feature.
	TypeLoopIdle Type = "auto_loop.idle"
	// TypeLoopPaused is emitted when the failure monitor pauses the loop.
	TypeLoopPaused Type = "auto_loop.paused"

	// TypeFeatureDispatched is emitted when an execution begins.
	TypeFeatureDispatched Type = "feature.dispatched"
	// TypeStatusChanged is emitted on every persisted status transition.
	TypeStatusChanged Type = "feature.status_changed"
	// TypeProgress carries a chunk of streamed agent output.
	TypeProgress Type = "feature.progress"
	// TypePlanAwaitingApproval is emitted when a plan needs a human decision.
	TypePlanAwaitingApproval Type = "feature.plan_awaiting_approval"
	// TypePlanResolved is emitted when an approval decision lands.
	TypePlanResolved Type = "feature.plan_resolved"
	// TypeExecutionComplete is emitted on any terminal outcome, including
	// user-initiated stops.
	TypeExecutionComplete Type = "feature.execution_complete"
	// TypeExecutionError is emitted when an execution fails.
	TypeExecutionError Type = "feature.execution_error"
)

// Event is the payload emitted to all sinks.
type Event struct {
	Type        Type      `json:"type"`
	FeatureID   string    `json:"feature_id,omitempty"`
	ProjectPath string    `json:"project_path,omitempty"`
	Status      string    `json:"status,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink receives orchestrator events.
type Sink interface {
	Publish(ev Event)
}

// NopSink discards all events.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(Event) {}
