// Package agent wraps the AI execution provider as a single streaming
// call. The provider is an opaque CLI that emits structured JSON events;
// autoboard never changes behavior based on model identity beyond passing
// it through.
package agent

import "context"

// EventType identifies a provider stream event.
type EventType string

const (
	// EventText is a chunk of assistant text output.
	EventText EventType = "assistant_text"
	// EventToolUse reports the agent invoking a tool.
	EventToolUse EventType = "tool_use"
	// EventResult is the final result summary of the session.
	EventResult EventType = "result"
	// EventError is an error surfaced inside the stream.
	EventError EventType = "error"
)

// Event is one structured event from the provider stream.
type Event struct {
	Type     EventType
	Text     string
	ToolName string
	IsError  bool
}

// Request describes a single provider invocation.
type Request struct {
	Prompt  string
	Model   string
	WorkDir string
}

// Runner executes one provider call, invoking onEvent for every streamed
// event. It returns when the stream ends; cancellation of ctx terminates
// the underlying call.
type Runner interface {
	Execute(ctx context.Context, req Request, onEvent func(Event)) error
}
