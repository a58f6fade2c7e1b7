// Package models provides the domain types shared by the sessiongate server and client.
package models

// Event types the gateway itself understands. Every other type emitted by an
// engine is forwarded untouched.
const (
	EventExecutionStart = "execution_start"
	EventExecutionEnd   = "execution_end"
	EventMessageStart   = "message_start"
	EventMessageDelta   = "message_delta"
	EventMessageEnd     = "message_end"
	EventToolUse        = "tool_use"
	EventError          = "error"
	EventChannel        = "channel"
	EventSessionClosed  = "session_closed"
)

// Event is an opaque tagged record produced by an execution engine.
// The gateway only inspects Type; Data is passed through as-is.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Terminal reports whether the event ends a client-side send stream.
func (e Event) Terminal() bool {
	return IsTerminal(e.Type)
}

// IsTerminal reports whether an event type ends a send stream.
func IsTerminal(eventType string) bool {
	switch eventType {
	case EventExecutionEnd, EventMessageEnd, EventError:
		return true
	}
	return false
}
