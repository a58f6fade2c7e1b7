// Package engine defines the boundary between the gateway and the execution
// engines it drives. The gateway never interprets event payloads; it only
// forwards them.
package engine

import (
	"context"

	"github.com/haasonsaas/sessiongate/pkg/models"
)

// App creates engine sessions for one application id.
type App interface {
	ID() string
	Session(ctx context.Context, key string) (Session, error)
}

// Session is a long-lived engine handle bound to one gateway session.
type Session interface {
	Send(ctx context.Context, msg models.Message) (Execution, error)
	Channel(name string) Channel
}

// Execution is a single run started by Send. Events is closed when the run
// produces no more events; Wait then returns the final result.
type Execution interface {
	ID() string
	Events() <-chan models.Event
	Wait() (Result, error)
}

// Result is the settled outcome of an execution.
type Result struct {
	ExecutionID string `json:"executionId"`
	StopReason  string `json:"stopReason,omitempty"`
	Output      any    `json:"output,omitempty"`
}

// Channel is a named pub/sub stream scoped to a session.
type Channel interface {
	Subscribe(fn func(models.Event)) (unsubscribe func())
	Publish(ctx context.Context, ev models.Event) error
}

// Aborter is implemented by sessions that support cooperative abort.
type Aborter interface {
	Abort(ctx context.Context) error
}

// Closer is implemented by sessions holding resources.
type Closer interface {
	Close() error
}

// ToolResultReceiver is implemented by sessions that accept client-side tool
// results.
type ToolResultReceiver interface {
	SubmitToolResult(ctx context.Context, result models.ToolResult) error
}

// AppFunc adapts a function to App.
type AppFunc struct {
	Name string
	Fn   func(ctx context.Context, key string) (Session, error)
}

// ID returns the application id.
func (a AppFunc) ID() string { return a.Name }

// Session calls Fn.
func (a AppFunc) Session(ctx context.Context, key string) (Session, error) {
	return a.Fn(ctx, key)
}
