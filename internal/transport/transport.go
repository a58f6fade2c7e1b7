// Package transport defines what the gateway needs from a connection-oriented
// transport, and the Client type shared by every transport.
package transport

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/sessiongate/pkg/models"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

// Transport accepts client connections and reports their lifecycle.
//
// Clients are only visible through Client/Clients after they authenticate,
// the disconnect listeners fire at most once per client, and Stop closes
// every open client before it returns.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Client(id string) (*Client, bool)
	Clients() []*Client
	ClientCount() int
	Listeners() *Listeners
}

// Backend is implemented by the gateway. Request/stream transports call it
// from their action endpoints.
type Backend interface {
	// Dispatch runs a method on behalf of client, which may be nil for
	// one-shot HTTP callers.
	Dispatch(ctx context.Context, client *Client, user *models.User, method string, params json.RawMessage) (any, error)
	// StreamSend starts an execution and calls emit for every event it
	// produces until the execution settles or ctx is done.
	StreamSend(ctx context.Context, user *models.User, sessionKey string, msg models.Message, emit func(*protocol.Frame) error) error
}

// Binder is implemented by transports that need a Backend.
type Binder interface {
	Bind(Backend)
}
