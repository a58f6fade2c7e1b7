package client

import "context"

// Conn is one open connection to a gateway. Send and Receive carry raw
// encoded frames. Receive has a single caller at a time and returns an
// error once the connection is gone.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Delegate opens connections for a Peer. The peer performs the connect
// handshake itself over the returned Conn.
type Delegate interface {
	Open(ctx context.Context) (Conn, error)
}
