package transport

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/sessiongate/internal/buffer"
	"github.com/haasonsaas/sessiongate/pkg/models"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

// Client is one authenticated connection.
type Client struct {
	ID            string
	Transport     string
	ConnectedAt   time.Time
	Authenticated bool
	User          *models.User
	Metadata      map[string]any

	conn   buffer.Conn
	buffer *buffer.Buffer
	closed atomic.Bool

	mu            sync.Mutex
	subscriptions map[string]struct{}
}

// ClientOptions configures NewClient.
type ClientOptions struct {
	ID        string
	Transport string
	User      *models.User
	Metadata  map[string]any
	Buffer    buffer.Options
}

// NewClient wraps conn with an outbound buffer.
func NewClient(conn buffer.Conn, opts ClientOptions) *Client {
	return &Client{
		ID:            opts.ID,
		Transport:     opts.Transport,
		ConnectedAt:   time.Now(),
		Authenticated: true,
		User:          opts.User,
		Metadata:      opts.Metadata,
		conn:          conn,
		buffer:        buffer.New(conn, opts.Buffer),
		subscriptions: make(map[string]struct{}),
	}
}

// Push queues raw bytes for delivery.
func (c *Client) Push(data []byte) {
	c.buffer.Push(data)
}

// Send encodes and queues a frame.
func (c *Client) Send(frame *protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	c.buffer.Push(data)
	return nil
}

// Drain flushes queued frames; transports call it when write pressure clears.
func (c *Client) Drain() {
	c.buffer.Drain()
}

// Buffered returns the number of queued frames.
func (c *Client) Buffered() int {
	return c.buffer.Len()
}

// Connected reports whether the underlying connection is still open.
func (c *Client) Connected() bool {
	return !c.closed.Load() && c.conn.Connected()
}

// Close closes the underlying connection.
func (c *Client) Close(code int, reason string) error {
	c.buffer.Clear()
	return c.conn.Close(code, reason)
}

// AddSubscription records interest in a session key. It reports whether the
// key was newly added.
func (c *Client) AddSubscription(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[sessionID]; ok {
		return false
	}
	c.subscriptions[sessionID] = struct{}{}
	return true
}

// RemoveSubscription forgets a session key.
func (c *Client) RemoveSubscription(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, sessionID)
}

// Subscribed reports whether the client follows sessionID.
func (c *Client) Subscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[sessionID]
	return ok
}

// Subscriptions returns the followed session keys in sorted order.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// markClosed flips the client to closed exactly once.
func (c *Client) markClosed() bool {
	return c.closed.CompareAndSwap(false, true)
}
