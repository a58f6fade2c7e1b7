// Package buffer implements the bounded outbound queue that sits between the
// gateway and a single client connection.
package buffer

import (
	"log/slog"
	"sync"
)

// Policy selects what happens when the queue is full.
type Policy string

const (
	// PolicyDropOldest evicts the oldest queued message to make room.
	PolicyDropOldest Policy = "drop-oldest"
	// PolicyDisconnect closes the connection and discards the queue.
	PolicyDisconnect Policy = "disconnect"
)

// CloseSlowConsumer is the close code used when a connection is dropped
// because it could not keep up.
const CloseSlowConsumer = 4008

const DefaultMaxBuffer = 1000

// Conn is the write side of a client connection.
type Conn interface {
	Connected() bool
	// Pressured reports whether the underlying writer already has data in
	// flight, in which case new messages must queue.
	Pressured() bool
	Send(data []byte) error
	Close(code int, reason string) error
}

// Options configures a Buffer.
type Options struct {
	MaxBuffer  int
	Policy     Policy
	OnOverflow func(policy Policy)
	Logger     *slog.Logger
}

// Buffer queues messages for a connection that is under write pressure and
// flushes them in order once the pressure clears. Draining happens only
// inside Push and Drain; there is no background timer.
type Buffer struct {
	conn   Conn
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	queue [][]byte
}

// Valid reports whether p names a known policy.
func (p Policy) Valid() bool {
	return p == PolicyDropOldest || p == PolicyDisconnect
}

// New creates a buffer for conn.
func New(conn Conn, opts Options) *Buffer {
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = DefaultMaxBuffer
	}
	if !opts.Policy.Valid() {
		opts.Policy = PolicyDropOldest
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		conn:   conn,
		opts:   opts,
		logger: logger.With("component", "buffer"),
	}
}

// Push delivers msg, or queues it if the connection is under pressure.
// Messages pushed to a disconnected connection are discarded.
func (b *Buffer) Push(msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.conn.Connected() {
		return
	}

	b.drainLocked()

	if len(b.queue) == 0 && !b.conn.Pressured() {
		if err := b.conn.Send(msg); err == nil {
			return
		}
	}

	if len(b.queue) >= b.opts.MaxBuffer {
		if b.overflowLocked() {
			return
		}
	}
	b.queue = append(b.queue, msg)
}

// Drain flushes queued messages while the connection can accept them.
func (b *Buffer) Drain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drainLocked()
}

// Len returns the number of queued messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Clear discards every queued message.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
}

func (b *Buffer) drainLocked() {
	for len(b.queue) > 0 && b.conn.Connected() && !b.conn.Pressured() {
		if err := b.conn.Send(b.queue[0]); err != nil {
			// Leave the message at the head; order must survive a failed write.
			return
		}
		b.queue[0] = nil
		b.queue = b.queue[1:]
	}
	if len(b.queue) == 0 {
		b.queue = nil
	}
}

// overflowLocked applies the policy and reports whether the incoming message
// should be dropped.
func (b *Buffer) overflowLocked() bool {
	if b.opts.OnOverflow != nil {
		b.opts.OnOverflow(b.opts.Policy)
	}
	switch b.opts.Policy {
	case PolicyDisconnect:
		b.logger.Warn("closing slow consumer", "queued", len(b.queue))
		b.queue = nil
		if err := b.conn.Close(CloseSlowConsumer, "slow consumer"); err != nil {
			b.logger.Debug("close slow consumer", "error", err)
		}
		return true
	default:
		b.queue[0] = nil
		b.queue = b.queue[1:]
		return false
	}
}
