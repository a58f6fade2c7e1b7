package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	errClosed   = errors.New("websocket closed")
	errPressure = errors.New("websocket write queue full")
)

// conn adapts a gorilla connection to buffer.Conn. All writes go through a
// single writer goroutine; Send only enqueues.
type conn struct {
	ws   *websocket.Conn
	send chan []byte

	// queued counts bytes handed to the writer but not yet written.
	queued atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	exited    chan struct{}

	mu          sync.Mutex
	closeCode   int
	closeReason string

	pingInterval time.Duration
	onWritten    atomic.Pointer[func()]
}

func newConn(ws *websocket.Conn, pingInterval time.Duration) *conn {
	return &conn{
		ws:           ws,
		send:         make(chan []byte, sendQueueSize),
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
		pingInterval: pingInterval,
	}
}

func (c *conn) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *conn) Pressured() bool {
	return c.queued.Load() > maxBufferedBytes || len(c.send) >= cap(c.send)
}

func (c *conn) Send(data []byte) error {
	if !c.Connected() {
		return errClosed
	}
	select {
	case c.send <- data:
		c.queued.Add(int64(len(data)))
		return nil
	default:
		return errPressure
	}
}

// Close asks the writer to send a close frame with code and reason and then
// drop the socket. Only the first call has an effect.
func (c *conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

// abort drops the socket without a close handshake; used when the peer is
// already gone.
func (c *conn) abort() {
	_ = c.Close(websocket.CloseAbnormalClosure, "")
}

func (c *conn) writeLoop() {
	defer close(c.exited)
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-c.done:
			c.writeClose()
			return
		case msg := <-c.send:
			c.queued.Add(-int64(len(msg)))
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.abort()
				return
			}
			if fn := c.onWritten.Load(); fn != nil && len(c.send) == 0 {
				(*fn)()
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.abort()
				return
			}
		}
	}
}

// writeClose flushes frames that were queued before Close and then sends
// the close frame.
func (c *conn) writeClose() {
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	if code == websocket.CloseAbnormalClosure {
		return
	}
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			continue
		default:
		}
		break
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// wait blocks until the writer has exited or timeout passes.
func (c *conn) wait(timeout time.Duration) {
	select {
	case <-c.exited:
	case <-time.After(timeout):
	}
}
