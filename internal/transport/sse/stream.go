package sse

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

var (
	errStreamClosed = errors.New("event stream closed")
	errStreamFull   = errors.New("event stream queue full")
)

// stream is the held-open /events response. It implements buffer.Conn; the
// handler goroutine is the only writer.
type stream struct {
	w       http.ResponseWriter
	flusher http.Flusher

	send   chan []byte
	queued atomic.Int64

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	reason string

	onWritten atomic.Pointer[func()]
}

func newStream(w http.ResponseWriter, flusher http.Flusher) *stream {
	return &stream{
		w:       w,
		flusher: flusher,
		send:    make(chan []byte, streamQueueSize),
		done:    make(chan struct{}),
	}
}

func (s *stream) Connected() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *stream) Pressured() bool {
	return s.queued.Load() > maxBufferedBytes || len(s.send) >= cap(s.send)
}

func (s *stream) Send(data []byte) error {
	if !s.Connected() {
		return errStreamClosed
	}
	select {
	case s.send <- data:
		s.queued.Add(int64(len(data)))
		return nil
	default:
		return errStreamFull
	}
}

// Close ends the stream. SSE has no close codes; the code is kept only in
// the disconnect reason.
func (s *stream) Close(_ int, reason string) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

func (s *stream) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// writeFrame writes an encoded frame using its event name as the SSE event.
func (s *stream) writeFrame(data []byte) error {
	var head struct {
		Type  string `json:"type"`
		Event string `json:"event"`
	}
	name := "message"
	if err := json.Unmarshal(data, &head); err == nil {
		name = head.Type
		if head.Type == protocol.TypeEvent {
			name = head.Event
		}
	}
	if err := protocol.WriteSSE(s.w, name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// serve pumps queued frames and heartbeats until the stream closes or the
// request context ends. It returns the disconnect reason.
func (s *stream) serve(reqDone <-chan struct{}, heartbeat time.Duration) string {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-reqDone:
			_ = s.Close(0, "client went away")
			return "client went away"
		case <-s.done:
			return s.closeReason()
		case data := <-s.send:
			s.queued.Add(-int64(len(data)))
			if err := s.writeFrame(data); err != nil {
				_ = s.Close(0, "write error")
				return "write error"
			}
			if fn := s.onWritten.Load(); fn != nil && len(s.send) == 0 {
				(*fn)()
			}
		case <-ticker.C:
			if err := protocol.WriteSSEComment(s.w, "ping"); err != nil {
				_ = s.Close(0, "write error")
				return "write error"
			}
			s.flusher.Flush()
		}
	}
}
