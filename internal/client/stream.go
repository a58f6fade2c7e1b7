package client

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
)

// SendStream yields the events of one send. Events that arrive before Next
// is called are queued; Next calls made before events arrive wait.
type SendStream struct {
	peer      *Peer
	sessionID string
	runID     string

	mu      sync.Mutex
	queue   []Event
	done    bool
	err     error
	changed chan struct{}
}

func newSendStream(p *Peer, sessionID, runID string) *SendStream {
	return &SendStream{peer: p, sessionID: sessionID, runID: runID, changed: make(chan struct{})}
}

func (s *SendStream) SessionID() string { return s.sessionID }

// RunID identifies the execution this stream follows.
func (s *SendStream) RunID() string { return s.runID }

func (s *SendStream) push(ev Event) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	terminal := ev.Terminal()
	if terminal {
		s.done = true
	}
	s.signalLocked()
	s.mu.Unlock()
	if terminal {
		s.peer.dropStream(s)
	}
}

func (s *SendStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	s.signalLocked()
}

func (s *SendStream) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Next returns the next event. After the terminal event or Abort it returns
// io.EOF; if the connection dropped first it returns that error once the
// queued events are consumed.
func (s *SendStream) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return Event{}, err
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Events ranges over the stream until it ends. A non-EOF error is yielded
// once as the last element.
func (s *SendStream) Events(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Abort ends the stream, dropping queued events, and asks the gateway to
// abort the session. The server abort is best effort.
func (s *SendStream) Abort(ctx context.Context) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	s.queue = nil
	s.signalLocked()
	s.mu.Unlock()

	s.peer.dropStream(s)
	if err := s.peer.AbortSession(ctx, s.sessionID); err != nil {
		s.peer.logger.Debug("server abort failed", "session", s.sessionID, "error", err)
	}
	return nil
}
