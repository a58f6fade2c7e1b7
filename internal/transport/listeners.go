package transport

import (
	"sync"
)

// listenerSet is a typed set of callbacks. Add returns a function that
// removes the callback again.
type listenerSet[T any] struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(T)
}

func (s *listenerSet[T]) add(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(T))
	}
	s.nextID++
	id := s.nextID
	s.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *listenerSet[T]) emit(v T) {
	s.mu.Lock()
	fns := make([]func(T), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// MessageEvent is a raw inbound frame from an authenticated client.
type MessageEvent struct {
	Client *Client
	Data   []byte
}

// DisconnectEvent reports a client leaving.
type DisconnectEvent struct {
	Client *Client
	Reason string
}

// Listeners holds the typed observers of one transport.
type Listeners struct {
	connect    listenerSet[*Client]
	message    listenerSet[MessageEvent]
	disconnect listenerSet[DisconnectEvent]
	errors     listenerSet[error]
}

// NewListeners returns an empty listener registry.
func NewListeners() *Listeners {
	return &Listeners{}
}

// OnConnect registers fn for newly authenticated clients.
func (l *Listeners) OnConnect(fn func(*Client)) func() {
	return l.connect.add(fn)
}

// OnMessage registers fn for inbound frames.
func (l *Listeners) OnMessage(fn func(*Client, []byte)) func() {
	return l.message.add(func(ev MessageEvent) { fn(ev.Client, ev.Data) })
}

// OnDisconnect registers fn for client departures.
func (l *Listeners) OnDisconnect(fn func(*Client, string)) func() {
	return l.disconnect.add(func(ev DisconnectEvent) { fn(ev.Client, ev.Reason) })
}

// OnError registers fn for transport-level errors.
func (l *Listeners) OnError(fn func(error)) func() {
	return l.errors.add(fn)
}

// EmitConnect notifies connect listeners.
func (l *Listeners) EmitConnect(c *Client) { l.connect.emit(c) }

// EmitMessage notifies message listeners.
func (l *Listeners) EmitMessage(c *Client, data []byte) {
	l.message.emit(MessageEvent{Client: c, Data: data})
}

// EmitDisconnect notifies disconnect listeners once per client.
func (l *Listeners) EmitDisconnect(c *Client, reason string) {
	if !c.markClosed() {
		return
	}
	l.disconnect.emit(DisconnectEvent{Client: c, Reason: reason})
}

// EmitError notifies error listeners.
func (l *Listeners) EmitError(err error) { l.errors.emit(err) }
