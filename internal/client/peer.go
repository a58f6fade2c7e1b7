// Package client implements the client side of the gateway protocol. A Peer
// speaks connect/req/res/event frames over any Delegate; the WebSocket and
// HTTP delegates cover the two server transports.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/sessiongate/internal/backoff"
	"github.com/haasonsaas/sessiongate/internal/sessions"
	"github.com/haasonsaas/sessiongate/pkg/models"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

// State is the connection state of a Peer.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const (
	DefaultRequestTimeout       = 30 * time.Second
	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectAttempts = 5
)

// Options configures a Peer.
type Options struct {
	// ClientID is requested in the connect frame. Empty lets the server
	// assign one, which is then reused on reconnect.
	ClientID string
	Token    string

	RequestTimeout time.Duration

	// Reconnect redials after an unexpected close of a connected peer, up to
	// MaxReconnectAttempts times with a delay of ReconnectDelay*attempt.
	Reconnect            bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration

	OnStateChange func(State)
	Logger        *slog.Logger
}

// Event is an event frame received from the gateway.
type Event struct {
	Name      string          `json:"event"`
	SessionID string          `json:"sessionId,omitempty"`
	RunID     string          `json:"runId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Terminal reports whether the event ends a send stream.
func (e Event) Terminal() bool {
	return models.IsTerminal(e.Name)
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Status mirrors the gateway status payload.
type Status struct {
	UptimeMs int64             `json:"uptimeMs"`
	Clients  int               `json:"clients"`
	Sessions int               `json:"sessions"`
	Active   int               `json:"active"`
	Apps     []string          `json:"apps"`
	Session  *sessions.Session `json:"session,omitempty"`
}

type response struct {
	frame *protocol.Frame
	err   error
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

type eventListener struct {
	id uint64
	fn func(Event)
}

// Peer is a client connection to a gateway with request correlation,
// per-send event streams and optional reconnection.
type Peer struct {
	delegate Delegate
	opts     Options
	logger   *slog.Logger

	mu              sync.Mutex
	state           State
	conn            Conn
	clientID        string
	connecting      *connectAttempt
	closed          bool
	reconnectCancel context.CancelFunc
	reconnects      int
	nextID          uint64
	pending         map[string]chan response
	streams         map[string]map[*SendStream]struct{}
	subscriptions   map[string]struct{}
	listeners       []eventListener
	nextListener    uint64
}

// New creates a disconnected peer.
func New(delegate Delegate, opts Options) *Peer {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Peer{
		delegate:      delegate,
		opts:          opts,
		logger:        logger.With("component", "client"),
		state:         StateDisconnected,
		pending:       make(map[string]chan response),
		streams:       make(map[string]map[*SendStream]struct{}),
		subscriptions: make(map[string]struct{}),
	}
}

// State returns the current connection state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ClientID returns the id assigned by the gateway on the last connect.
func (p *Peer) ClientID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID
}

// ReconnectAttempts returns the attempts made since the last successful
// connect.
func (p *Peer) ReconnectAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconnects
}

// Connect opens a connection and performs the handshake. Concurrent callers
// share one attempt.
func (p *Peer) Connect(ctx context.Context) error {
	return p.connect(ctx, false)
}

func (p *Peer) connect(ctx context.Context, reconnecting bool) error {
	p.mu.Lock()
	if reconnecting && p.closed {
		p.mu.Unlock()
		return protocol.Errorf(protocol.CodeConnectionClosed, "peer disconnected")
	}
	if p.state == StateConnected {
		p.mu.Unlock()
		return nil
	}
	if attempt := p.connecting; attempt != nil {
		p.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	p.connecting = attempt
	if !reconnecting {
		p.closed = false
	}
	notify := p.setStateLocked(StateConnecting)
	p.mu.Unlock()
	notify()

	attempt.err = p.dial(ctx)
	close(attempt.done)
	return attempt.err
}

func (p *Peer) dial(ctx context.Context) error {
	conn, clientID, err := p.handshake(ctx)

	p.mu.Lock()
	p.connecting = nil
	if err == nil && p.closed {
		_ = conn.Close()
		err = protocol.Errorf(protocol.CodeConnectionClosed, "disconnected while connecting")
	}
	if err != nil {
		next := StateError
		if p.closed {
			next = StateDisconnected
		}
		notify := p.setStateLocked(next)
		p.mu.Unlock()
		notify()
		return err
	}
	p.conn = conn
	p.clientID = clientID
	p.reconnects = 0
	resubscribe := make([]string, 0, len(p.subscriptions))
	for id := range p.subscriptions {
		resubscribe = append(resubscribe, id)
	}
	notify := p.setStateLocked(StateConnected)
	p.mu.Unlock()
	notify()

	go p.readLoop(conn)
	if len(resubscribe) > 0 {
		slices.Sort(resubscribe)
		go p.resubscribe(resubscribe)
	}
	return nil
}

// handshake opens a connection, sends the connect frame and waits for its
// response.
func (p *Peer) handshake(ctx context.Context) (Conn, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()

	conn, err := p.delegate.Open(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("open connection: %w", err)
	}
	fail := func(err error) (Conn, string, error) {
		_ = conn.Close()
		return nil, "", err
	}

	p.mu.Lock()
	requested := p.opts.ClientID
	if requested == "" {
		requested = p.clientID
	}
	p.mu.Unlock()

	data, err := protocol.Encode(&protocol.Frame{
		Type:     protocol.TypeConnect,
		ID:       protocol.ConnectID,
		ClientID: requested,
		Token:    p.opts.Token,
	})
	if err != nil {
		return fail(err)
	}
	if err := conn.Send(ctx, data); err != nil {
		return fail(fmt.Errorf("send connect frame: %w", err))
	}
	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			return fail(fmt.Errorf("await connect response: %w", err))
		}
		frame, err := protocol.Decode(raw)
		if err != nil || frame.Type != protocol.TypeResult || frame.ID != protocol.ConnectID {
			continue
		}
		if !frame.Succeeded() {
			return fail(responseError(frame))
		}
		var hello protocol.ConnectPayload
		if err := json.Unmarshal(frame.Payload, &hello); err != nil {
			return fail(fmt.Errorf("decode connect response: %w", err))
		}
		return conn, hello.ClientID, nil
	}
}

func (p *Peer) readLoop(conn Conn) {
	for {
		data, err := conn.Receive(context.Background())
		if err != nil {
			p.connectionLost(conn, err)
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			p.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		switch frame.Type {
		case protocol.TypeResult:
			p.resolve(frame)
		case protocol.TypeEvent:
			p.dispatchEvent(frame)
		}
	}
}

func (p *Peer) connectionLost(conn Conn, cause error) {
	if !p.teardown(conn, protocol.Errorf(protocol.CodeConnectionClosed, "connection closed: %v", cause)) {
		return
	}
	p.mu.Lock()
	reconnect := !p.closed && p.opts.Reconnect
	p.mu.Unlock()
	if reconnect {
		go p.reconnect()
	}
}

// teardown detaches conn, rejects every pending request and ends every open
// send stream with cause. It reports whether conn was the live connection.
func (p *Peer) teardown(conn Conn, cause error) bool {
	p.mu.Lock()
	if conn == nil || p.conn != conn {
		p.mu.Unlock()
		return false
	}
	p.conn = nil
	pending := p.pending
	p.pending = make(map[string]chan response)
	streams := p.streams
	p.streams = make(map[string]map[*SendStream]struct{})
	notify := p.setStateLocked(StateDisconnected)
	p.mu.Unlock()
	notify()

	for _, ch := range pending {
		ch <- response{err: cause}
	}
	for _, set := range streams {
		for s := range set {
			s.fail(cause)
		}
	}
	_ = conn.Close()
	return true
}

func (p *Peer) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.reconnectCancel = cancel
	p.mu.Unlock()

	result, err := backoff.RetryWithBackoff(ctx, backoff.LinearPolicy(p.opts.ReconnectDelay), backoff.RetryOptions{
		MaxAttempts: p.opts.MaxReconnectAttempts,
		DelayFirst:  true,
		OnRetry: func(attempt int, err error) {
			p.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		},
	}, func(attempt int) (struct{}, error) {
		p.mu.Lock()
		p.reconnects = attempt
		p.mu.Unlock()
		return struct{}{}, p.connect(ctx, true)
	})
	if err != nil {
		p.logger.Error("giving up on reconnect", "attempts", result.Attempts, "error", err)
		return
	}
	p.logger.Info("reconnected", "attempts", result.Attempts, "client_id", p.ClientID())
}

func (p *Peer) resubscribe(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.RequestTimeout)
	defer cancel()
	for _, id := range ids {
		if _, err := p.Request(ctx, methodSubscribe, sessionParams{SessionID: id}); err != nil {
			p.logger.Warn("resubscribe failed", "session", id, "error", err)
		}
	}
}

// Disconnect closes the connection and stops any reconnection. Pending
// requests fail with connection_closed.
func (p *Peer) Disconnect() error {
	p.mu.Lock()
	p.closed = true
	if p.reconnectCancel != nil {
		p.reconnectCancel()
		p.reconnectCancel = nil
	}
	conn := p.conn
	p.mu.Unlock()

	if !p.teardown(conn, protocol.Errorf(protocol.CodeConnectionClosed, "disconnected")) {
		p.mu.Lock()
		notify := func() {}
		if p.connecting == nil {
			notify = p.setStateLocked(StateDisconnected)
		}
		p.mu.Unlock()
		notify()
	}
	return nil
}

// Request sends a req frame and waits for the matching res. Responses are
// matched by id, so concurrent requests may complete in any order.
func (p *Peer) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p.mu.Lock()
	conn := p.conn
	if conn == nil {
		p.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeConnectionClosed, "not connected")
	}
	p.nextID++
	id := strconv.FormatUint(p.nextID, 10)
	ch := make(chan response, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	frame, err := protocol.NewRequest(id, method, params)
	if err != nil {
		p.forget(id)
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "%v", err)
	}
	data, err := protocol.Encode(frame)
	if err != nil {
		p.forget(id)
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "%v", err)
	}
	if err := conn.Send(ctx, data); err != nil {
		p.forget(id)
		return nil, protocol.Errorf(protocol.CodeConnectionClosed, "send %s: %v", method, err)
	}

	timer := time.NewTimer(p.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.err != nil {
			return nil, resp.err
		}
		if !resp.frame.Succeeded() {
			return nil, responseError(resp.frame)
		}
		return resp.frame.Payload, nil
	case <-timer.C:
		p.forget(id)
		return nil, protocol.Errorf(protocol.CodeTimeout, "%s timed out after %s", method, p.opts.RequestTimeout)
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	}
}

// Call is Request with the payload decoded into out. A nil out discards it.
func (p *Peer) Call(ctx context.Context, method string, params, out any) error {
	payload, err := p.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (p *Peer) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Peer) pendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Peer) resolve(frame *protocol.Frame) {
	p.mu.Lock()
	ch, ok := p.pending[frame.ID]
	delete(p.pending, frame.ID)
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("ignoring response for unknown request", "id", frame.ID)
		return
	}
	ch <- response{frame: frame}
}

// OnEvent registers fn for every event received. The returned func removes it.
func (p *Peer) OnEvent(fn func(Event)) func() {
	p.mu.Lock()
	p.nextListener++
	id := p.nextListener
	p.listeners = append(p.listeners, eventListener{id: id, fn: fn})
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.listeners = slices.DeleteFunc(p.listeners, func(l eventListener) bool { return l.id == id })
			p.mu.Unlock()
		})
	}
}

func (p *Peer) dispatchEvent(frame *protocol.Frame) {
	ev := Event{Name: frame.Event, SessionID: frame.SessionID, RunID: frame.RunID, Data: frame.Data}

	p.mu.Lock()
	streams := make([]*SendStream, 0, len(p.streams[ev.SessionID]))
	for s := range p.streams[ev.SessionID] {
		// Session-wide events carry no run id and reach every stream.
		if ev.RunID == "" || ev.RunID == s.runID {
			streams = append(streams, s)
		}
	}
	listeners := slices.Clone(p.listeners)
	p.mu.Unlock()

	for _, s := range streams {
		s.push(ev)
	}
	for _, l := range listeners {
		l.fn(ev)
	}
}

// Send starts an execution on sessionID and returns a stream of its events.
// The stream is registered before the request goes out so no event is missed.
// Each send carries its own run id, so concurrent sends on one session get
// only their own execution's events.
func (p *Peer) Send(ctx context.Context, msg models.Message, sessionID string) (*SendStream, error) {
	s := newSendStream(p, sessionID, uuid.NewString())
	p.mu.Lock()
	if p.conn == nil {
		p.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeConnectionClosed, "not connected")
	}
	set := p.streams[sessionID]
	if set == nil {
		set = make(map[*SendStream]struct{})
		p.streams[sessionID] = set
	}
	set[s] = struct{}{}
	p.mu.Unlock()

	if _, err := p.Request(ctx, methodSend, sendParams{SessionID: sessionID, Message: msg, RunID: s.runID}); err != nil {
		p.dropStream(s)
		s.fail(err)
		return nil, err
	}
	return s, nil
}

func (p *Peer) dropStream(s *SendStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.streams[s.sessionID]
	delete(set, s)
	if len(set) == 0 {
		delete(p.streams, s.sessionID)
	}
}

func (p *Peer) setStateLocked(next State) func() {
	if p.state == next {
		return func() {}
	}
	p.state = next
	if cb := p.opts.OnStateChange; cb != nil {
		return func() { cb(next) }
	}
	return func() {}
}

func responseError(frame *protocol.Frame) error {
	if frame.Error != nil {
		return frame.Error
	}
	return protocol.Errorf(protocol.CodeInternal, "request %s failed", frame.ID)
}
