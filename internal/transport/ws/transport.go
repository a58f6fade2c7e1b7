// Package ws is the WebSocket transport. A connection must open with a
// connect frame carrying a token; only after the token validates is the
// client registered and visible to the gateway.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/sessiongate/internal/auth"
	"github.com/haasonsaas/sessiongate/internal/buffer"
	"github.com/haasonsaas/sessiongate/internal/transport"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

// Name is the transport name reported on clients and metrics.
const Name = "ws"

// CloseUnauthenticated is the close code sent when the connect handshake fails.
const CloseUnauthenticated = 4001

const (
	maxPayloadBytes  = 1 << 20
	maxBufferedBytes = 1 << 20
	sendQueueSize    = 256
	pongWaitFactor   = 3
	writeWait        = 10 * time.Second

	defaultPingInterval     = 15 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Config configures the transport.
type Config struct {
	Validator auth.Validator
	Buffer    buffer.Options

	// HandshakeTimeout bounds the wait for the connect frame.
	HandshakeTimeout time.Duration

	// PingInterval is how often the server pings; the peer must answer
	// within three intervals.
	PingInterval time.Duration

	// AllowedOrigins restricts browser upgrades. Empty allows any origin.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Transport accepts WebSocket upgrades. It implements transport.Transport
// and http.Handler.
type Transport struct {
	cfg       Config
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	listeners *transport.Listeners
	clients   *transport.ClientSet

	mu      sync.Mutex
	running bool
	open    map[*conn]struct{}
	wg      sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

// New creates a stopped transport.
func New(cfg Config) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		cfg:       cfg,
		logger:    logger.With("component", "ws"),
		listeners: transport.NewListeners(),
		clients:   transport.NewClientSet(),
		open:      make(map[*conn]struct{}),
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     t.checkOrigin,
	}
	return t
}

func (t *Transport) Name() string                    { return Name }
func (t *Transport) Listeners() *transport.Listeners { return t.listeners }
func (t *Transport) ClientCount() int                { return t.clients.Len() }
func (t *Transport) Clients() []*transport.Client    { return t.clients.List() }

func (t *Transport) Client(id string) (*transport.Client, bool) {
	return t.clients.Get(id)
}

// Start begins accepting upgrades. The listener itself is owned by the
// HTTP server that mounts the transport.
func (t *Transport) Start(context.Context) error {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	return nil
}

// Stop refuses new upgrades, closes every open socket and waits for the
// connection goroutines to finish or ctx to expire.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.running = false
	for c := range t.open {
		_ = c.Close(websocket.CloseGoingAway, "server shutting down")
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !t.isRunning() {
		http.Error(w, "transport not running", http.StatusServiceUnavailable)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.listeners.EmitError(fmt.Errorf("websocket upgrade: %w", err))
		return
	}

	c := newConn(ws, t.cfg.PingInterval)
	if !t.track(c) {
		_ = ws.Close()
		return
	}
	defer t.untrack(c)
	go c.writeLoop()

	client, err := t.handshake(r, c)
	if err != nil {
		t.logger.Debug("handshake failed", "remote", r.RemoteAddr, "error", err)
		c.wait(writeWait)
		return
	}

	t.listeners.EmitConnect(client)
	reason := t.readLoop(client, c)
	_ = c.Close(websocket.CloseNormalClosure, "")
	t.clients.Remove(client)
	t.listeners.EmitDisconnect(client, reason)
	c.wait(writeWait)
}

func (t *Transport) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// track registers an open socket so Stop can close it. It fails once Stop
// has begun.
func (t *Transport) track(c *conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return false
	}
	t.open[c] = struct{}{}
	t.wg.Add(1)
	return true
}

func (t *Transport) untrack(c *conn) {
	t.mu.Lock()
	delete(t.open, c)
	t.mu.Unlock()
	t.wg.Done()
}

// handshake reads the connect frame, validates its token and registers the
// client. On failure the socket is closed with CloseUnauthenticated.
func (t *Transport) handshake(r *http.Request, c *conn) (*transport.Client, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	c.ws.SetReadLimit(maxPayloadBytes)

	fail := func(id string, err error) (*transport.Client, error) {
		if id == "" {
			id = protocol.ConnectID
		}
		if data, encErr := protocol.Encode(protocol.NewErrorResult(id, err)); encErr == nil {
			_ = c.Send(data)
		}
		_ = c.Close(CloseUnauthenticated, "unauthenticated")
		return nil, err
	}

	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		c.abort()
		return nil, fmt.Errorf("read connect frame: %w", err)
	}
	if messageType != websocket.TextMessage {
		return fail("", protocol.Errorf(protocol.CodeUnauthenticated, "connect frame must be text"))
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		return fail("", protocol.Errorf(protocol.CodeUnauthenticated, "%v", err))
	}
	if frame.Type != protocol.TypeConnect {
		return fail(frame.ID, protocol.Errorf(protocol.CodeUnauthenticated, "first frame must be connect"))
	}

	token := strings.TrimSpace(frame.Token)
	if token == "" {
		token = auth.RequestToken(r, false)
	}
	result, err := transport.Authenticate(r.Context(), t.cfg.Validator, token)
	if err != nil {
		return fail(frame.ID, err)
	}

	client := t.clients.Register(frame.ClientID, func(id string) *transport.Client {
		return transport.NewClient(c, transport.ClientOptions{
			ID:        id,
			Transport: Name,
			User:      result.User,
			Metadata:  result.Metadata,
			Buffer:    t.cfg.Buffer,
		})
	})
	drain := func() {
		if client.Buffered() > 0 {
			client.Drain()
		}
	}
	c.onWritten.Store(&drain)

	id := frame.ID
	if id == "" {
		id = protocol.ConnectID
	}
	reply, err := protocol.NewResult(id, protocol.ConnectPayload{
		ClientID:    client.ID,
		Protocol:    protocol.Version,
		HeartbeatMs: t.cfg.PingInterval.Milliseconds(),
	})
	if err != nil {
		t.clients.Remove(client)
		return fail(frame.ID, err)
	}
	if err := client.Send(reply); err != nil {
		t.clients.Remove(client)
		return fail(frame.ID, err)
	}
	return client, nil
}

func (t *Transport) readLoop(client *transport.Client, c *conn) string {
	pongWait := pongWaitFactor * t.cfg.PingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr):
				return fmt.Sprintf("closed: %d %s", closeErr.Code, closeErr.Text)
			case !c.Connected():
				c.mu.Lock()
				reason := c.closeReason
				c.mu.Unlock()
				if reason == "" {
					reason = "closed by server"
				}
				return reason
			default:
				t.listeners.EmitError(fmt.Errorf("client %s: %w", client.ID, err))
				return "read error"
			}
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		t.listeners.EmitMessage(client, data)
	}
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if len(t.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range t.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}
