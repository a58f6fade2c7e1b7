// Package sse is the request/stream transport: one long-lived
// text/event-stream per client for server-to-client events and a family of
// stateless POST endpoints for actions.
package sse

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/sessiongate/internal/auth"
	"github.com/haasonsaas/sessiongate/internal/buffer"
	"github.com/haasonsaas/sessiongate/internal/transport"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

// Name is the transport name reported on clients and metrics.
const Name = "sse"

// EventConnected is the SSE event name of the first frame on /events.
const EventConnected = "connected"

const (
	maxBodyBytes     = 1 << 20
	maxBufferedBytes = 1 << 20
	streamQueueSize  = 256

	DefaultHeartbeatInterval = 30 * time.Second
)

// Config configures the transport.
type Config struct {
	Validator         auth.Validator
	Buffer            buffer.Options
	HeartbeatInterval time.Duration

	// AllowedOrigins feeds the CORS headers. Empty allows any origin.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Transport serves the event stream and action endpoints. Routes are
// relative; mount it under a prefix with http.StripPrefix.
type Transport struct {
	cfg       Config
	logger    *slog.Logger
	listeners *transport.Listeners
	clients   *transport.ClientSet
	handler   http.Handler

	mu      sync.Mutex
	running bool
	backend transport.Backend
	streams map[*stream]struct{}
	wg      sync.WaitGroup
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Binder    = (*Transport)(nil)
)

// New creates a stopped transport.
func New(cfg Config) *Transport {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		cfg:       cfg,
		logger:    logger.With("component", "sse"),
		listeners: transport.NewListeners(),
		clients:   transport.NewClientSet(),
		streams:   make(map[*stream]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", t.handleEvents)
	mux.HandleFunc("POST /send", t.handleSend)
	mux.HandleFunc("POST /invoke", t.handleInvoke)
	mux.HandleFunc("POST /subscribe", t.handleSubscribe)
	mux.HandleFunc("POST /abort", t.handleSessionAction("abort"))
	mux.HandleFunc("POST /close", t.handleSessionAction("close"))
	mux.HandleFunc("POST /channel", t.handleChannel("channel_subscribe"))
	mux.HandleFunc("POST /channel/subscribe", t.handleChannel("channel_subscribe"))
	mux.HandleFunc("POST /channel/unsubscribe", t.handleChannel("channel_unsubscribe"))
	mux.HandleFunc("POST /channel/publish", t.handlePublish)

	t.handler = LoggingMiddleware(t.logger)(CORSMiddleware(cfg.AllowedOrigins)(mux))
	return t
}

func (t *Transport) Name() string                    { return Name }
func (t *Transport) Listeners() *transport.Listeners { return t.listeners }
func (t *Transport) ClientCount() int                { return t.clients.Len() }
func (t *Transport) Clients() []*transport.Client    { return t.clients.List() }

func (t *Transport) Client(id string) (*transport.Client, bool) {
	return t.clients.Get(id)
}

// Bind sets the backend used by the action endpoints.
func (t *Transport) Bind(b transport.Backend) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backend = b
}

func (t *Transport) currentBackend() transport.Backend {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.backend
}

// Start begins accepting event streams.
func (t *Transport) Start(context.Context) error {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	return nil
}

// Stop ends every open event stream and waits for their handlers to
// deregister the clients.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.running = false
	for s := range t.streams {
		_ = s.Close(0, "server shutting down")
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
	t.handler.ServeHTTP(w, r)
}

func (t *Transport) track(s *stream) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return false
	}
	t.streams[s] = struct{}{}
	t.wg.Add(1)
	return true
}

func (t *Transport) untrack(s *stream) {
	t.mu.Lock()
	delete(t.streams, s)
	t.mu.Unlock()
	t.wg.Done()
}

func (t *Transport) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, protocol.Errorf(protocol.CodeInternal, "streaming unsupported"))
		return
	}
	result, err := transport.Authenticate(r.Context(), t.cfg.Validator, auth.RequestToken(r, true))
	if err != nil {
		writeError(w, err)
		return
	}

	s := newStream(w, flusher)
	if !t.track(s) {
		writeError(w, protocol.Errorf(protocol.CodeConnectionClosed, "transport not running"))
		return
	}
	defer t.untrack(s)

	client := t.clients.Register(r.URL.Query().Get("clientId"), func(id string) *transport.Client {
		return transport.NewClient(s, transport.ClientOptions{
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
	s.onWritten.Store(&drain)

	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	hello, _ := json.Marshal(protocol.ConnectPayload{
		ClientID:    client.ID,
		Protocol:    protocol.Version,
		HeartbeatMs: t.cfg.HeartbeatInterval.Milliseconds(),
	})
	if err := protocol.WriteSSE(w, EventConnected, hello); err != nil {
		t.clients.Remove(client)
		return
	}
	flusher.Flush()

	t.listeners.EmitConnect(client)
	reason := s.serve(r.Context().Done(), t.cfg.HeartbeatInterval)
	t.clients.Remove(client)
	t.listeners.EmitDisconnect(client, reason)
}

func setStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type resultBody struct {
	OK      bool            `json:"ok"`
	Payload any             `json:"payload,omitempty"`
	Error   *protocol.Error `json:"error,omitempty"`
}

func writeResult(w http.ResponseWriter, payload any) {
	writeJSON(w, http.StatusOK, resultBody{OK: true, Payload: payload})
}

func writeError(w http.ResponseWriter, err error) {
	perr := protocol.AsError(err)
	writeJSON(w, perr.HTTPStatus(), resultBody{OK: false, Error: perr})
}
