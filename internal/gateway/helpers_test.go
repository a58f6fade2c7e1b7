package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/sessiongate/internal/engine"
	"github.com/haasonsaas/sessiongate/internal/transport"
	"github.com/haasonsaas/sessiongate/pkg/models"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

// recordingConn is a buffer.Conn that keeps every frame written to it.
type recordingConn struct {
	mu     sync.Mutex
	frames []*protocol.Frame
	closed bool
	notify chan struct{}
}

func newRecordingConn() *recordingConn {
	return &recordingConn{notify: make(chan struct{}, 1)}
}

func (c *recordingConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *recordingConn) Pressured() bool { return false }

func (c *recordingConn) Send(data []byte) error {
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, &frame)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *recordingConn) Close(int, string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) snapshot() []*protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Frame(nil), c.frames...)
}

// events returns the event names received so far.
func (c *recordingConn) events() []string {
	var out []string
	for _, f := range c.snapshot() {
		if f.Type == protocol.TypeEvent {
			out = append(out, f.Event)
		}
	}
	return out
}

// waitFor blocks until match accepts a received frame and returns it.
func (c *recordingConn) waitFor(t *testing.T, match func(*protocol.Frame) bool) *protocol.Frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		for _, f := range c.snapshot() {
			if match(f) {
				return f
			}
		}
		select {
		case <-c.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for frame; got %d frames", len(c.snapshot()))
		}
	}
}

func isEvent(name string) func(*protocol.Frame) bool {
	return func(f *protocol.Frame) bool { return f.Type == protocol.TypeEvent && f.Event == name }
}

func isResult(id string) func(*protocol.Frame) bool {
	return func(f *protocol.Frame) bool { return f.Type == protocol.TypeResult && f.ID == id }
}

// fakeTransport hands out clients backed by recording conns.
type fakeTransport struct {
	name      string
	listeners *transport.Listeners
	clients   *transport.ClientSet
	running   atomic.Bool
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{
		name:      name,
		listeners: transport.NewListeners(),
		clients:   transport.NewClientSet(),
	}
}

func (t *fakeTransport) Name() string                    { return t.name }
func (t *fakeTransport) Listeners() *transport.Listeners { return t.listeners }
func (t *fakeTransport) Clients() []*transport.Client    { return t.clients.List() }
func (t *fakeTransport) ClientCount() int                { return t.clients.Len() }

func (t *fakeTransport) Client(id string) (*transport.Client, bool) {
	return t.clients.Get(id)
}

func (t *fakeTransport) Start(context.Context) error {
	t.running.Store(true)
	return nil
}

func (t *fakeTransport) Stop(context.Context) error {
	t.running.Store(false)
	for _, c := range t.clients.List() {
		t.disconnect(c, "server shutting down")
	}
	return nil
}

func (t *fakeTransport) connect(id string, user *models.User) (*transport.Client, *recordingConn) {
	conn := newRecordingConn()
	c := t.clients.Register(id, func(id string) *transport.Client {
		return transport.NewClient(conn, transport.ClientOptions{ID: id, Transport: t.name, User: user})
	})
	t.listeners.EmitConnect(c)
	return c, conn
}

func (t *fakeTransport) disconnect(c *transport.Client, reason string) {
	_ = c.Close(1000, reason)
	t.clients.Remove(c)
	t.listeners.EmitDisconnect(c, reason)
}

// request sends a req frame through the message listeners, the way a socket
// transport would, and waits for the matching res.
func (t *fakeTransport) request(tb *testing.T, c *transport.Client, conn *recordingConn, id, method string, params any) *protocol.Frame {
	tb.Helper()
	frame, err := protocol.NewRequest(id, method, params)
	if err != nil {
		tb.Fatalf("NewRequest() error = %v", err)
	}
	data, err := protocol.Encode(frame)
	if err != nil {
		tb.Fatalf("Encode() error = %v", err)
	}
	t.listeners.EmitMessage(c, data)
	return conn.waitFor(tb, isResult(id))
}

// countingApp wraps an echo app and counts engine sessions opened.
type countingApp struct {
	id      string
	delay   time.Duration
	created atomic.Int32
	echo    *engine.EchoApp
	channel *countingChannel
}

func newCountingApp(id string) *countingApp {
	return &countingApp{
		id:      id,
		echo:    engine.NewEchoApp(engine.EchoConfig{ID: id, ChunkSize: 4}),
		channel: &countingChannel{MemoryChannel: engine.NewMemoryChannel()},
	}
}

func (a *countingApp) ID() string { return a.id }

func (a *countingApp) Session(ctx context.Context, key string) (engine.Session, error) {
	a.created.Add(1)
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	inner, err := a.echo.Session(ctx, key)
	if err != nil {
		return nil, err
	}
	return &countingSession{Session: inner, channel: a.channel}, nil
}

type countingSession struct {
	engine.Session
	channel *countingChannel
}

func (s *countingSession) Channel(string) engine.Channel { return s.channel }

func (s *countingSession) Abort(ctx context.Context) error {
	return s.Session.(engine.Aborter).Abort(ctx)
}

func (s *countingSession) SubmitToolResult(ctx context.Context, result models.ToolResult) error {
	return s.channel.Publish(ctx, models.Event{Type: "tool_result", Data: result})
}

// countingChannel counts engine-side subscriptions and their releases.
type countingChannel struct {
	*engine.MemoryChannel
	subscribes   atomic.Int32
	unsubscribes atomic.Int32
}

func (c *countingChannel) Subscribe(fn func(models.Event)) func() {
	c.subscribes.Add(1)
	release := c.MemoryChannel.Subscribe(fn)
	return func() {
		c.unsubscribes.Add(1)
		release()
	}
}

// failingApp opens sessions whose Send always fails.
type failingApp struct{ err error }

func (a failingApp) ID() string { return "broken" }

func (a failingApp) Session(context.Context, string) (engine.Session, error) {
	return failingSession(a), nil
}

type failingSession struct{ err error }

func (s failingSession) Send(context.Context, models.Message) (engine.Execution, error) {
	return nil, s.err
}

func (s failingSession) Channel(string) engine.Channel { return engine.NewMemoryChannel() }

type testEnv struct {
	gateway *Gateway
	app     *countingApp
	ws      *fakeTransport
	sse     *fakeTransport
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	app := newCountingApp("assistant")
	ws := newFakeTransport("ws")
	sse := newFakeTransport("sse")
	opts := Options{
		Apps:       []engine.App{app},
		Transports: []transport.Transport{ws, sse},
	}
	if mutate != nil {
		mutate(&opts)
	}
	g, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Stop(ctx)
	})
	return &testEnv{gateway: g, app: app, ws: ws, sse: sse}
}

func (e *testEnv) call(t *testing.T, c *transport.Client, method string, params any) (any, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var user *models.User
	if c != nil {
		user = c.User
	}
	return e.gateway.Dispatch(context.Background(), c, user, method, raw)
}

func hiMessage() models.Message {
	return models.TextMessage("hi")
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
