package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/sessiongate/internal/engine"
	"github.com/haasonsaas/sessiongate/internal/ratelimit"
	"github.com/haasonsaas/sessiongate/internal/sessions"
	"github.com/haasonsaas/sessiongate/internal/transport"
	"github.com/haasonsaas/sessiongate/pkg/models"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

func TestNewValidatesApps(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("New() without apps should fail")
	}
	app := newCountingApp("assistant")
	if _, err := New(Options{Apps: []engine.App{app, app}}); err == nil {
		t.Fatal("New() with duplicate apps should fail")
	}
	if _, err := New(Options{Apps: []engine.App{app}, DefaultApp: "missing"}); err == nil {
		t.Fatal("New() with unknown default app should fail")
	}
}

func TestSendDeliversToSubscriberAndCountsMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	watcher, watcherConn := env.ws.connect("watcher", nil)
	sender, _ := env.ws.connect("sender", nil)

	if _, err := env.call(t, watcher, "subscribe", map[string]string{"sessionId": "s1"}); err != nil {
		t.Fatalf("subscribe error = %v", err)
	}
	payload, err := env.call(t, sender, "send", map[string]any{"sessionId": "s1", "message": hiMessage()})
	if err != nil {
		t.Fatalf("send error = %v", err)
	}
	if got := payload.(map[string]any)["status"]; got != "accepted" {
		t.Fatalf("send status = %v, want accepted", got)
	}

	end := watcherConn.waitFor(t, isEvent(models.EventExecutionEnd))
	if end.SessionID != "s1" {
		t.Fatalf("event sessionId = %q, want s1", end.SessionID)
	}
	events := watcherConn.events()
	if events[0] != models.EventExecutionStart || events[len(events)-1] != models.EventExecutionEnd {
		t.Fatalf("events = %v, want execution_start ... execution_end", events)
	}

	status, err := env.call(t, watcher, "status", map[string]string{"sessionId": "s1"})
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	session := status.(StatusResult).Session
	if session == nil || session.MessageCount != 1 {
		t.Fatalf("status session = %+v, want messageCount 1", session)
	}
	waitUntil(t, func() bool {
		s, err := env.gateway.Registry().Get("s1")
		return err == nil && !s.Active
	})
}

func TestSendAutoSubscribesSender(t *testing.T) {
	env := newTestEnv(t, nil)
	c, conn := env.ws.connect("c1", nil)

	res := env.ws.request(t, c, conn, "1", "send", map[string]any{"sessionId": "S1", "message": hiMessage()})
	if !res.Succeeded() {
		t.Fatalf("send res = %+v, want ok", res.Error)
	}
	conn.waitFor(t, isEvent(models.EventExecutionEnd))
	if !c.Subscribed("assistant:s1") {
		t.Fatalf("Subscriptions() = %v, want assistant:s1", c.Subscriptions())
	}
	session, err := env.gateway.Registry().Get("s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(session.Subscribers) != 1 || session.Subscribers[0] != "c1" {
		t.Fatalf("Subscribers = %v, want [c1]", session.Subscribers)
	}
}

func TestSendTagsEventsWithRunID(t *testing.T) {
	env := newTestEnv(t, nil)
	c, conn := env.ws.connect("c1", nil)

	payload, err := env.call(t, c, "send", map[string]any{"sessionId": "s1", "runId": "r1", "message": hiMessage()})
	if err != nil {
		t.Fatalf("send error = %v", err)
	}
	if got := payload.(map[string]any)["runId"]; got != "r1" {
		t.Fatalf("send runId = %v, want r1", got)
	}
	end := conn.waitFor(t, isEvent(models.EventExecutionEnd))
	if end.RunID != "r1" {
		t.Fatalf("execution_end runId = %q, want r1", end.RunID)
	}

	payload, err = env.call(t, c, "send", map[string]any{"sessionId": "s2", "message": hiMessage()})
	if err != nil {
		t.Fatalf("send error = %v", err)
	}
	if got, _ := payload.(map[string]any)["runId"].(string); got == "" {
		t.Fatal("send without runId returned no runId")
	}
}

func TestConcurrentSendsShareOneHandle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.app.delay = 20 * time.Millisecond
	c, conn := env.ws.connect("c1", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.call(t, c, "send", map[string]any{"sessionId": "s1", "message": hiMessage()}); err != nil {
				t.Errorf("send error = %v", err)
			}
		}()
	}
	wg.Wait()

	waitUntil(t, func() bool {
		n := 0
		for _, ev := range conn.events() {
			if ev == models.EventExecutionEnd {
				n++
			}
		}
		return n == 8
	})
	if got := env.app.created.Load(); got != 1 {
		t.Fatalf("engine sessions created = %d, want 1", got)
	}
	waitUntil(t, func() bool { return env.gateway.Registry().ActiveCount() == 0 })
}

func TestFanOutExactlyOnceAcrossTransports(t *testing.T) {
	env := newTestEnv(t, nil)
	wsClient, wsConn := env.ws.connect("shared", nil)
	sseClient, sseConn := env.sse.connect("other", nil)
	// Same id on the second transport but not subscribed.
	_, bystanderConn := env.sse.connect("shared", nil)

	for _, c := range []*transport.Client{wsClient, sseClient} {
		if _, err := env.call(t, c, "subscribe", map[string]string{"sessionId": "s1"}); err != nil {
			t.Fatalf("subscribe error = %v", err)
		}
		// A duplicate subscribe must not double deliveries.
		if _, err := env.call(t, c, "subscribe", map[string]string{"sessionId": "S1"}); err != nil {
			t.Fatalf("subscribe error = %v", err)
		}
	}
	if _, err := env.call(t, nil, "send", map[string]any{"sessionId": "s1", "message": hiMessage()}); err != nil {
		t.Fatalf("send error = %v", err)
	}

	wsConn.waitFor(t, isEvent(models.EventExecutionEnd))
	sseConn.waitFor(t, isEvent(models.EventExecutionEnd))
	want := []string{
		models.EventExecutionStart,
		models.EventMessageStart,
		models.EventMessageDelta,
		models.EventMessageEnd,
		models.EventExecutionEnd,
	}
	for name, conn := range map[string]*recordingConn{"ws": wsConn, "sse": sseConn} {
		got := conn.events()
		if len(got) != len(want) {
			t.Fatalf("%s events = %v, want %v", name, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s events = %v, want %v", name, got, want)
			}
		}
	}
	if got := bystanderConn.events(); len(got) != 0 {
		t.Fatalf("bystander events = %v, want none", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	c, conn := env.ws.connect("c1", nil)
	if _, err := env.call(t, c, "subscribe", map[string]string{"sessionId": "s1"}); err != nil {
		t.Fatalf("subscribe error = %v", err)
	}
	if _, err := env.call(t, c, "unsubscribe", map[string]string{"sessionId": "s1"}); err != nil {
		t.Fatalf("unsubscribe error = %v", err)
	}
	watcher, watcherConn := env.ws.connect("c2", nil)
	if _, err := env.call(t, watcher, "subscribe", map[string]string{"sessionId": "s1"}); err != nil {
		t.Fatalf("subscribe error = %v", err)
	}
	if _, err := env.call(t, nil, "send", map[string]any{"sessionId": "s1", "message": hiMessage()}); err != nil {
		t.Fatalf("send error = %v", err)
	}
	watcherConn.waitFor(t, isEvent(models.EventExecutionEnd))
	if got := conn.events(); len(got) != 0 {
		t.Fatalf("unsubscribed client events = %v, want none", got)
	}
}

func TestExecutionFailureEmitsErrorEvent(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Apps = append(o.Apps, failingApp{err: errors.New("model unavailable")})
	})
	c, conn := env.ws.connect("c1", nil)
	if _, err := env.call(t, c, "send", map[string]any{"sessionId": "broken:s1", "message": hiMessage()}); err != nil {
		t.Fatalf("send error = %v", err)
	}
	frame := conn.waitFor(t, isEvent(models.EventError))
	var perr protocol.Error
	if err := json.Unmarshal(frame.Data, &perr); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if perr.Code != protocol.CodeExecution {
		t.Fatalf("error code = %q, want %q", perr.Code, protocol.CodeExecution)
	}
	waitUntil(t, func() bool {
		s, err := env.gateway.Registry().Get("broken:s1")
		return err == nil && !s.Active
	})
	for _, ev := range conn.events() {
		if ev == models.EventExecutionEnd {
			t.Fatal("failed execution must not report execution_end")
		}
	}
}

func TestRequestFrames(t *testing.T) {
	env := newTestEnv(t, nil)
	c, conn := env.ws.connect("c1", nil)

	tests := []struct {
		name     string
		method   string
		params   any
		wantOK   bool
		wantCode protocol.Code
	}{
		{name: "ping", method: "ping", wantOK: true},
		{name: "list apps", method: "list_apps", wantOK: true},
		{name: "unknown", method: "nope", wantCode: protocol.CodeUnknownMethod},
		{name: "send without message", method: "send", params: map[string]string{"sessionId": "s1"}, wantCode: protocol.CodeInvalidRequest},
		{name: "send bad role", method: "send", params: map[string]any{
			"sessionId": "s1",
			"message":   map[string]any{"role": "robot", "content": []any{map[string]string{"type": "text", "text": "x"}}},
		}, wantCode: protocol.CodeInvalidRequest},
		{name: "abort unknown session", method: "abort", params: map[string]string{"sessionId": "ghost"}, wantCode: protocol.CodeNotFound},
		{name: "status extra field", method: "status", params: map[string]any{"verbose": true}, wantCode: protocol.CodeInvalidRequest},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := env.ws.request(t, c, conn, string(rune('a'+i)), tt.method, tt.params)
			if res.Succeeded() != tt.wantOK {
				t.Fatalf("ok = %v, want %v (error %+v)", res.Succeeded(), tt.wantOK, res.Error)
			}
			if !tt.wantOK && res.Error.Code != tt.wantCode {
				t.Fatalf("error code = %q, want %q", res.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestMalformedFrameGetsErrorResult(t *testing.T) {
	env := newTestEnv(t, nil)
	c, conn := env.ws.connect("c1", nil)
	env.ws.listeners.EmitMessage(c, []byte(`{"type":"req","method":"ping"}`))
	res := conn.waitFor(t, func(f *protocol.Frame) bool { return f.Type == protocol.TypeResult })
	if res.Succeeded() || res.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("res = %+v, want invalid_request", res)
	}
}

func TestSessionLifecycleMethods(t *testing.T) {
	env := newTestEnv(t, nil)
	c, conn := env.ws.connect("c1", nil)
	if _, err := env.call(t, c, "send", map[string]any{"sessionId": "s1", "message": hiMessage()}); err != nil {
		t.Fatalf("send error = %v", err)
	}
	conn.waitFor(t, isEvent(models.EventExecutionEnd))

	aborted, err := env.call(t, c, "abort", map[string]string{"sessionId": "s1"})
	if err != nil {
		t.Fatalf("abort error = %v", err)
	}
	if aborted.(map[string]any)["aborted"] != true {
		t.Fatalf("abort = %v, want aborted true", aborted)
	}

	history, err := env.call(t, c, "history", map[string]string{"sessionId": "s1"})
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	if msgs := history.(map[string]any)["messages"].([]models.Message); len(msgs) != 0 {
		t.Fatalf("history messages = %v, want empty", msgs)
	}

	if _, err := env.call(t, c, "reset", map[string]string{"sessionId": "s1"}); err != nil {
		t.Fatalf("reset error = %v", err)
	}
	if _, ok := env.gateway.Registry().CurrentHandle("s1"); ok {
		t.Fatal("reset should drop the engine handle")
	}

	listed, err := env.call(t, c, "list_sessions", map[string]any{"appId": "assistant"})
	if err != nil {
		t.Fatalf("list_sessions error = %v", err)
	}
	if got := listed.(map[string]any)["sessions"].([]sessions.Session); len(got) != 1 || got[0].ID != "assistant:s1" {
		t.Fatalf("list_sessions = %+v, want [assistant:s1]", got)
	}

	if _, err := env.call(t, c, "close", map[string]string{"sessionId": "s1"}); err != nil {
		t.Fatalf("close error = %v", err)
	}
	closed := conn.waitFor(t, isEvent(models.EventSessionClosed))
	if closed.SessionID != "s1" {
		t.Fatalf("session_closed sessionId = %q, want s1", closed.SessionID)
	}
	if env.gateway.Registry().Len() != 0 {
		t.Fatalf("Len() = %d after close, want 0", env.gateway.Registry().Len())
	}
	if c.Subscribed("assistant:s1") {
		t.Fatal("client should lose its subscription when the session closes")
	}
	if _, err := env.call(t, c, "close", map[string]string{"sessionId": "s1"}); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("second close error = %v, want not_found", err)
	}
}

func TestToolResult(t *testing.T) {
	env := newTestEnv(t, nil)
	c, conn := env.ws.connect("c1", nil)
	if _, err := env.call(t, c, "channel_subscribe", map[string]string{"sessionId": "s1", "channel": "tools"}); err != nil {
		t.Fatalf("channel_subscribe error = %v", err)
	}
	if _, err := env.call(t, c, "tool_result", map[string]any{
		"sessionId": "s1",
		"result":    map[string]any{"toolUseId": "t1", "content": "42"},
	}); err != nil {
		t.Fatalf("tool_result error = %v", err)
	}
	frame := conn.waitFor(t, isEvent(models.EventChannel))
	var data struct {
		Channel string       `json:"channel"`
		Event   models.Event `json:"event"`
	}
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if data.Channel != "tools" || data.Event.Type != "tool_result" {
		t.Fatalf("channel event = %+v, want tools/tool_result", data)
	}
}

func TestStatusCountsClientsAcrossTransports(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ws.connect("a", nil)
	env.sse.connect("b", nil)
	got, err := env.call(t, nil, "status", nil)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	status := got.(StatusResult)
	if status.Clients != 2 {
		t.Fatalf("Clients = %d, want 2", status.Clients)
	}
	if len(status.Apps) != 1 || status.Apps[0] != "assistant" {
		t.Fatalf("Apps = %v, want [assistant]", status.Apps)
	}
	if status.Session != nil {
		t.Fatalf("Session = %+v, want nil", status.Session)
	}
}

func TestDisconnectReleasesSubscriptions(t *testing.T) {
	env := newTestEnv(t, nil)
	c, _ := env.ws.connect("c1", nil)
	if _, err := env.call(t, c, "subscribe", map[string]string{"sessionId": "s1"}); err != nil {
		t.Fatalf("subscribe error = %v", err)
	}
	env.ws.disconnect(c, "bye")
	if subs := env.gateway.Registry().Subscribers("s1"); len(subs) != 0 {
		t.Fatalf("Subscribers() = %v after disconnect, want none", subs)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.RateLimit = ratelimit.Config{Enabled: true, RequestsPerSecond: 1, BurstSize: 2}
	})
	c, _ := env.ws.connect("c1", nil)
	for i := 0; i < 2; i++ {
		if _, err := env.call(t, c, "ping", nil); err != nil {
			t.Fatalf("ping %d error = %v", i, err)
		}
	}
	if _, err := env.call(t, c, "ping", nil); !errors.Is(err, protocol.ErrRateLimited) {
		t.Fatalf("third ping error = %v, want rate_limited", err)
	}
	other, _ := env.sse.connect("c2", nil)
	if _, err := env.call(t, other, "ping", nil); err != nil {
		t.Fatalf("other client ping error = %v", err)
	}
}

func TestStreamSend(t *testing.T) {
	env := newTestEnv(t, nil)
	watcher, watcherConn := env.ws.connect("w", nil)
	if _, err := env.call(t, watcher, "subscribe", map[string]string{"sessionId": "S1"}); err != nil {
		t.Fatalf("subscribe error = %v", err)
	}

	var got []string
	err := env.gateway.StreamSend(context.Background(), nil, "s1", hiMessage(), func(f *protocol.Frame) error {
		if f.SessionID != "s1" {
			t.Errorf("frame sessionId = %q, want s1", f.SessionID)
		}
		got = append(got, f.Event)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamSend() error = %v", err)
	}
	if len(got) == 0 || got[len(got)-1] != models.EventExecutionEnd {
		t.Fatalf("streamed events = %v, want ... execution_end", got)
	}
	watcherConn.waitFor(t, isEvent(models.EventExecutionEnd))
	if s, _ := env.gateway.Registry().Get("s1"); s.Active || s.MessageCount != 1 {
		t.Fatalf("session = %+v, want inactive with one message", s)
	}

	err = env.gateway.StreamSend(context.Background(), nil, " ", hiMessage(), func(*protocol.Frame) error { return nil })
	if !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Fatalf("StreamSend() blank key error = %v, want invalid_request", err)
	}
}

func TestStopWaitsForExecutions(t *testing.T) {
	app := engine.NewEchoApp(engine.EchoConfig{ID: "slow", ChunkSize: 1, Delay: 5 * time.Millisecond})
	ws := newFakeTransport("ws")
	g, err := New(Options{Apps: []engine.App{app}, Transports: []transport.Transport{ws}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	payload, _ := json.Marshal(map[string]any{"sessionId": "s1", "message": models.TextMessage("hello there")})
	if _, err := g.Dispatch(context.Background(), nil, nil, "send", payload); err != nil {
		t.Fatalf("send error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if n := g.Registry().ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount() = %d after Stop, want 0", n)
	}
	if _, err := g.Dispatch(context.Background(), nil, nil, "send", payload); !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Fatalf("send after Stop error = %v, want connection_closed", err)
	}
}
