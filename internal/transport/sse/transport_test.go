package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/sessiongate/internal/auth"
	"github.com/haasonsaas/sessiongate/internal/transport"
	"github.com/haasonsaas/sessiongate/pkg/models"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

type dispatchCall struct {
	client string
	user   string
	method string
	params string
}

type fakeBackend struct {
	mu       sync.Mutex
	calls    []dispatchCall
	dispatch func(method string, params json.RawMessage) (any, error)
	events   []*protocol.Frame
}

func (b *fakeBackend) Dispatch(_ context.Context, client *transport.Client, user *models.User, method string, params json.RawMessage) (any, error) {
	call := dispatchCall{method: method, params: string(params)}
	if client != nil {
		call.client = client.ID
		if method == "subscribe" {
			var p struct {
				SessionID string `json:"sessionId"`
			}
			_ = json.Unmarshal(params, &p)
			client.AddSubscription(p.SessionID)
		}
	}
	if user != nil {
		call.user = user.ID
	}
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
	if b.dispatch != nil {
		return b.dispatch(method, params)
	}
	return map[string]bool{"ok": true}, nil
}

func (b *fakeBackend) StreamSend(_ context.Context, _ *models.User, key string, msg models.Message, emit func(*protocol.Frame) error) error {
	if key == "missing" {
		return protocol.Errorf(protocol.CodeNotFound, "no such session")
	}
	for _, typ := range []string{models.EventExecutionStart, models.EventMessageDelta, models.EventExecutionEnd} {
		frame, _ := protocol.NewEvent(typ, key, map[string]string{"text": msg.Text()})
		if err := emit(frame); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBackend) lastCall() dispatchCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.calls) == 0 {
		return dispatchCall{}
	}
	return b.calls[len(b.calls)-1]
}

func testValidator() auth.Validator {
	return auth.ValidatorFunc(func(_ context.Context, token string) (auth.Result, error) {
		switch token {
		case "good":
			return auth.Result{Valid: true, User: &models.User{ID: "u1"}}, nil
		case "other":
			return auth.Result{Valid: true, User: &models.User{ID: "u2"}}, nil
		}
		return auth.Result{Valid: false}, nil
	})
}

func startTransport(t *testing.T) (*Transport, *fakeBackend, *httptest.Server) {
	t.Helper()
	tr := New(Config{Validator: testValidator(), HeartbeatInterval: 50 * time.Millisecond})
	backend := &fakeBackend{}
	tr.Bind(backend)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	srv := httptest.NewServer(tr)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tr.Stop(ctx)
		srv.Close()
	})
	return tr, backend, srv
}

func post(t *testing.T, url, token, body string) (*http.Response, resultBody) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	var out resultBody
	data, _ := io.ReadAll(resp.Body)
	if resp.Header.Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", data, err)
		}
	}
	return resp, out
}

// openStream connects to /events and returns the reader positioned after
// the connected frame.
func openStream(t *testing.T, srv *httptest.Server, query string) (*protocol.SSEReader, protocol.ConnectPayload, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?"+query, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("status = %d", resp.StatusCode)
	}
	reader := protocol.NewSSEReader(resp.Body, 0)
	ev, err := reader.Next()
	if err != nil {
		cancel()
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Event != EventConnected {
		cancel()
		t.Fatalf("first event = %q, want connected", ev.Event)
	}
	var hello protocol.ConnectPayload
	if err := json.Unmarshal(ev.Data, &hello); err != nil {
		cancel()
		t.Fatalf("Unmarshal() error = %v", err)
	}
	closeFn := func() {
		cancel()
		resp.Body.Close()
	}
	t.Cleanup(closeFn)
	return reader, hello, closeFn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPreflightSkipsAuth(t *testing.T) {
	_, _, srv := startTransport(t)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/invoke", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Allow-Origin = %q", got)
	}
	if resp.Header.Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("missing Allow-Credentials")
	}
}

func TestEventsRequiresToken(t *testing.T) {
	_, _, srv := startTransport(t)

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestEventsStreamLifecycle(t *testing.T) {
	tr, _, srv := startTransport(t)

	disconnected := make(chan string, 1)
	tr.Listeners().OnDisconnect(func(c *transport.Client, reason string) { disconnected <- c.ID })

	reader, hello, closeStream := openStream(t, srv, "token=good&clientId=tab-1")
	if hello.ClientID != "tab-1" {
		t.Fatalf("ClientID = %q, want tab-1", hello.ClientID)
	}
	client, ok := tr.Client("tab-1")
	if !ok {
		t.Fatal("client not registered")
	}

	frame, _ := protocol.NewEvent(models.EventMessageDelta, "s1", map[string]string{"text": "hi"})
	if err := client.Send(frame); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	ev, err := reader.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Event != models.EventMessageDelta {
		t.Fatalf("event = %q", ev.Event)
	}
	got, err := protocol.Decode(ev.Data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.SessionID != "s1" {
		t.Fatalf("frame = %+v", got)
	}

	closeStream()
	select {
	case id := <-disconnected:
		if id != "tab-1" {
			t.Fatalf("disconnected %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not fired")
	}
	waitFor(t, func() bool { return tr.ClientCount() == 0 })
}

func TestEventsHeartbeat(t *testing.T) {
	_, _, srv := startTransport(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/events?token=good", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 4096)
	var seen bytes.Buffer
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(seen.String(), ": ping") {
		n, err := resp.Body.Read(buf)
		seen.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if !strings.Contains(seen.String(), ": ping") {
		t.Fatalf("no heartbeat in %q", seen.String())
	}
}

func TestInvokeValidatesBody(t *testing.T) {
	_, backend, srv := startTransport(t)

	tests := []struct {
		name   string
		token  string
		body   string
		status int
	}{
		{"missing token", "", `{"method":"status"}`, http.StatusUnauthorized},
		{"malformed json", "good", `{"method":`, http.StatusBadRequest},
		{"missing method", "good", `{"params":{}}`, http.StatusBadRequest},
		{"mistyped method", "good", `{"method":5}`, http.StatusBadRequest},
		{"unknown field", "good", `{"method":"status","extra":true}`, http.StatusBadRequest},
		{"ok", "good", `{"method":"status","params":{"sessionId":"s1"}}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := post(t, srv.URL+"/invoke", tt.token, tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d (%+v)", resp.StatusCode, tt.status, out.Error)
			}
			if tt.status == http.StatusOK && !out.OK {
				t.Fatalf("ok = false")
			}
		})
	}

	call := backend.lastCall()
	if call.method != "status" || call.user != "u1" || !strings.Contains(call.params, "s1") {
		t.Fatalf("call = %+v", call)
	}
}

func TestInvokeMapsErrors(t *testing.T) {
	_, backend, srv := startTransport(t)
	backend.dispatch = func(method string, _ json.RawMessage) (any, error) {
		switch method {
		case "admin:reset":
			return nil, protocol.Errorf(protocol.CodeForbidden, "missing role admin")
		case "nope":
			return nil, protocol.Errorf(protocol.CodeUnknownMethod, "nope")
		case "tools:add":
			return nil, protocol.Errorf(protocol.CodeInvalidRequest, "schema")
		}
		return nil, nil
	}

	tests := []struct {
		method string
		status int
		code   protocol.Code
	}{
		{"admin:reset", http.StatusForbidden, protocol.CodeForbidden},
		{"nope", http.StatusNotFound, protocol.CodeUnknownMethod},
		{"tools:add", http.StatusBadRequest, protocol.CodeInvalidRequest},
	}
	for _, tt := range tests {
		resp, out := post(t, srv.URL+"/invoke", "good", `{"method":"`+tt.method+`"}`)
		if resp.StatusCode != tt.status {
			t.Fatalf("%s status = %d, want %d", tt.method, resp.StatusCode, tt.status)
		}
		if out.OK || out.Error == nil || out.Error.Code != tt.code {
			t.Fatalf("%s body = %+v", tt.method, out)
		}
	}
}

func TestSendStreamsEvents(t *testing.T) {
	_, _, srv := startTransport(t)

	body := `{"sessionId":"s1","message":{"role":"user","content":[{"type":"text","text":"hi"}]}}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/send", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer good")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := protocol.NewSSEReader(resp.Body, 0)
	var events []string
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		events = append(events, ev.Event)
	}
	want := []string{models.EventExecutionStart, models.EventMessageDelta, models.EventExecutionEnd}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

func TestSendRejectsBadMessage(t *testing.T) {
	_, _, srv := startTransport(t)

	tests := []string{
		`{"sessionId":"s1"}`,
		`{"sessionId":"s1","message":{"role":"robot","content":[{"type":"text","text":"hi"}]}}`,
		`{"sessionId":"s1","message":{"role":"user","content":[]}}`,
		`{"sessionId":"s1","message":{"role":"user","content":[{"text":"no type"}]}}`,
	}
	for _, body := range tests {
		resp, _ := post(t, srv.URL+"/send", "good", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s status = %d, want 400", body, resp.StatusCode)
		}
	}

	resp, out := post(t, srv.URL+"/send", "good", `{"sessionId":"missing","message":{"role":"user","content":[{"type":"text","text":"x"}]}}`)
	if resp.StatusCode != http.StatusNotFound || out.Error == nil {
		t.Fatalf("status = %d body = %+v", resp.StatusCode, out)
	}
}

func TestSubscribe(t *testing.T) {
	tr, backend, srv := startTransport(t)

	resp, _ := post(t, srv.URL+"/subscribe", "good", `{"clientId":"ghost","add":["s1"]}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown client status = %d, want 404", resp.StatusCode)
	}

	openStream(t, srv, "token=good&clientId=tab-2")
	resp, out := post(t, srv.URL+"/subscribe", "good", `{"connectionId":"tab-2","add":["s1","s2"]}`)
	if resp.StatusCode != http.StatusOK || !out.OK {
		t.Fatalf("status = %d body = %+v", resp.StatusCode, out)
	}
	client, _ := tr.Client("tab-2")
	if subs := client.Subscriptions(); len(subs) != 2 {
		t.Fatalf("Subscriptions() = %v", subs)
	}
	if call := backend.lastCall(); call.client != "tab-2" || call.method != "subscribe" {
		t.Fatalf("call = %+v", call)
	}

	resp, _ = post(t, srv.URL+"/subscribe", "other", `{"clientId":"tab-2","sessionId":"s3"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign client status = %d, want 403", resp.StatusCode)
	}
}

func TestChannelEndpoints(t *testing.T) {
	_, backend, srv := startTransport(t)
	openStream(t, srv, "token=good&clientId=tab-3")

	tests := []struct {
		path   string
		body   string
		method string
	}{
		{"/channel", `{"sessionId":"s1","channel":"todo","clientId":"tab-3"}`, "channel_subscribe"},
		{"/channel/subscribe", `{"sessionId":"s1","channel":"todo","clientId":"tab-3"}`, "channel_subscribe"},
		{"/channel/unsubscribe", `{"sessionId":"s1","channel":"todo","clientId":"tab-3"}`, "channel_unsubscribe"},
		{"/channel/publish", `{"sessionId":"s1","channel":"todo","payload":{"done":true}}`, "channel_publish"},
		{"/abort", `{"sessionId":"s1"}`, "abort"},
		{"/close", `{"sessionId":"s1"}`, "close"},
	}
	for _, tt := range tests {
		resp, out := post(t, srv.URL+tt.path, "good", tt.body)
		if resp.StatusCode != http.StatusOK || !out.OK {
			t.Fatalf("%s status = %d body = %+v", tt.path, resp.StatusCode, out)
		}
		if call := backend.lastCall(); call.method != tt.method {
			t.Fatalf("%s dispatched %q, want %q", tt.path, call.method, tt.method)
		}
	}

	resp, _ := post(t, srv.URL+"/channel/subscribe", "good", `{"sessionId":"s1","channel":"todo"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing clientId status = %d, want 400", resp.StatusCode)
	}
}

func TestStopClosesStreams(t *testing.T) {
	tr, _, srv := startTransport(t)

	var disconnects sync.WaitGroup
	disconnects.Add(1)
	tr.Listeners().OnDisconnect(func(*transport.Client, string) { disconnects.Done() })

	reader, _, _ := openStream(t, srv, "token=good")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	disconnects.Wait()
	if tr.ClientCount() != 0 {
		t.Fatalf("ClientCount() = %d, want 0", tr.ClientCount())
	}
	for {
		if _, err := reader.Next(); err != nil {
			break
		}
	}
}
