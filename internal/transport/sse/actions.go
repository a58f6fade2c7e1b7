package sse

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/haasonsaas/sessiongate/internal/auth"
	"github.com/haasonsaas/sessiongate/internal/transport"
	"github.com/haasonsaas/sessiongate/pkg/models"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

type sendBody struct {
	SessionID string         `json:"sessionId"`
	Message   models.Message `json:"message"`
}

type invokeBody struct {
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
}

type subscribeBody struct {
	ClientID     string   `json:"clientId,omitempty"`
	ConnectionID string   `json:"connectionId,omitempty"`
	SessionID    string   `json:"sessionId,omitempty"`
	Add          []string `json:"add,omitempty"`
	Remove       []string `json:"remove,omitempty"`
}

type sessionBody struct {
	SessionID string `json:"sessionId"`
}

type channelBody struct {
	SessionID string `json:"sessionId"`
	Channel   string `json:"channel"`
	ClientID  string `json:"clientId"`
}

type publishBody struct {
	SessionID string          `json:"sessionId"`
	Channel   string          `json:"channel"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
}

// action is the authenticated, validated context of one POST call.
type action struct {
	ctx     context.Context
	user    *models.User
	backend transport.Backend
}

// begin authenticates the call, checks the backend is bound and validates
// the body against the named schema.
func (t *Transport) begin(w http.ResponseWriter, r *http.Request, schema string, body any) (*action, error) {
	result, err := transport.Authenticate(r.Context(), t.cfg.Validator, auth.RequestToken(r, false))
	if err != nil {
		return nil, err
	}
	backend := t.currentBackend()
	if backend == nil {
		return nil, protocol.Errorf(protocol.CodeConnectionClosed, "gateway not bound")
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "read body: %v", err)
	}
	if err := validateBody(schema, raw, body); err != nil {
		return nil, err
	}
	return &action{ctx: r.Context(), user: result.User, backend: backend}, nil
}

// client resolves a client id registered on this transport and checks it
// belongs to the caller.
func (t *Transport) client(a *action, id string) (*transport.Client, error) {
	c, ok := t.clients.Get(id)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "unknown client %q", id)
	}
	if c.User != nil && a.user != nil && c.User.ID != a.user.ID {
		return nil, protocol.Errorf(protocol.CodeForbidden, "client %q belongs to another user", id)
	}
	return c, nil
}

func (a *action) dispatch(client *transport.Client, method string, params any) (any, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "%v", err)
	}
	return a.backend.Dispatch(a.ctx, client, a.user, method, raw)
}

// handleSend runs an execution and streams its events back on the response.
// Status codes are only available until the first event is written.
func (t *Transport) handleSend(w http.ResponseWriter, r *http.Request) {
	var body sendBody
	a, err := t.begin(w, r, bodySend, &body)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, protocol.Errorf(protocol.CodeInternal, "streaming unsupported"))
		return
	}

	var (
		mu      sync.Mutex
		started bool
	)
	emit := func(frame *protocol.Frame) error {
		data, err := protocol.Encode(frame)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if !started {
			setStreamHeaders(w)
			w.WriteHeader(http.StatusOK)
			started = true
		}
		name := frame.Event
		if name == "" {
			name = frame.Type
		}
		if err := protocol.WriteSSE(w, name, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err = a.backend.StreamSend(a.ctx, a.user, body.SessionID, body.Message, emit)
	if err == nil {
		return
	}
	mu.Lock()
	wasStarted := started
	mu.Unlock()
	if !wasStarted {
		writeError(w, err)
		return
	}
	if frame, ferr := protocol.NewEvent(models.EventError, body.SessionID, protocol.AsError(err)); ferr == nil {
		_ = emit(frame)
	}
}

func (t *Transport) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var body invokeBody
	a, err := t.begin(w, r, bodyInvoke, &body)
	if err != nil {
		writeError(w, err)
		return
	}
	var client *transport.Client
	if body.ClientID != "" {
		if client, err = t.client(a, body.ClientID); err != nil {
			writeError(w, err)
			return
		}
	}
	payload, err := a.backend.Dispatch(a.ctx, client, a.user, body.Method, body.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, payload)
}

// handleSubscribe accepts {clientId|connectionId, add?, remove?} or the
// shorthand {clientId, sessionId}.
func (t *Transport) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var body subscribeBody
	a, err := t.begin(w, r, bodySubscribe, &body)
	if err != nil {
		writeError(w, err)
		return
	}
	id := body.ClientID
	if id == "" {
		id = body.ConnectionID
	}
	client, err := t.client(a, id)
	if err != nil {
		writeError(w, err)
		return
	}

	add := body.Add
	if body.SessionID != "" {
		add = append(add, body.SessionID)
	}
	for _, sessionID := range add {
		if _, err := a.dispatch(client, "subscribe", map[string]string{"sessionId": sessionID}); err != nil {
			writeError(w, err)
			return
		}
	}
	for _, sessionID := range body.Remove {
		if _, err := a.dispatch(client, "unsubscribe", map[string]string{"sessionId": sessionID}); err != nil {
			writeError(w, err)
			return
		}
	}
	writeResult(w, map[string]any{
		"clientId":      client.ID,
		"subscriptions": client.Subscriptions(),
	})
}

func (t *Transport) handleSessionAction(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body sessionBody
		a, err := t.begin(w, r, bodySession, &body)
		if err != nil {
			writeError(w, err)
			return
		}
		payload, err := a.dispatch(nil, method, body)
		if err != nil {
			writeError(w, err)
			return
		}
		writeResult(w, payload)
	}
}

func (t *Transport) handleChannel(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body channelBody
		a, err := t.begin(w, r, bodyChannel, &body)
		if err != nil {
			writeError(w, err)
			return
		}
		client, err := t.client(a, body.ClientID)
		if err != nil {
			writeError(w, err)
			return
		}
		payload, err := a.dispatch(client, method, map[string]string{
			"sessionId": body.SessionID,
			"channel":   body.Channel,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeResult(w, payload)
	}
}

func (t *Transport) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body publishBody
	a, err := t.begin(w, r, bodyPublish, &body)
	if err != nil {
		writeError(w, err)
		return
	}
	var client *transport.Client
	if body.ClientID != "" {
		if client, err = t.client(a, body.ClientID); err != nil {
			writeError(w, err)
			return
		}
	}
	params := map[string]any{
		"sessionId": body.SessionID,
		"channel":   body.Channel,
	}
	if body.Event != "" {
		params["event"] = body.Event
	}
	if len(body.Payload) > 0 {
		params["payload"] = body.Payload
	}
	payload, err := a.dispatch(client, "channel_publish", params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, payload)
}
