package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/sessiongate/internal/engine"
	"github.com/haasonsaas/sessiongate/internal/sessions"
	"github.com/haasonsaas/sessiongate/pkg/models"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

// Built-in method names. Custom methods may not use them.
const (
	methodSend               = "send"
	methodAbort              = "abort"
	methodStatus             = "status"
	methodHistory            = "history"
	methodReset              = "reset"
	methodClose              = "close"
	methodListApps           = "list_apps"
	methodListSessions       = "list_sessions"
	methodSubscribe          = "subscribe"
	methodUnsubscribe        = "unsubscribe"
	methodPing               = "ping"
	methodToolResult         = "tool_result"
	methodChannelSubscribe   = "channel_subscribe"
	methodChannelUnsubscribe = "channel_unsubscribe"
	methodChannelPublish     = "channel_publish"
)

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

type sendParams struct {
	SessionID string         `json:"sessionId"`
	Message   models.Message `json:"message"`

	// RunID is stamped on every event of this send. Assigned when empty.
	RunID string `json:"runId,omitempty"`
}

type listSessionsParams struct {
	AppID      string `json:"appId"`
	ActiveOnly bool   `json:"activeOnly"`
}

type toolResultParams struct {
	SessionID string            `json:"sessionId"`
	Result    models.ToolResult `json:"result"`
}

type channelParams struct {
	SessionID string          `json:"sessionId"`
	Channel   string          `json:"channel"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StatusResult is the payload of the status method.
type StatusResult struct {
	UptimeMs int64             `json:"uptimeMs"`
	Clients  int               `json:"clients"`
	Sessions int               `json:"sessions"`
	Active   int               `json:"active"`
	Apps     []string          `json:"apps"`
	Session  *sessions.Session `json:"session,omitempty"`
}

func (g *Gateway) builtinMethods() map[string]Handler {
	return map[string]Handler{
		methodSend:               g.handleSend,
		methodAbort:              g.handleAbort,
		methodStatus:             g.handleStatus,
		methodHistory:            g.handleHistory,
		methodReset:              g.handleReset,
		methodClose:              g.handleClose,
		methodListApps:           g.handleListApps,
		methodListSessions:       g.handleListSessions,
		methodSubscribe:          g.handleSubscribe,
		methodUnsubscribe:        g.handleUnsubscribe,
		methodPing:               g.handlePing,
		methodToolResult:         g.handleToolResult,
		methodChannelSubscribe:   g.handleChannelSubscribe,
		methodChannelUnsubscribe: g.handleChannelUnsubscribe,
		methodChannelPublish:     g.handleChannelPublish,
	}
}

func requireClient(call *Call) error {
	if call.Client == nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "%s requires a connected client", call.Method)
	}
	return nil
}

func (g *Gateway) handleSend(ctx context.Context, call *Call) (any, error) {
	var params sendParams
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	runID, err := g.startSend(ctx, call, params.SessionID, params.RunID, params.Message)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": params.SessionID, "runId": runID, "status": "accepted"}, nil
}

// handleAbort asks the engine to stop. It does not wait for the execution
// to settle; the active flag clears when it does.
func (g *Gateway) handleAbort(ctx context.Context, call *Call) (any, error) {
	var params sessionParams
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if _, err := g.registry.Get(params.SessionID); err != nil {
		return nil, registryError(err)
	}
	aborted := false
	if handle, ok := g.registry.CurrentHandle(params.SessionID); ok {
		if aborter, ok := handle.(engine.Aborter); ok {
			if err := aborter.Abort(ctx); err != nil {
				return nil, protocol.Errorf(protocol.CodeExecution, "abort: %v", err)
			}
			aborted = true
		}
	}
	_ = g.registry.Touch(params.SessionID)
	return map[string]any{"sessionId": params.SessionID, "aborted": aborted}, nil
}

func (g *Gateway) handleStatus(_ context.Context, call *Call) (any, error) {
	var params sessionParams
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	result := StatusResult{
		UptimeMs: g.uptime().Milliseconds(),
		Clients:  g.clientCount(),
		Sessions: g.registry.Len(),
		Active:   g.registry.ActiveCount(),
		Apps:     g.appIDs,
	}
	if params.SessionID != "" {
		session, err := g.registry.Get(params.SessionID)
		if err != nil {
			return nil, registryError(err)
		}
		result.Session = &session
	}
	return result, nil
}

// handleHistory always answers with an empty transcript; sessions keep no
// message history.
func (g *Gateway) handleHistory(_ context.Context, call *Call) (any, error) {
	var params sessionParams
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if _, err := g.registry.ID(params.SessionID); err != nil {
		return nil, registryError(err)
	}
	return map[string]any{"sessionId": params.SessionID, "messages": []models.Message{}}, nil
}

func (g *Gateway) handleReset(ctx context.Context, call *Call) (any, error) {
	var params sessionParams
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if err := g.registry.Reset(params.SessionID); err != nil {
		return nil, registryError(err)
	}
	id, err := g.registry.ID(params.SessionID)
	if err != nil {
		return nil, registryError(err)
	}
	if err := g.channels.rebind(ctx, params.SessionID, id); err != nil {
		g.logger.Warn("channel links dropped after reset", "session_id", id, "error", err)
		g.channels.closeSession(id)
	}
	return map[string]any{"sessionId": params.SessionID, "reset": true}, nil
}

func (g *Gateway) handleClose(_ context.Context, call *Call) (any, error) {
	var params sessionParams
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if err := g.closeSession(params.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": params.SessionID, "closed": true}, nil
}

func (g *Gateway) handleListApps(context.Context, *Call) (any, error) {
	return map[string]any{"apps": g.Apps()}, nil
}

func (g *Gateway) handleListSessions(_ context.Context, call *Call) (any, error) {
	var params listSessionsParams
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	out := make([]sessions.Session, 0, g.registry.Len())
	for _, s := range g.registry.All() {
		if params.AppID != "" && s.AppID != params.AppID {
			continue
		}
		if params.ActiveOnly && !s.Active {
			continue
		}
		out = append(out, s)
	}
	return map[string]any{"sessions": out}, nil
}

func (g *Gateway) handleSubscribe(_ context.Context, call *Call) (any, error) {
	if err := requireClient(call); err != nil {
		return nil, err
	}
	var params sessionParams
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	session, err := g.registry.GetOrCreate(params.SessionID, call.Client.ID)
	if err != nil {
		return nil, registryError(err)
	}
	call.Client.AddSubscription(session.ID)
	g.refreshSessionGauges()
	return map[string]any{"sessionId": params.SessionID, "subscribed": true}, nil
}

func (g *Gateway) handleUnsubscribe(_ context.Context, call *Call) (any, error) {
	if err := requireClient(call); err != nil {
		return nil, err
	}
	var params sessionParams
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	id, err := g.registry.ID(params.SessionID)
	if err != nil {
		return nil, registryError(err)
	}
	call.Client.RemoveSubscription(id)
	if !g.sharedSubscriber(call.Client, id) {
		g.registry.Unsubscribe(id, call.Client.ID)
	}
	return map[string]any{"sessionId": params.SessionID, "subscribed": false}, nil
}

func (g *Gateway) handlePing(context.Context, *Call) (any, error) {
	return map[string]any{"pong": true, "time": time.Now().UTC().Format(time.RFC3339Nano)}, nil
}

func (g *Gateway) handleToolResult(ctx context.Context, call *Call) (any, error) {
	var params toolResultParams
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if _, err := g.registry.Get(params.SessionID); err != nil {
		return nil, registryError(err)
	}
	handle, ok := g.registry.CurrentHandle(params.SessionID)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "session %q has no running engine", params.SessionID)
	}
	receiver, ok := handle.(engine.ToolResultReceiver)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "session %q does not accept tool results", params.SessionID)
	}
	if err := receiver.SubmitToolResult(ctx, params.Result); err != nil {
		return nil, protocol.Errorf(protocol.CodeExecution, "submit tool result: %v", err)
	}
	_ = g.registry.Touch(params.SessionID)
	return map[string]any{"sessionId": params.SessionID, "accepted": true}, nil
}

func (g *Gateway) handleChannelSubscribe(ctx context.Context, call *Call) (any, error) {
	if err := requireClient(call); err != nil {
		return nil, err
	}
	var params channelParams
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if err := g.SubscribeToChannel(ctx, call.Client, params.SessionID, params.Channel); err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": params.SessionID, "channel": params.Channel, "subscribed": true}, nil
}

func (g *Gateway) handleChannelUnsubscribe(_ context.Context, call *Call) (any, error) {
	if err := requireClient(call); err != nil {
		return nil, err
	}
	var params channelParams
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if err := g.UnsubscribeFromChannel(call.Client, params.SessionID, params.Channel); err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": params.SessionID, "channel": params.Channel, "subscribed": false}, nil
}

func (g *Gateway) handleChannelPublish(ctx context.Context, call *Call) (any, error) {
	var params channelParams
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	var payload any
	if len(params.Payload) > 0 {
		payload = params.Payload
	}
	if err := g.PublishToChannel(ctx, params.SessionID, params.Channel, params.Event, payload); err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": params.SessionID, "channel": params.Channel, "published": true}, nil
}
