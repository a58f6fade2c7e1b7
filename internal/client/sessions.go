package client

import (
	"context"
	"slices"

	"github.com/haasonsaas/sessiongate/pkg/models"
)

const (
	methodSend               = "send"
	methodAbort              = "abort"
	methodStatus             = "status"
	methodClose              = "close"
	methodSubscribe          = "subscribe"
	methodUnsubscribe        = "unsubscribe"
	methodToolResult         = "tool_result"
	methodChannelSubscribe   = "channel_subscribe"
	methodChannelUnsubscribe = "channel_unsubscribe"
	methodChannelPublish     = "channel_publish"
	methodListApps           = "list_apps"
	methodPing               = "ping"
)

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

type sendParams struct {
	SessionID string         `json:"sessionId"`
	Message   models.Message `json:"message"`
	RunID     string         `json:"runId,omitempty"`
}

type statusParams struct {
	SessionID string `json:"sessionId,omitempty"`
}

type toolResultParams struct {
	SessionID string            `json:"sessionId"`
	Result    models.ToolResult `json:"result"`
}

type channelParams struct {
	SessionID string `json:"sessionId"`
	Channel   string `json:"channel"`
}

type channelPublishParams struct {
	SessionID string `json:"sessionId"`
	Channel   string `json:"channel"`
	Event     string `json:"event,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// SubscribeToSession subscribes this connection to a session's events.
// Repeat calls for the same session do not reach the gateway. The set is
// replayed after a reconnect.
func (p *Peer) SubscribeToSession(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	_, ok := p.subscriptions[sessionID]
	p.mu.Unlock()
	if ok {
		return nil
	}
	if _, err := p.Request(ctx, methodSubscribe, sessionParams{SessionID: sessionID}); err != nil {
		return err
	}
	p.mu.Lock()
	p.subscriptions[sessionID] = struct{}{}
	p.mu.Unlock()
	return nil
}

// UnsubscribeFromSession is a no-op for sessions not subscribed locally.
func (p *Peer) UnsubscribeFromSession(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	_, ok := p.subscriptions[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := p.Request(ctx, methodUnsubscribe, sessionParams{SessionID: sessionID}); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.subscriptions, sessionID)
	p.mu.Unlock()
	return nil
}

// Subscriptions returns the locally tracked session subscriptions, sorted.
func (p *Peer) Subscriptions() []string {
	p.mu.Lock()
	out := make([]string, 0, len(p.subscriptions))
	for id := range p.subscriptions {
		out = append(out, id)
	}
	p.mu.Unlock()
	slices.Sort(out)
	return out
}

// AbortSession asks the gateway to abort the session's running execution.
func (p *Peer) AbortSession(ctx context.Context, sessionID string) error {
	_, err := p.Request(ctx, methodAbort, sessionParams{SessionID: sessionID})
	return err
}

// CloseSession closes the session on the gateway and forgets the local
// subscription.
func (p *Peer) CloseSession(ctx context.Context, sessionID string) error {
	if _, err := p.Request(ctx, methodClose, sessionParams{SessionID: sessionID}); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.subscriptions, sessionID)
	p.mu.Unlock()
	return nil
}

func (p *Peer) SubmitToolResult(ctx context.Context, sessionID string, result models.ToolResult) error {
	_, err := p.Request(ctx, methodToolResult, toolResultParams{SessionID: sessionID, Result: result})
	return err
}

// PublishToChannel publishes payload on a session channel. An empty event
// name is sent as the gateway default.
func (p *Peer) PublishToChannel(ctx context.Context, sessionID, channel, event string, payload any) error {
	_, err := p.Request(ctx, methodChannelPublish, channelPublishParams{
		SessionID: sessionID,
		Channel:   channel,
		Event:     event,
		Payload:   payload,
	})
	return err
}

func (p *Peer) SubscribeToChannel(ctx context.Context, sessionID, channel string) error {
	_, err := p.Request(ctx, methodChannelSubscribe, channelParams{SessionID: sessionID, Channel: channel})
	return err
}

func (p *Peer) UnsubscribeFromChannel(ctx context.Context, sessionID, channel string) error {
	_, err := p.Request(ctx, methodChannelUnsubscribe, channelParams{SessionID: sessionID, Channel: channel})
	return err
}

// Status returns gateway counters, with the session snapshot when sessionID
// is set.
func (p *Peer) Status(ctx context.Context, sessionID string) (*Status, error) {
	var status Status
	if err := p.Call(ctx, methodStatus, statusParams{SessionID: sessionID}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListApps returns the app ids the gateway serves.
func (p *Peer) ListApps(ctx context.Context) ([]string, error) {
	var out struct {
		Apps []string `json:"apps"`
	}
	if err := p.Call(ctx, methodListApps, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Apps, nil
}

// Ping round-trips a no-op request.
func (p *Peer) Ping(ctx context.Context) error {
	_, err := p.Request(ctx, methodPing, struct{}{})
	return err
}
