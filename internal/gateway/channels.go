package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/haasonsaas/sessiongate/internal/transport"
	"github.com/haasonsaas/sessiongate/pkg/models"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

// channelLink forwards one engine channel to the clients subscribed to it.
type channelLink struct {
	sessionID   string
	channel     string
	key         string // session key as first subscribed; used in frames
	clients     map[*transport.Client]struct{}
	unsubscribe func()
}

type channelLinks struct {
	g *Gateway

	mu    sync.Mutex
	links map[string]*channelLink
}

func newChannelLinks(g *Gateway) *channelLinks {
	return &channelLinks{g: g, links: make(map[string]*channelLink)}
}

func linkKey(sessionID, channel string) string {
	return sessionID + ":" + channel
}

// SubscribeToChannel routes events published on the engine channel to c.
// The engine subscription is made once per session and channel.
func (g *Gateway) SubscribeToChannel(ctx context.Context, c *transport.Client, key, channel string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return protocol.Errorf(protocol.CodeInvalidRequest, "channel is required")
	}
	if !c.Connected() {
		return protocol.Errorf(protocol.CodeConnectionClosed, "client %s is gone", c.ID)
	}
	session, err := g.registry.GetOrCreate(key, "")
	if err != nil {
		return registryError(err)
	}
	handle, err := g.registry.Handle(ctx, key, g.createHandle)
	if err != nil {
		return registryError(err)
	}

	l := g.channels
	lk := linkKey(session.ID, channel)
	l.mu.Lock()
	if link, ok := l.links[lk]; ok {
		link.clients[c] = struct{}{}
		l.mu.Unlock()
		return nil
	}
	link := &channelLink{
		sessionID: session.ID,
		channel:   channel,
		key:       key,
		clients:   map[*transport.Client]struct{}{c: {}},
	}
	l.links[lk] = link
	g.metrics.SetChannelLinks(len(l.links))
	l.mu.Unlock()

	// Subscribe outside the lock: engines may deliver from inside Subscribe.
	unsubscribe := handle.Channel(channel).Subscribe(func(ev models.Event) {
		l.forward(link, ev)
	})
	l.mu.Lock()
	link.unsubscribe = unsubscribe
	stale := l.links[lk] != link
	l.mu.Unlock()
	if stale {
		unsubscribe()
	}
	return nil
}

// UnsubscribeFromChannel stops forwarding to c. The engine subscription is
// released when the last client leaves.
func (g *Gateway) UnsubscribeFromChannel(c *transport.Client, key, channel string) error {
	id, err := g.registry.ID(key)
	if err != nil {
		return registryError(err)
	}
	g.channels.remove(linkKey(id, strings.TrimSpace(channel)), c)
	return nil
}

// PublishToChannel sends an event into the engine channel of a session.
func (g *Gateway) PublishToChannel(ctx context.Context, key, channel, event string, payload any) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return protocol.Errorf(protocol.CodeInvalidRequest, "channel is required")
	}
	if event == "" {
		event = "message"
	}
	if _, err := g.registry.GetOrCreate(key, ""); err != nil {
		return registryError(err)
	}
	handle, err := g.registry.Handle(ctx, key, g.createHandle)
	if err != nil {
		return registryError(err)
	}
	if err := handle.Channel(channel).Publish(ctx, models.Event{Type: event, Data: payload}); err != nil {
		return protocol.Errorf(protocol.CodeExecution, "publish to %s: %v", channel, err)
	}
	_ = g.registry.Touch(key)
	return nil
}

func (l *channelLinks) forward(link *channelLink, ev models.Event) {
	l.mu.Lock()
	clients := make([]*transport.Client, 0, len(link.clients))
	for c := range link.clients {
		clients = append(clients, c)
	}
	l.mu.Unlock()
	if len(clients) == 0 {
		return
	}

	frame, err := protocol.NewEvent(models.EventChannel, link.key, map[string]any{
		"channel": link.channel,
		"event":   ev,
	})
	if err != nil {
		l.g.logger.Warn("encode channel event", "session_id", link.sessionID, "channel", link.channel, "error", err)
		return
	}
	data, err := protocol.Encode(frame)
	if err != nil {
		l.g.logger.Warn("encode channel event", "session_id", link.sessionID, "channel", link.channel, "error", err)
		return
	}
	delivered := 0
	for _, c := range clients {
		if !c.Connected() {
			continue
		}
		c.Push(data)
		delivered++
	}
	l.g.metrics.EventsDelivered("channel", delivered)
}

// remove drops c from one link and tears the link down if it was the last.
func (l *channelLinks) remove(lk string, c *transport.Client) {
	l.mu.Lock()
	link, ok := l.links[lk]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(link.clients, c)
	var release func()
	if len(link.clients) == 0 {
		delete(l.links, lk)
		release = link.unsubscribe
	}
	count := len(l.links)
	l.mu.Unlock()

	if release != nil {
		release()
	}
	l.g.metrics.SetChannelLinks(count)
}

// removeClient drops c from every link.
func (l *channelLinks) removeClient(c *transport.Client) {
	l.mu.Lock()
	var keys []string
	for lk, link := range l.links {
		if _, ok := link.clients[c]; ok {
			keys = append(keys, lk)
		}
	}
	l.mu.Unlock()
	for _, lk := range keys {
		l.remove(lk, c)
	}
}

// rebind moves every link of a session onto its current engine handle,
// creating one if needed. Reset replaces the handle, and links still
// subscribed to the old one would never see new publishes.
func (l *channelLinks) rebind(ctx context.Context, key, sessionID string) error {
	l.mu.Lock()
	var links []*channelLink
	for _, link := range l.links {
		if link.sessionID == sessionID {
			links = append(links, link)
		}
	}
	l.mu.Unlock()
	if len(links) == 0 {
		return nil
	}

	handle, err := l.g.registry.Handle(ctx, key, l.g.createHandle)
	if err != nil {
		return err
	}
	for _, link := range links {
		unsubscribe := handle.Channel(link.channel).Subscribe(func(ev models.Event) {
			l.forward(link, ev)
		})
		l.mu.Lock()
		old := link.unsubscribe
		stale := l.links[linkKey(link.sessionID, link.channel)] != link
		if !stale {
			link.unsubscribe = unsubscribe
		}
		l.mu.Unlock()
		// A link removed meanwhile already released its old subscription.
		if stale {
			unsubscribe()
		} else if old != nil {
			old()
		}
	}
	return nil
}

// closeSession tears down every link of a session.
func (l *channelLinks) closeSession(sessionID string) {
	l.release(func(link *channelLink) bool { return link.sessionID == sessionID })
}

func (l *channelLinks) closeAll() {
	l.release(func(*channelLink) bool { return true })
}

func (l *channelLinks) release(match func(*channelLink) bool) {
	l.mu.Lock()
	var releases []func()
	for lk, link := range l.links {
		if match(link) {
			delete(l.links, lk)
			releases = append(releases, link.unsubscribe)
		}
	}
	count := len(l.links)
	l.mu.Unlock()

	for _, release := range releases {
		if release != nil {
			release()
		}
	}
	l.g.metrics.SetChannelLinks(count)
}

// count returns the number of live links.
func (l *channelLinks) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.links)
}
