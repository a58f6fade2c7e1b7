// Package gateway routes client calls to built-in and custom methods and fans
// execution events out to every subscribed client on every transport.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/sessiongate/internal/auth"
	"github.com/haasonsaas/sessiongate/internal/engine"
	"github.com/haasonsaas/sessiongate/internal/observability"
	"github.com/haasonsaas/sessiongate/internal/ratelimit"
	"github.com/haasonsaas/sessiongate/internal/sessions"
	"github.com/haasonsaas/sessiongate/internal/transport"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

// ErrStopped is returned when work is submitted to a stopped gateway.
var ErrStopped = errors.New("gateway stopped")

// Options configures a Gateway.
type Options struct {
	// Apps are the execution engines, keyed by their ID.
	Apps []engine.App
	// DefaultApp receives session keys without a known app prefix. Empty
	// selects the first app.
	DefaultApp string
	// Registry is created from Apps when nil.
	Registry *sessions.Registry

	Transports []transport.Transport
	Methods    Namespace
	RateLimit  ratelimit.Config

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Gateway owns the session registry, the method table and the transports.
type Gateway struct {
	registry   *sessions.Registry
	apps       map[string]engine.App
	appIDs     []string
	transports []transport.Transport
	builtins   map[string]Handler
	methods    map[string]*methodDef
	limiter    *ratelimit.Limiter
	channels   *channelLinks

	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	removers  []func()
	work      sync.WaitGroup
}

var _ transport.Backend = (*Gateway)(nil)

// New builds a gateway. Custom method names may not shadow built-ins.
func New(opts Options) (*Gateway, error) {
	if len(opts.Apps) == 0 {
		return nil, errors.New("gateway: at least one app is required")
	}
	apps := make(map[string]engine.App, len(opts.Apps))
	appIDs := make([]string, 0, len(opts.Apps))
	for _, app := range opts.Apps {
		id := strings.ToLower(strings.TrimSpace(app.ID()))
		if id == "" {
			return nil, errors.New("gateway: app id is required")
		}
		if _, ok := apps[id]; ok {
			return nil, fmt.Errorf("gateway: duplicate app %q", id)
		}
		apps[id] = app
		appIDs = append(appIDs, id)
	}
	sort.Strings(appIDs)

	defaultApp := strings.ToLower(strings.TrimSpace(opts.DefaultApp))
	if defaultApp == "" {
		defaultApp = strings.ToLower(strings.TrimSpace(opts.Apps[0].ID()))
	}
	if _, ok := apps[defaultApp]; !ok {
		return nil, fmt.Errorf("gateway: default app %q is not registered", defaultApp)
	}

	registry := opts.Registry
	if registry == nil {
		registry = sessions.NewRegistry(sessions.Options{DefaultApp: defaultApp, Apps: appIDs})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		registry:   registry,
		apps:       apps,
		appIDs:     appIDs,
		transports: opts.Transports,
		limiter:    ratelimit.NewLimiter(opts.RateLimit),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		logger:     logger.With("component", "gateway"),
		baseCtx:    baseCtx,
		cancel:     cancel,
	}
	g.channels = newChannelLinks(g)
	g.builtins = g.builtinMethods()

	methods, err := flattenMethods(opts.Methods, g.builtins)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("gateway: %w", err)
	}
	g.methods = methods
	return g, nil
}

// Registry exposes the session registry.
func (g *Gateway) Registry() *sessions.Registry { return g.registry }

// Transports returns the transports the gateway fans out to.
func (g *Gateway) Transports() []transport.Transport { return g.transports }

// Apps returns the served app ids, sorted.
func (g *Gateway) Apps() []string { return append([]string(nil), g.appIDs...) }

// Methods returns every callable method name, built-ins first.
func (g *Gateway) Methods() []string {
	builtins := make([]string, 0, len(g.builtins))
	for name := range g.builtins {
		builtins = append(builtins, name)
	}
	sort.Strings(builtins)
	custom := make([]string, 0, len(g.methods))
	for name := range g.methods {
		custom = append(custom, name)
	}
	sort.Strings(custom)
	return append(builtins, custom...)
}

// Start binds the gateway to its transports and starts them.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return errors.New("gateway already started")
	}
	g.running = true
	g.startedAt = time.Now()
	for _, t := range g.transports {
		g.removers = append(g.removers, g.attach(t)...)
	}
	g.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, t := range g.transports {
		group.Go(func() error {
			if err := t.Start(groupCtx); err != nil {
				return fmt.Errorf("start %s transport: %w", t.Name(), err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		_ = g.Stop(context.WithoutCancel(ctx))
		return err
	}
	g.logger.Info("gateway started", "transports", len(g.transports), "apps", g.appIDs)
	return nil
}

// Stop stops every transport, which disconnects every client, then waits
// for in-flight requests and executions. Executions still running when ctx
// ends are cancelled.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	g.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, t := range g.transports {
		group.Go(func() error {
			if err := t.Stop(groupCtx); err != nil {
				return fmt.Errorf("stop %s transport: %w", t.Name(), err)
			}
			return nil
		})
	}
	stopErr := group.Wait()

	done := make(chan struct{})
	go func() {
		g.work.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.cancel()
		<-done
		stopErr = errors.Join(stopErr, ctx.Err())
	}

	g.mu.Lock()
	removers := g.removers
	g.removers = nil
	g.mu.Unlock()
	for _, remove := range removers {
		remove()
	}
	g.channels.closeAll()
	g.logger.Info("gateway stopped")
	return stopErr
}

// attach registers the gateway's listeners on t and binds it as backend.
func (g *Gateway) attach(t transport.Transport) []func() {
	if binder, ok := t.(transport.Binder); ok {
		binder.Bind(g)
	}
	name := t.Name()
	l := t.Listeners()
	return []func(){
		l.OnConnect(func(c *transport.Client) {
			g.metrics.ClientConnected(name)
			g.logger.Debug("client connected", "transport", name, "client_id", c.ID)
		}),
		l.OnMessage(g.handleMessage),
		l.OnDisconnect(func(c *transport.Client, reason string) {
			g.metrics.ClientDisconnected(name)
			g.clientGone(c)
			g.logger.Debug("client disconnected", "transport", name, "client_id", c.ID, "reason", reason)
		}),
		l.OnError(func(err error) {
			g.logger.Warn("transport error", "transport", name, "error", err)
		}),
	}
}

// track reserves a slot in the work group. It fails once Stop has begun.
func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return false
	}
	g.work.Add(1)
	return true
}

// handleMessage answers one inbound frame on its own goroutine so a slow
// method never stalls the connection's reader.
func (g *Gateway) handleMessage(c *transport.Client, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		_ = c.Send(protocol.NewErrorResult("", protocol.Errorf(protocol.CodeInvalidRequest, "%v", err)))
		return
	}
	if frame.Type != protocol.TypeRequest {
		_ = c.Send(protocol.NewErrorResult(frame.ID, protocol.Errorf(protocol.CodeInvalidRequest, "unexpected %s frame", frame.Type)))
		return
	}
	if !g.track() {
		_ = c.Send(protocol.NewErrorResult(frame.ID, protocol.Errorf(protocol.CodeConnectionClosed, "%v", ErrStopped)))
		return
	}
	go func() {
		defer g.work.Done()
		ctx := auth.WithClientID(auth.WithUser(g.baseCtx, c.User), c.ID)
		payload, err := g.Dispatch(ctx, c, c.User, frame.Method, frame.Params)
		reply := protocol.NewErrorResult(frame.ID, err)
		if err == nil {
			if reply, err = protocol.NewResult(frame.ID, payload); err != nil {
				reply = protocol.NewErrorResult(frame.ID, err)
			}
		}
		if err := c.Send(reply); err != nil {
			g.logger.Warn("reply failed", "client_id", c.ID, "method", frame.Method, "error", err)
		}
	}()
}

// clientGone releases everything a departed client held.
func (g *Gateway) clientGone(c *transport.Client) {
	for _, id := range c.Subscriptions() {
		if !g.sharedSubscriber(c, id) {
			g.registry.Unsubscribe(id, c.ID)
		}
		c.RemoveSubscription(id)
	}
	g.channels.removeClient(c)
	g.limiter.Remove(rateKey(c, c.User))
}

// sharedSubscriber reports whether another live client with c's id on a
// different transport still follows sessionID.
func (g *Gateway) sharedSubscriber(c *transport.Client, sessionID string) bool {
	for _, t := range g.transports {
		if t.Name() == c.Transport {
			continue
		}
		if other, ok := t.Client(c.ID); ok && other != c && other.Subscribed(sessionID) {
			return true
		}
	}
	return false
}

// clientCount sums connected clients across transports.
func (g *Gateway) clientCount() int {
	n := 0
	for _, t := range g.transports {
		n += t.ClientCount()
	}
	return n
}

func (g *Gateway) uptime() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.startedAt.IsZero() {
		return 0
	}
	return time.Since(g.startedAt)
}

func (g *Gateway) refreshSessionGauges() {
	g.metrics.SetSessionCounts(g.registry.Len(), g.registry.ActiveCount())
}

// registryError maps registry sentinels onto wire errors.
func registryError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sessions.ErrInvalidKey):
		return protocol.Errorf(protocol.CodeInvalidRequest, "%v", err)
	case errors.Is(err, sessions.ErrNotFound):
		return protocol.Errorf(protocol.CodeNotFound, "%v", err)
	}
	return err
}
