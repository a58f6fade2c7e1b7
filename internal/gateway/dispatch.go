package gateway

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/haasonsaas/sessiongate/internal/transport"
	"github.com/haasonsaas/sessiongate/pkg/models"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

// Dispatch runs method for a caller. client is nil for one-shot HTTP calls.
// Every failure, including a handler panic, comes back as a *protocol.Error.
func (g *Gateway) Dispatch(ctx context.Context, client *transport.Client, user *models.User, method string, params json.RawMessage) (result any, err error) {
	name := normalizeMethod(method)
	call := &Call{Method: name, Params: params, Client: client, User: user}

	start := time.Now()
	ctx, span := g.tracer.TraceRPC(ctx, name, call.ClientID())
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("method panicked",
				"method", name,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			result, err = nil, protocol.Errorf(protocol.CodeInternal, "%s failed", name)
		}
		outcome := "ok"
		if err != nil {
			perr := protocol.AsError(err)
			err = perr
			outcome = string(perr.Code)
			g.tracer.RecordError(span, perr)
		}
		span.End()
		g.metrics.RecordRPC(name, outcome, time.Since(start).Seconds())
	}()

	if name == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "method is required")
	}
	if !g.limiter.Allow(rateKey(client, user)) {
		wait := g.limiter.WaitTime(rateKey(client, user))
		return nil, protocol.Errorf(protocol.CodeRateLimited, "retry in %s", wait.Round(time.Millisecond))
	}

	if handler, ok := g.builtins[name]; ok {
		if err := validateBuiltinParams(name, params); err != nil {
			return nil, err
		}
		return handler(ctx, call)
	}
	def, ok := g.methods[name]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeUnknownMethod, "unknown method %q", method)
	}
	return def.invoke(ctx, call)
}

// rateKey picks the bucket a call is charged to.
func rateKey(client *transport.Client, user *models.User) string {
	switch {
	case client != nil:
		return client.Transport + ":" + client.ID
	case user != nil:
		return "user:" + user.ID
	}
	return "anonymous"
}
