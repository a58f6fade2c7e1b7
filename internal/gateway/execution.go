package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/sessiongate/internal/auth"
	"github.com/haasonsaas/sessiongate/internal/engine"
	"github.com/haasonsaas/sessiongate/internal/sessions"
	"github.com/haasonsaas/sessiongate/pkg/models"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

// run is one accepted message on its way to an engine.
type run struct {
	id      string
	key     string // as supplied by the caller; used in event frames
	session sessions.Session
	msg     models.Message
	user    *models.User
}

// prepare records the message against its session and marks the session
// active. A successful prepare must be followed by execute, which clears
// the flag again.
func (g *Gateway) prepare(key, runID, clientID string, user *models.User, msg models.Message) (*run, error) {
	session, err := g.registry.GetOrCreate(key, clientID)
	if err != nil {
		return nil, registryError(err)
	}
	if err := g.registry.IncrementMessageCount(key); err != nil {
		return nil, registryError(err)
	}
	if err := g.registry.SetActive(key, true); err != nil {
		return nil, registryError(err)
	}
	g.refreshSessionGauges()
	if runID == "" {
		runID = uuid.NewString()
	}
	return &run{id: runID, key: key, session: session, msg: msg, user: user}, nil
}

// startSend accepts a message and runs its execution in the background. It
// returns the run id stamped on the execution's events.
func (g *Gateway) startSend(ctx context.Context, call *Call, key, runID string, msg models.Message) (string, error) {
	r, err := g.prepare(key, runID, call.ClientID(), call.User, msg)
	if err != nil {
		return "", err
	}
	if call.Client != nil {
		call.Client.AddSubscription(r.session.ID)
	}
	if !g.track() {
		_ = g.registry.SetActive(key, false)
		return "", protocol.Errorf(protocol.CodeConnectionClosed, "%v", ErrStopped)
	}

	// The execution outlives the request but stays under its trace.
	execCtx := trace.ContextWithSpan(auth.WithUser(g.baseCtx, call.User), trace.SpanFromContext(ctx))
	go func() {
		defer g.work.Done()
		if err := g.execute(execCtx, r, func(ev models.Event) { g.publish(r, ev) }); err != nil {
			g.logger.Warn("execution failed", "session_id", r.session.ID, "error", err)
		}
	}()
	return r.id, nil
}

// StreamSend runs an execution inline, handing every event to emit as well
// as to the session's subscribers. Errors before the first event are
// returned; later failures arrive as an error event.
func (g *Gateway) StreamSend(ctx context.Context, user *models.User, key string, msg models.Message, emit func(*protocol.Frame) error) error {
	if err := validateBuiltinParams(methodSend, mustMarshal(sendParams{SessionID: key, Message: msg})); err != nil {
		return err
	}
	if !g.limiter.Allow(rateKey(nil, user)) {
		return protocol.Errorf(protocol.CodeRateLimited, "retry in %s", g.limiter.WaitTime(rateKey(nil, user)).Round(time.Millisecond))
	}
	if !g.track() {
		return protocol.Errorf(protocol.CodeConnectionClosed, "%v", ErrStopped)
	}
	defer g.work.Done()

	r, err := g.prepare(key, "", "", user, msg)
	if err != nil {
		return err
	}

	emitting := true
	deliver := func(ev models.Event) {
		g.publish(r, ev)
		if !emitting {
			return
		}
		frame, err := r.frame(ev)
		if err == nil {
			err = emit(frame)
		}
		if err != nil {
			// The caller went away; subscribers still get the rest.
			emitting = false
		}
	}
	execCtx := context.WithoutCancel(auth.WithUser(ctx, user))
	_ = g.execute(execCtx, r, deliver)
	return nil
}

// execute drives one execution to completion. It always clears the active
// flag and always ends the stream with execution_end or error.
func (g *Gateway) execute(ctx context.Context, r *run, deliver func(models.Event)) (err error) {
	start := time.Now()
	ctx, span := g.tracer.TraceExecution(ctx, r.session.ID, r.session.AppID)

	var sawEnd, sawError bool
	var result engine.Result
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("execution panicked: %v", rec)
		}
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
			g.tracer.RecordError(span, err)
			if !sawError {
				deliver(models.Event{Type: models.EventError, Data: executionError(err)})
			}
		case !sawEnd:
			deliver(models.Event{Type: models.EventExecutionEnd, Data: result})
		}
		if clearErr := g.registry.SetActive(r.key, false); clearErr != nil && !errors.Is(clearErr, sessions.ErrNotFound) {
			g.logger.Warn("clear active flag", "session_id", r.session.ID, "error", clearErr)
		}
		span.End()
		g.metrics.ExecutionFinished(outcome, time.Since(start).Seconds())
		g.refreshSessionGauges()
	}()

	handle, err := g.registry.Handle(ctx, r.key, g.createHandle)
	if err != nil {
		return registryError(err)
	}
	exec, err := handle.Send(ctx, r.msg)
	if err != nil {
		return err
	}
	for ev := range exec.Events() {
		switch ev.Type {
		case models.EventExecutionEnd:
			sawEnd = true
		case models.EventError:
			sawError = true
		}
		deliver(ev)
	}
	result, err = exec.Wait()
	if result.ExecutionID == "" {
		result.ExecutionID = exec.ID()
	}
	return err
}

// createHandle opens an engine session for a registry entry.
func (g *Gateway) createHandle(ctx context.Context, appID, name string) (engine.Session, error) {
	app, ok := g.apps[appID]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "no app %q", appID)
	}
	handle, err := app.Session(ctx, appID+":"+name)
	if err != nil {
		return nil, fmt.Errorf("open %s session: %w", appID, err)
	}
	return handle, nil
}

// closeSession notifies subscribers, drops channel links and removes the
// session along with its engine handle.
func (g *Gateway) closeSession(key string) error {
	session, err := g.registry.Get(key)
	if err != nil {
		return registryError(err)
	}
	g.publish(&run{key: key, session: session}, models.Event{
		Type: models.EventSessionClosed,
		Data: map[string]any{"sessionId": key},
	})
	g.channels.closeSession(session.ID)

	closed, err := g.registry.Close(key)
	if err != nil {
		return registryError(err)
	}
	for _, clientID := range closed.Subscribers {
		for _, t := range g.transports {
			if c, ok := t.Client(clientID); ok {
				c.RemoveSubscription(closed.ID)
			}
		}
	}
	g.refreshSessionGauges()
	return nil
}

func executionError(err error) *protocol.Error {
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.Code != protocol.CodeInternal {
		return perr
	}
	return &protocol.Error{Code: protocol.CodeExecution, Message: err.Error()}
}
