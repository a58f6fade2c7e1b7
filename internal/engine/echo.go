package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/sessiongate/pkg/models"
)

// ErrSessionClosed is returned by Send after Close.
var ErrSessionClosed = errors.New("engine session closed")

// EchoConfig configures the echo engine.
type EchoConfig struct {
	ID        string
	ChunkSize int
	Delay     time.Duration
}

// EchoApp is a built-in engine that streams user input back as assistant
// output. It backs the "echo" app kind and the test suites.
type EchoApp struct {
	cfg EchoConfig
}

// NewEchoApp returns an echo engine.
func NewEchoApp(cfg EchoConfig) *EchoApp {
	if cfg.ID == "" {
		cfg.ID = "echo"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 16
	}
	return &EchoApp{cfg: cfg}
}

// ID returns the application id.
func (a *EchoApp) ID() string { return a.cfg.ID }

// Session creates a new echo session.
func (a *EchoApp) Session(_ context.Context, key string) (Session, error) {
	return &EchoSession{key: key, cfg: a.cfg}, nil
}

// EchoSession is the handle returned by EchoApp.
type EchoSession struct {
	key      string
	cfg      EchoConfig
	channels ChannelSet

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelFunc
	results []models.ToolResult
}

// Send starts an execution that echoes msg.
func (s *EchoSession) Send(ctx context.Context, msg models.Message) (Execution, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exec := &echoExecution{
		id:     uuid.NewString(),
		events: make(chan models.Event, 16),
		done:   make(chan struct{}),
	}
	if s.cancels == nil {
		s.cancels = make(map[string]context.CancelFunc)
	}
	s.cancels[exec.id] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.cancels, exec.id)
			s.mu.Unlock()
			cancel()
		}()
		exec.run(runCtx, s.cfg, msg)
	}()
	return exec, nil
}

// Channel returns the named in-memory channel.
func (s *EchoSession) Channel(name string) Channel {
	return s.channels.Get(name)
}

// Abort cancels every running execution.
func (s *EchoSession) Abort(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
	return nil
}

// SubmitToolResult records the result and publishes it on the "tools" channel.
func (s *EchoSession) SubmitToolResult(ctx context.Context, result models.ToolResult) error {
	s.mu.Lock()
	s.results = append(s.results, result)
	s.mu.Unlock()
	return s.channels.Get("tools").Publish(ctx, models.Event{Type: "tool_result", Data: result})
}

// Close aborts running executions and rejects further sends.
func (s *EchoSession) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	return nil
}

type echoExecution struct {
	id     string
	events chan models.Event
	done   chan struct{}
	result Result
	err    error
}

func (e *echoExecution) ID() string                  { return e.id }
func (e *echoExecution) Events() <-chan models.Event { return e.events }

func (e *echoExecution) Wait() (Result, error) {
	<-e.done
	return e.result, e.err
}

func (e *echoExecution) run(ctx context.Context, cfg EchoConfig, msg models.Message) {
	defer close(e.done)
	defer close(e.events)

	e.result = Result{ExecutionID: e.id, StopReason: "end_turn"}
	emit := func(ev models.Event) bool {
		select {
		case e.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	text := msg.Text()
	if !emit(models.Event{Type: models.EventExecutionStart, Data: map[string]any{"executionId": e.id}}) ||
		!emit(models.Event{Type: models.EventMessageStart, Data: map[string]any{"role": models.RoleAssistant}}) {
		e.result.StopReason = "aborted"
		return
	}

	runes := []rune(text)
	for start := 0; start < len(runes); start += cfg.ChunkSize {
		end := min(start+cfg.ChunkSize, len(runes))
		if cfg.Delay > 0 {
			select {
			case <-time.After(cfg.Delay):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil || !emit(models.Event{Type: models.EventMessageDelta, Data: map[string]any{"text": string(runes[start:end])}}) {
			e.result.StopReason = "aborted"
			return
		}
	}

	e.result.Output = text
	emit(models.Event{Type: models.EventMessageEnd, Data: map[string]any{"text": text}})
	emit(models.Event{Type: models.EventExecutionEnd, Data: e.result})
}
