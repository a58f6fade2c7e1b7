package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerOptions configures the HTTP front of a gateway.
type ServerOptions struct {
	Addr string

	// WSPath mounts WS when both are set.
	WSPath string
	WS     http.Handler

	// PathPrefix mounts SSE with the prefix stripped. "/" or empty mounts
	// it at the root.
	PathPrefix string
	SSE        http.Handler

	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// Server serves the gateway's transports, health and metrics over HTTP.
type Server struct {
	gateway *Gateway
	opts    ServerOptions
	handler http.Handler
	logger  *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the HTTP mux for g.
func NewServer(g *Gateway, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{gateway: g, opts: opts, logger: logger.With("component", "http")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	if opts.WS != nil && opts.WSPath != "" {
		mux.Handle(opts.WSPath, opts.WS)
	}
	if opts.SSE != nil {
		prefix := "/" + strings.Trim(opts.PathPrefix, "/")
		if prefix == "/" {
			mux.Handle("/", opts.SSE)
		} else {
			mux.Handle(prefix+"/", http.StripPrefix(prefix, opts.SSE))
		}
	}
	s.handler = mux
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start starts the gateway and begins serving. It returns once the
// listener is bound.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	if err := s.gateway.Start(ctx); err != nil {
		_ = listener.Close()
		return err
	}

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = server
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// Stop stops the transports first so every client sees a clean close, then
// shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	gatewayErr := s.gateway.Stop(ctx)

	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return gatewayErr
	}
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return errors.Join(gatewayErr, err)
	}
	return gatewayErr
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"clients":  s.gateway.clientCount(),
		"sessions": s.gateway.registry.Len(),
	})
}
