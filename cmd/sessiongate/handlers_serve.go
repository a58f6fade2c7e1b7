package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/sessiongate/internal/auth"
	"github.com/haasonsaas/sessiongate/internal/buffer"
	"github.com/haasonsaas/sessiongate/internal/config"
	"github.com/haasonsaas/sessiongate/internal/engine"
	"github.com/haasonsaas/sessiongate/internal/gateway"
	"github.com/haasonsaas/sessiongate/internal/observability"
	"github.com/haasonsaas/sessiongate/internal/transport"
	"github.com/haasonsaas/sessiongate/internal/transport/sse"
	"github.com/haasonsaas/sessiongate/internal/transport/ws"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads the configuration, wires both transports to a gateway and
// serves until ctx is cancelled or a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logConfig := cfg.LogConfig()
	if debug {
		logConfig.Level = "debug"
	}
	logger := observability.NewLogger(logConfig)
	slog.SetDefault(logger)

	logger.Info("starting sessiongate",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	tracer, shutdownTracing := observability.NewTracer(cfg.TraceConfig(version))
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	authService := auth.NewService(cfg.AuthServiceConfig())
	if !authService.Enabled() && !cfg.Auth.AllowAnonymous {
		logger.Warn("no credentials configured; every connection will be rejected")
	}

	bufferOpts := cfg.BufferOptions()
	bufferOpts.Logger = logger
	bufferOpts.OnOverflow = func(policy buffer.Policy) {
		metrics.BufferOverflow(string(policy))
	}

	wsTransport := ws.New(ws.Config{
		Validator:        authService,
		Buffer:           bufferOpts,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		Logger:           logger,
	})
	sseTransport := sse.New(sse.Config{
		Validator:         authService,
		Buffer:            bufferOpts,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		Logger:            logger,
	})

	apps, err := buildApps(cfg.Gateway.Apps)
	if err != nil {
		return err
	}
	g, err := gateway.New(gateway.Options{
		Apps:       apps,
		DefaultApp: cfg.Gateway.DefaultApp,
		Transports: []transport.Transport{wsTransport, sseTransport},
		RateLimit:  cfg.Gateway.RateLimit,
		Metrics:    metrics,
		Tracer:     tracer,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	server := gateway.NewServer(g, gateway.ServerOptions{
		Addr:       cfg.Server.Addr(),
		WSPath:     cfg.Server.WSPath,
		WS:         wsTransport,
		PathPrefix: cfg.Server.PathPrefix,
		SSE:        sseTransport,
		Gatherer:   registry,
		Logger:     logger,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info("sessiongate started",
		"addr", server.Addr(),
		"ws_path", cfg.Server.WSPath,
		"path_prefix", cfg.Server.PathPrefix,
		"apps", g.Apps(),
	)

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				authService.SetAPIKeys(next.AuthServiceConfig().APIKeys)
				logger.Info("api keys reloaded", "count", len(next.Auth.APIKeys))
			})
			if err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("sessiongate stopped")
	return nil
}

// loadConfig loads path, or the defaults when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func buildApps(configs []config.AppConfig) ([]engine.App, error) {
	apps := make([]engine.App, 0, len(configs))
	for _, app := range configs {
		switch app.Kind {
		case config.AppKindEcho:
			apps = append(apps, engine.NewEchoApp(engine.EchoConfig{
				ID:        app.ID,
				ChunkSize: app.ChunkSize,
				Delay:     app.Delay,
			}))
		default:
			return nil, fmt.Errorf("app %q: unsupported kind %q", app.ID, app.Kind)
		}
	}
	return apps, nil
}
