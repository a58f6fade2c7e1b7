// Package observability provides the gateway's logging, metrics and tracing.
//
// Logging is log/slog with a handler that redacts connect tokens, API keys
// and JWTs before they reach the output. Metrics are Prometheus collectors
// registered on a caller-supplied registry and served from /metrics.
// Tracing is OpenTelemetry exported over OTLP gRPC when an endpoint is
// configured and a no-op otherwise.
package observability
