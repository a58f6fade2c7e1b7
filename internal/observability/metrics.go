package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.ClientConnected("ws")
type Metrics struct {
	// ConnectedClients tracks open authenticated connections.
	// Labels: transport (ws|sse)
	ConnectedClients *prometheus.GaugeVec

	// RPCCounter counts dispatched requests.
	// Labels: method, outcome (ok|error code)
	RPCCounter *prometheus.CounterVec

	// RPCDuration measures dispatch latency in seconds.
	// Labels: method
	RPCDuration *prometheus.HistogramVec

	// EventsFannedOut counts frames pushed to client buffers.
	// Labels: kind (session|channel)
	EventsFannedOut *prometheus.CounterVec

	// BufferOverflows counts full outbound queues.
	// Labels: policy
	BufferOverflows *prometheus.CounterVec

	// Executions counts settled executions.
	// Labels: outcome (ok|error)
	Executions *prometheus.CounterVec

	// ExecutionDuration measures execution wall time in seconds.
	ExecutionDuration prometheus.Histogram

	// Sessions tracks registry size.
	Sessions prometheus.Gauge

	// ActiveSessions tracks sessions with an execution in flight.
	ActiveSessions prometheus.Gauge

	// ChannelLinks tracks live engine channel forwards.
	ChannelLinks prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses the Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ConnectedClients: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sessiongate_connected_clients",
				Help: "Number of authenticated client connections by transport",
			},
			[]string{"transport"},
		),
		RPCCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiongate_rpc_requests_total",
				Help: "Total RPC requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessiongate_rpc_duration_seconds",
				Help:    "RPC dispatch latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method"},
		),
		EventsFannedOut: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiongate_events_fanned_out_total",
				Help: "Total event frames pushed to client buffers",
			},
			[]string{"kind"},
		),
		BufferOverflows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiongate_buffer_overflows_total",
				Help: "Total outbound buffer overflows by policy",
			},
			[]string{"policy"},
		),
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiongate_executions_total",
				Help: "Total settled executions by outcome",
			},
			[]string{"outcome"},
		),
		ExecutionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sessiongate_execution_duration_seconds",
				Help:    "Execution wall time in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
		),
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sessiongate_sessions",
			Help: "Number of sessions in the registry",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sessiongate_active_sessions",
			Help: "Number of sessions with an execution in flight",
		}),
		ChannelLinks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sessiongate_channel_links",
			Help: "Number of live engine channel forwards",
		}),
	}
}

// ClientConnected increments the connection gauge.
func (m *Metrics) ClientConnected(transport string) {
	if m == nil {
		return
	}
	m.ConnectedClients.WithLabelValues(transport).Inc()
}

// ClientDisconnected decrements the connection gauge.
func (m *Metrics) ClientDisconnected(transport string) {
	if m == nil {
		return
	}
	m.ConnectedClients.WithLabelValues(transport).Dec()
}

// RecordRPC records one dispatched request.
func (m *Metrics) RecordRPC(method, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RPCCounter.WithLabelValues(method, outcome).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(durationSeconds)
}

// EventsDelivered adds n pushed frames.
func (m *Metrics) EventsDelivered(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EventsFannedOut.WithLabelValues(kind).Add(float64(n))
}

// BufferOverflow records one overflow.
func (m *Metrics) BufferOverflow(policy string) {
	if m == nil {
		return
	}
	m.BufferOverflows.WithLabelValues(policy).Inc()
}

// ExecutionFinished records a settled execution.
func (m *Metrics) ExecutionFinished(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(outcome).Inc()
	m.ExecutionDuration.Observe(durationSeconds)
}

// SetSessionCounts updates the registry gauges.
func (m *Metrics) SetSessionCounts(total, active int) {
	if m == nil {
		return
	}
	m.Sessions.Set(float64(total))
	m.ActiveSessions.Set(float64(active))
}

// SetChannelLinks updates the channel forward gauge.
func (m *Metrics) SetChannelLinks(n int) {
	if m == nil {
		return
	}
	m.ChannelLinks.Set(float64(n))
}
