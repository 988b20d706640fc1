package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the courier service.
//
// The metrics cover:
//   - Channel session lifecycle (connects, disconnects, bans)
//   - Message flow per tenant and direction
//   - Rate limit decisions per limit type
//   - Offline sync queue outcomes
//   - Auto-responder request latency
type Metrics struct {
	// SessionsActive is a gauge of currently connected sessions.
	SessionsActive prometheus.Gauge

	// SessionEvents counts session lifecycle events.
	// Labels: event (connected|disconnected|banned|handshake_timeout)
	SessionEvents *prometheus.CounterVec

	// MessageCounter tracks messages by direction.
	// Labels: direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// RateLimitDecisions counts governor decisions.
	// Labels: limit_type, decision (allowed|denied)
	RateLimitDecisions *prometheus.CounterVec

	// SyncMutations counts drained mutation outcomes.
	// Labels: outcome (synced|failed|conflict)
	SyncMutations *prometheus.CounterVec

	// ResponderDuration measures auto-responder completion latency in
	// seconds. Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	ResponderDuration prometheus.Histogram

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics. A nil registerer
// uses the default registry, which the gateway's /metrics endpoint serves;
// tests pass their own registry so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_sessions_active",
				Help: "Number of currently connected channel sessions",
			},
		),

		SessionEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_session_events_total",
				Help: "Total session lifecycle events by type",
			},
			[]string{"event"},
		),

		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_messages_total",
				Help: "Total messages processed by direction",
			},
			[]string{"direction"},
		),

		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_ratelimit_decisions_total",
				Help: "Total rate limit decisions by limit type and outcome",
			},
			[]string{"limit_type", "decision"},
		),

		SyncMutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_sync_mutations_total",
				Help: "Total drained sync mutations by outcome",
			},
			[]string{"outcome"},
		),

		ResponderDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "courier_responder_duration_seconds",
				Help:    "Duration of auto-responder completion requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_http_request_duration_seconds",
				Help:    "Duration of HTTP API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
