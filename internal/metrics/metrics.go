// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "claw_relay"

// Metrics contains all Prometheus metrics for the relay process.
type Metrics struct {
	AgentConnections  prometheus.Gauge
	ClientConnections prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec

	AuthFailures    *prometheus.CounterVec
	MessagesRouted  *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec

	RateLimited     prometheus.Counter
	ReplaysRejected prometheus.Counter
}

// New creates a Metrics instance registered on the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance on reg; tests pass a private
// registry to avoid duplicate registration.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AgentConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_connections",
			Help:      "Currently registered agent connections.",
		}),
		ClientConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_connections",
			Help:      "Currently registered client connections.",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted connections by kind.",
		}, []string{"kind"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Failed authentication attempts by kind.",
		}, []string{"kind"}),
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Messages delivered to a peer by direction.",
		}, []string{"direction"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped without delivery by reason.",
		}, []string{"reason"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Messages rejected by the per-user rate limit.",
		}),
		ReplaysRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_rejected_total",
			Help:      "Agent messages rejected for nonce reuse or stale timestamps.",
		}),
	}
}
