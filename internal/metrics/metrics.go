// Package metrics provides Prometheus instrumentation for PodPilot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podpilot_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "podpilot_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Session metrics.
var (
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "podpilot_connected_agents",
		Help: "Number of agents with a live session in the registry.",
	})

	RegistrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podpilot_registrations_total",
		Help: "Total number of registration handshakes by outcome.",
	}, []string{"outcome"})
)

// Registration outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeInvalid  = "invalid"
)

// Heartbeat and reaper metrics.
var (
	HeartbeatsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "podpilot_heartbeats_sent_total",
		Help: "Total number of heartbeats enqueued to agents.",
	})

	HeartbeatAcksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "podpilot_heartbeat_acks_total",
		Help: "Total number of heartbeat acknowledgments received.",
	})

	AgentsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "podpilot_agents_reaped_total",
		Help: "Total number of stale agents transitioned to error by the reaper.",
	})

	OutboundDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "podpilot_outbound_dropped_total",
		Help: "Total number of outbound messages dropped (queue full or not connected).",
	})
)
