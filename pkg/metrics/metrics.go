// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SubscriptionsActive tracks live watches held by the subscription registry.
	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_subscriptions_active",
			Help: "Number of active live watches across all sessions",
		},
	)

	// SnapshotsDelivered tracks snapshots delivered to component callbacks.
	SnapshotsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_snapshots_delivered_total",
			Help: "Snapshots delivered to engine components",
		},
		[]string{"outcome"}, // delivered | stale | error
	)

	// MessagesSent tracks message mutations by kind.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_messages_total",
			Help: "Message mutations processed by the stream engine",
		},
		[]string{"op"}, // send | edit | delete | react
	)

	// OptimisticRollbacks tracks optimistic sends rolled back on write failure.
	OptimisticRollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_optimistic_rollbacks_total",
			Help: "Optimistic message entries rolled back after a failed write",
		},
	)

	// TypingWrites tracks typing-state writes (one per burst plus one clear).
	TypingWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_typing_writes_total",
			Help: "Remote writes issued by the typing state machine",
		},
	)

	// HeartbeatsTotal tracks presence heartbeat writes.
	HeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_presence_heartbeats_total",
			Help: "Presence heartbeat writes",
		},
	)

	// RequestsResolved tracks chat-request lifecycle transitions.
	RequestsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_chat_requests_total",
			Help: "Chat request lifecycle transitions",
		},
		[]string{"status"}, // pending | accepted | rejected | blocked
	)

	// SSEConnectionsActive tracks active SSE event streams.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// SessionsActive tracks live engine sessions held by the gateway.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_sessions_active",
			Help: "Number of active engine sessions",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
