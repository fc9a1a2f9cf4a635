package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quizcast"

var (
	// ConnectionsActive tracks admitted transport connections
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of live client connections.",
	})

	// SessionsActive tracks session groups with at least one member
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of non-empty session groups.",
	})

	// EventsReceived counts inbound client events by type and outcome
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Inbound client events by type and outcome.",
	}, []string{"type", "result"})

	// Deliveries counts per-connection delivery attempts
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Outbound per-connection deliveries by result.",
	}, []string{"result"})

	// Reclaims counts connections removed by the liveness monitor
	Reclaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reclaims_total",
		Help:      "Connections reclaimed by the heartbeat monitor by reason.",
	}, []string{"reason"})

	// ResponsesRecorded counts stored participant responses
	ResponsesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "responses_recorded_total",
		Help:      "Participant responses stored in activity state.",
	}, []string{"late"})

	// APIActiveConnections tracks in-flight HTTP requests
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "api_active_requests",
		Help:      "In-flight HTTP requests.",
	})

	// APIRequestsTotal counts HTTP requests
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "HTTP request latency by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
