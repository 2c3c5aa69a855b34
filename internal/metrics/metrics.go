package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Group authority metrics
var (
	// GroupOperationsTotal counts service operations by outcome
	GroupOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_group_operations_total",
			Help: "Group operations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	// InvariantViolationsTotal counts detected membership invariant breaks.
	// Anything above zero points at a bug or a manual data edit.
	InvariantViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_group_invariant_violations_total",
			Help: "Membership invariant violations detected by the group service",
		},
		[]string{"op"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kite_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPBytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kite_http_bytes_out_total",
		Help: "Bytes written in HTTP responses",
	})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kite_http_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})
)

// Real-time metrics
var (
	WebSocketMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kite_websocket_messages_total",
		Help: "Event frames sent to websocket clients",
	})

	WebSocketBytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kite_websocket_bytes_out_total",
		Help: "Bytes sent to websocket clients",
	})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kite_websocket_connected_clients",
		Help: "Currently connected websocket clients",
	})

	RelayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_event_relay_messages_total",
			Help: "Events exchanged with other instances by direction",
		},
		[]string{"direction"},
	)
)

// Recorder feeds group service outcomes into the counters above.
type Recorder struct{}

func (Recorder) Operation(op, outcome string) {
	GroupOperationsTotal.WithLabelValues(op, outcome).Inc()
}

func (Recorder) InvariantViolation(op string) {
	InvariantViolationsTotal.WithLabelValues(op).Inc()
}
