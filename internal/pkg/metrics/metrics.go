// Package metrics declares the Prometheus collectors of the chat server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foliochat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foliochat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Business metrics
	MessagesInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foliochat_messages_inserted_total",
			Help: "Total messages persisted",
		},
	)

	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foliochat_auth_attempts_total",
			Help: "Authentication attempts by method and result",
		},
		[]string{"method", "result"}, // password|signup|otp|magic_link|oauth, ok|fail
	)

	// Realtime metrics
	RealtimeSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "foliochat_realtime_subscribers",
			Help: "Open realtime connections",
		},
	)

	RealtimeRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "foliochat_realtime_rooms",
			Help: "Rooms with a running hub loop",
		},
	)

	BrokerPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foliochat_broker_publish_errors_total",
			Help: "Failed fan-out publishes",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foliochat_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"limiter"},
	)
)
