package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cartrabbit", Name: "rides_created_total", Help: "Ride requests created"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cartrabbit", Name: "ride_transitions_total", Help: "Applied ride status transitions"},
		[]string{"from", "to"},
	)
	RideRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cartrabbit", Name: "ride_rejections_total", Help: "Lifecycle requests rejected before any write"},
		[]string{"event", "reason"},
	)

	PaymentOps = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cartrabbit", Name: "payment_operations_total", Help: "Payment gateway calls by action and result"},
		[]string{"action", "result"},
	)
	PaymentLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "cartrabbit", Name: "payment_latency_seconds", Help: "Payment gateway latency", Buckets: prometheus.DefBuckets},
		[]string{"action"},
	)
	SettlementsSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cartrabbit", Name: "settlements_swept_total", Help: "Stuck settlements handled by the reconciler"},
		[]string{"outcome"},
	)

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "cartrabbit", Name: "ride_subscriptions", Help: "Open ride subscriptions"})
	ActiveTrackers      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "cartrabbit", Name: "location_trackers", Help: "Running location trackers"})

	LocationWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cartrabbit", Name: "location_writes_total", Help: "Throttled location writes by result"},
		[]string{"result"},
	)

	DirectoryFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cartrabbit", Name: "directory_fetches_total", Help: "Business directory page fetches"},
		[]string{"category", "cache"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cartrabbit", Name: "events_published_total", Help: "Messages written to Kafka"},
		[]string{"topic", "result"},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cartrabbit", Name: "payment_webhooks_total", Help: "Verified payment webhooks by event type"},
		[]string{"type"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cartrabbit", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cartrabbit",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
