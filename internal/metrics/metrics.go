// Package metrics holds the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rescue_engine"

var (
	RescueTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rescue_transitions_total",
		Help:      "Committed rescue status transitions by target status.",
	}, []string{"status"})

	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "accept_conflicts_total",
		Help:      "Accept attempts that lost the conditional write.",
	})

	GeoFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geo_fallbacks_total",
		Help:      "Radius queries served by the durable store instead of the fast index.",
	}, []string{"reason"})

	SurgeCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "surge_cache_lookups_total",
		Help:      "Surge cell cache lookups by result.",
	}, []string{"result"})

	JobPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_publish_failures_total",
		Help:      "Jobs the engine failed to hand to the scheduler.",
	}, []string{"type"})

	NotificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_failures_total",
		Help:      "Notifications that failed to send.",
	})

	DriversSweptOffline = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "drivers_swept_offline_total",
		Help:      "Drivers marked offline by the staleness sweep.",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests handled.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency distribution.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

var IngestMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "ingest_messages_total",
	Help:      "Location stream messages by outcome.",
}, []string{"result"})
