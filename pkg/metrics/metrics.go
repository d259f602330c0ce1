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

	// PushSessionsActive tracks connected push sessions.
	PushSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_sessions_active",
			Help: "Number of connected push sessions",
		},
	)

	// PushEventsTotal counts envelopes written to push sessions.
	PushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_events_total",
			Help: "Push events delivered to sessions",
		},
		[]string{"event"},
	)

	// PushSessionsDropped counts sessions closed because their send buffer was full.
	PushSessionsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_sessions_dropped_total",
			Help: "Push sessions dropped for being too slow",
		},
	)

	// BusEventsTotal counts internal events published on the event bus.
	BusEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_total",
			Help: "Internal events published",
		},
		[]string{"kind", "status"},
	)

	// MessagesTotal tracks mailbox writes.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total mailbox messages written",
		},
		[]string{"kind"},
	)

	// MessagesPurged counts messages hard-deleted after every participant discarded them.
	MessagesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_purged_total",
			Help: "Messages removed from storage",
		},
	)

	// NotificationsTotal counts notifications created, by type.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notifications created",
		},
		[]string{"type"},
	)

	// RetentionPruned counts read notifications removed by the retention job.
	RetentionPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "retention_pruned_total",
			Help: "Read notifications pruned by retention",
		},
	)

	// BusConnected is 1 while the NATS connection is up.
	BusConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_connected",
			Help: "1 while the NATS event bus connection is up",
		},
	)

	// BusReconnects counts NATS reconnects.
	BusReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_reconnects_total",
			Help: "Number of NATS reconnects",
		},
	)

	// AttachmentBytes tracks stored attachment sizes.
	AttachmentBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attachment_bytes",
			Help:    "Size of uploaded attachments",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordPublish records one event bus publish.
func RecordPublish(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	BusEventsTotal.WithLabelValues(kind, status).Inc()
}

// IncrementPushSessions increments the active push session count.
func IncrementPushSessions() {
	PushSessionsActive.Inc()
}

// DecrementPushSessions decrements the active push session count.
func DecrementPushSessions() {
	PushSessionsActive.Dec()
}
