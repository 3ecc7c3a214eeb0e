// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts HTTP requests by method, route and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPDuration observes HTTP request latency by method and route.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hermes_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// BusRequests counts command bus requests by routing key family,
	// intention and response status.
	BusRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_bus_requests_total",
			Help: "Total number of command bus requests",
		},
		[]string{"route", "intention", "status"},
	)

	// Uploads counts upload attempts by outcome.
	Uploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_uploads_total",
			Help: "Total number of upload attempts",
		},
		[]string{"outcome"},
	)

	// UploadedBytes counts bytes accepted by completed uploads.
	UploadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hermes_uploaded_bytes_total",
		Help: "Total number of bytes accepted by completed uploads",
	})
)
