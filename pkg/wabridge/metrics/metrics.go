// Package metrics exposes Prometheus instrumentation for the bridge:
// session lifecycle, inbound message handling, uploads and HTTP traffic.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wabridge_sessions_live",
			Help: "Current number of tenants with a live transport connection",
		},
	)

	SessionConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wabridge_session_connects_total",
			Help: "Total number of connection attempts",
		},
		[]string{"result"}, // "ok", "error"
	)

	SessionCloses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wabridge_session_closes_total",
			Help: "Total number of connection closes by kind",
		},
		[]string{"kind"}, // "transient", "terminal", "fault"
	)

	SessionHandshakeTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wabridge_session_handshake_timeouts_total",
			Help: "Total number of connections dropped for never completing the handshake",
		},
	)

	SessionPairingCodes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wabridge_session_pairing_codes_total",
			Help: "Total number of pairing codes relayed to tenants",
		},
	)

	SessionPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wabridge_session_panics_total",
			Help: "Total number of panics recovered while handling session events",
		},
	)

	// Pipeline metrics
	MessagesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wabridge_messages_handled_total",
			Help: "Total number of inbound messages by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	UploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wabridge_upload_bytes",
			Help:    "Size of accepted photos in bytes",
			Buckets: prometheus.ExponentialBuckets(16*1024, 4, 7), // 16KiB .. 64MiB
		},
	)

	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wabridge_media_download_duration_seconds",
			Help:    "Duration of media downloads from the transport",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wabridge_http_requests_total",
			Help: "Total number of control API requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wabridge_http_request_duration_seconds",
			Help:    "Duration of control API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Maintenance metrics
	MaintenanceRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wabridge_maintenance_removed_total",
			Help: "Total number of items removed by maintenance jobs",
		},
		[]string{"job"}, // "prune_uploads", "sweep_orphans"
	)
)

// RecordConnect records a connection attempt.
func RecordConnect(err error) {
	if err != nil {
		SessionConnects.WithLabelValues("error").Inc()
		return
	}
	SessionConnects.WithLabelValues("ok").Inc()
}

// RecordMessage records the outcome of one inbound message.
func RecordMessage(kind, outcome string) {
	MessagesHandled.WithLabelValues(kind, outcome).Inc()
}

// RecordHTTPRequest records one control API request.
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	HTTPRequests.WithLabelValues(method, route, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
