package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Message mutations by operation (send, edit, delete, system).",
		},
		[]string{"op"},
	)

	ReactionsToggled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_reactions_toggled_total",
			Help: "Reaction toggles by direction.",
		},
		[]string{"direction"},
	)

	ReadWatermarkWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_read_watermark_writes_total",
			Help: "Mark-read calls that advanced a watermark.",
		},
	)

	NotificationsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_notifications_queued_total",
			Help: "Notifications handed to the delivery queue by reason.",
		},
		[]string{"reason"},
	)

	UploadFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_upload_failures_total",
			Help: "Attachment uploads that failed after all retries.",
		},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_events_dropped_total",
			Help: "Realtime events dropped for slow subscribers.",
		},
	)

	WebSocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_websocket_connections",
			Help: "Open chat websocket connections.",
		},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesTotal,
		ReactionsToggled,
		ReadWatermarkWrites,
		NotificationsQueued,
		UploadFailures,
		EventsDropped,
		WebSocketConnections,
		HTTPRequestDuration,
	)
}
