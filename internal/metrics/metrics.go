package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portal_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Gateway
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portal_ws_connections",
			Help: "Open websocket sessions",
		},
	)

	// Change feed
	FeedSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portal_feed_subscriptions",
			Help: "Live change-feed registrations",
		},
	)

	FeedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_feed_events_total",
			Help: "Change events delivered to handlers",
		},
		[]string{"table", "type"},
	)

	FeedEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_feed_events_dropped_total",
			Help: "Change events dropped because a subscriber fell behind",
		},
		[]string{"table"},
	)

	// Messaging
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_messages_sent_total",
			Help: "Messages sent",
		},
		[]string{"kind"}, // "channel" or "dm"
	)

	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_optimistic_reconciliations_total",
			Help: "Optimistic channel messages reconciled with the canonical row",
		},
		[]string{"result"}, // "confirmed" or "failed"
	)

	DirectoryFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_directory_fetches_total",
			Help: "User directory lookups that missed the session cache",
		},
		[]string{"source"},
	)

	// Presence and notifications
	PresenceEmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_presence_emissions_total",
			Help: "Presence status upserts",
		},
		[]string{"status", "result"},
	)

	AlertsShown = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_alerts_total",
			Help: "Notification alerts surfaced",
		},
		[]string{"type"},
	)
)
