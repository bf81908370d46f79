// Package metrics holds the Prometheus collectors shared by the sync engine.
// Everything is registered on the default registry via promauto, so binaries
// only need to mount promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ---------------------------------------------------------------------------
// Poller
// ---------------------------------------------------------------------------

var (
	// PollTicks counts finished ticks by feed and outcome
	// (ok, error, stale, discarded).
	PollTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecowatch_poll_ticks_total",
		Help: "Poll ticks by feed and outcome.",
	}, []string{"feed", "outcome"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ecowatch_poll_fetch_duration_seconds",
		Help:    "Wall time of a single poll fetch, including normalization.",
		Buckets: prometheus.DefBuckets,
	}, []string{"feed"})

	// LastPublish is the unix-second timestamp of the last applied update.
	// 0 until the first successful tick.
	LastPublish = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ecowatch_last_publish_timestamp_seconds",
		Help: "Unix timestamp (seconds) of the last published state per feed. 0 if none yet.",
	}, []string{"feed"})
)

// ---------------------------------------------------------------------------
// Backend client
// ---------------------------------------------------------------------------

var (
	BackendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecowatch_backend_requests_total",
		Help: "Backend HTTP requests by endpoint and status (or \"transport\").",
	}, []string{"endpoint", "status"})

	BackendRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecowatch_backend_retries_total",
		Help: "Retry attempts against the backend, not counting the first attempt.",
	}, []string{"endpoint"})
)

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

var (
	SinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecowatch_sink_writes_total",
		Help: "Snapshot deliveries to downstream sinks by outcome.",
	}, []string{"sink", "outcome"})

	SinkQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ecowatch_sink_queue_depth",
		Help: "Snapshots waiting for a sink worker.",
	}, []string{"sink"})

	SinkDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecowatch_sink_dropped_total",
		Help: "Snapshots dropped because a sink queue was full.",
	}, []string{"sink"})
)

// ---------------------------------------------------------------------------
// Chat and sessions
// ---------------------------------------------------------------------------

var (
	ChatSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecowatch_chat_sends_total",
		Help: "Chat sends by outcome (ok, protocol_error, transport_error, rejected).",
	}, []string{"outcome"})

	CatalogConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ecowatch_session_catalog_conflicts_total",
		Help: "Session catalog writes retried because another writer changed it first.",
	})
)

// ---------------------------------------------------------------------------
// View server
// ---------------------------------------------------------------------------

var (
	ViewRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecowatch_view_requests_total",
		Help: "View HTTP requests by method, route, and status code.",
	}, []string{"method", "route", "status"})

	ViewRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ecowatch_view_request_duration_seconds",
		Help:    "View HTTP request latency in seconds by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
