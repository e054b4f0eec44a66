// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the sync pipeline:
// - Webhook ingestion and parsing outcomes
// - Queue depth per status
// - Sync execution outcomes and latency
// - Peer API request latency
// - Circuit breaker state per peer

var (
	// Webhook Metrics
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellysync_webhooks_received_total",
			Help: "Total webhook deliveries received, by source server and outcome",
		},
		[]string{"server", "outcome"}, // "enqueued", "skipped", "rejected"
	)

	EventsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellysync_events_enqueued_total",
			Help: "Total sync events added to the queue",
		},
		[]string{"event_type", "target_server"},
	)

	EventsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellysync_events_suppressed_total",
			Help: "Events dropped before enqueue",
		},
		[]string{"reason"}, // "cooldown", "debounce", "duplicate", "disabled"
	)

	// Queue Metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jellysync_queue_depth",
			Help: "Current pending_events rows per status",
		},
		[]string{"status"},
	)

	// Sync Execution Metrics
	SyncOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellysync_sync_operations_total",
			Help: "Completed sync attempts by event type and outcome",
		},
		[]string{"event_type", "target_server", "outcome"}, // "success", "skipped", "failure", "waiting"
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jellysync_sync_duration_seconds",
			Help:    "Duration of a single sync execution in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type", "target_server"},
	)

	// Peer API Metrics
	PeerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jellysync_peer_request_duration_seconds",
			Help:    "Duration of Jellyfin peer API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "operation"},
	)

	PeerRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellysync_peer_request_errors_total",
			Help: "Total failed Jellyfin peer API requests",
		},
		[]string{"server", "operation"},
	)

	ItemCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellysync_item_cache_lookups_total",
			Help: "Item path cache lookups by result",
		},
		[]string{"server", "result"}, // "hit", "miss"
	)

	ItemCacheRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellysync_item_cache_refreshes_total",
			Help: "Full library cache refreshes per server",
		},
		[]string{"server"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jellysync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"server"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellysync_circuit_breaker_requests_total",
			Help: "Requests through the circuit breaker by result",
		},
		[]string{"server", "result"}, // "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellysync_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"server", "from", "to"},
	)

	// Database Metrics
	DatabaseSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jellysync_database_size_bytes",
			Help: "Size of the SQLite database including WAL and SHM files",
		},
	)
)
