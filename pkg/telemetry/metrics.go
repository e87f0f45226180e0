package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Gateway ─────────────────────────────────────────────────────────────────

	GatewaySessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "gateway",
		Name:      "sessions_created_total",
		Help:      "Total sessions created on payment confirmation.",
	})

	GatewayWSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tagent",
		Subsystem: "gateway",
		Name:      "ws_connections",
		Help:      "Currently open WebSocket subscriber connections.",
	})

	GatewayWSRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "gateway",
		Name:      "ws_rate_limited_total",
		Help:      "Total WebSocket messages rejected by the per-agent rate limiter.",
	})

	// ─── Queue ───────────────────────────────────────────────────────────────────

	QueueTasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "queue",
		Name:      "tasks_enqueued_total",
		Help:      "Total tasks enqueued, labelled by type and priority.",
	}, []string{"type", "priority"})

	QueueTasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "queue",
		Name:      "tasks_claimed_total",
		Help:      "Total exclusive task claims handed to workers.",
	})

	QueueTaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "queue",
		Name:      "task_retries_total",
		Help:      "Total failed attempts that were requeued with backoff.",
	}, []string{"type"})

	QueueTasksTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "queue",
		Name:      "tasks_terminal_total",
		Help:      "Total tasks reaching a terminal status.",
	}, []string{"type", "status"})

	// ─── Relay ───────────────────────────────────────────────────────────────────

	RelayEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "relay",
		Name:      "events_published_total",
		Help:      "Total events handed to the broadcast relay, labelled by event type.",
	}, []string{"event_type"})

	RelayEventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "relay",
		Name:      "events_delivered_total",
		Help:      "Total event copies written to local connections (after dedup).",
	})

	RelayBatchesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "relay",
		Name:      "batches_sent_total",
		Help:      "Total BATCH envelopes coalescing multiple events.",
	})

	RelayPeerEventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "relay",
		Name:      "peer_events_received_total",
		Help:      "Total events received from peer instances over the broker.",
	})

	RelayBrokerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "relay",
		Name:      "broker_errors_total",
		Help:      "Total broker publish failures (local delivery unaffected).",
	})

	RelayFramesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "relay",
		Name:      "frames_forwarded_total",
		Help:      "Total live frames forwarded to session viewers.",
	})

	RelayFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "relay",
		Name:      "frames_dropped_total",
		Help:      "Total live frames dropped because no viewer was registered.",
	})

	// ─── Session ─────────────────────────────────────────────────────────────────

	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "session",
		Name:      "expired_total",
		Help:      "Total sessions expired by the TTL monitor.",
	})

	SessionsRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "session",
		Name:      "revoked_total",
		Help:      "Total sessions explicitly revoked.",
	})

	// ─── Runner ──────────────────────────────────────────────────────────────────

	RunnerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "runner",
		Name:      "tasks_processed_total",
		Help:      "Total tasks executed by the runner, labelled by type and outcome.",
	}, []string{"type", "outcome"})

	RunnerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tagent",
		Subsystem: "runner",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	})

	RunnerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tagent",
		Subsystem: "runner",
		Name:      "task_duration_seconds",
		Help:      "End-to-end task execution time in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"type"})

	// ─── Janitor ─────────────────────────────────────────────────────────────────

	JanitorTasksReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagent",
		Subsystem: "janitor",
		Name:      "tasks_reclaimed_total",
		Help:      "Total PROCESSING tasks reclaimed after their lease expired.",
	})
)
