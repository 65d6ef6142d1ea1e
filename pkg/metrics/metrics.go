package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Core metrics for the orchestration engine.
var (
	// Event store
	EventsAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_events_appended_total",
			Help: "Domain events appended to the log",
		},
		[]string{"stream_type", "event_type"},
	)

	VersionConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "careflow_version_conflicts_total",
			Help: "Append attempts that lost the stream-version race",
		},
	)

	// Projections
	ProjectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "careflow_projection_duration_seconds",
			Help:    "Time spent in the synchronous projection handler",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"stream_type"},
	)

	ProjectionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_projection_failures_total",
			Help: "Events whose projection handler recorded a processing error",
		},
		[]string{"stream_type", "reason"},
	)

	// Notify / relay
	NotifyPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_notify_published_total",
			Help: "Trigger notifications published on the workflow channel",
		},
		[]string{"channel", "status"},
	)

	RelayDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "careflow_relay_dropped_total",
			Help: "Committed events the kafka relay failed to forward",
		},
	)

	// Listener / backlog
	TriggersProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_triggers_processed_total",
			Help: "Trigger events handled, by origin (live or sweep) and outcome",
		},
		[]string{"origin", "outcome"},
	)

	ListenerReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "careflow_listener_reconnects_total",
			Help: "Times the trigger listener lost and re-established its subscription",
		},
	)

	BacklogSweepSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "careflow_backlog_sweep_size",
			Help: "Unprocessed trigger events found by the most recent sweep",
		},
	)

	// Database
	SlowQueriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "careflow_db_slow_queries_total",
			Help: "Statements exceeding the slow-query threshold",
		},
	)

	// Engine
	WorkflowsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_workflows_started_total",
			Help: "Workflow runs started by type",
		},
		[]string{"workflow_type"},
	)

	WorkflowsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_workflows_finished_total",
			Help: "Workflow runs reaching a terminal status",
		},
		[]string{"workflow_type", "status"},
	)

	ActivityAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_activity_attempts_total",
			Help: "Activity attempts by name and outcome",
		},
		[]string{"activity", "outcome"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "careflow_workflow_duration_seconds",
			Help:    "Wall-clock duration of finished workflow runs",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 1800, 3600},
		},
		[]string{"workflow_type"},
	)
)
