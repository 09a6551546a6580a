package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LifecycleState is the orchestrator state as its numeric value.
	LifecycleState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolhost_lifecycle_state",
			Help: "Current lifecycle state (0=idle, 1=binding, 2=serving, 3=draining, 4=managers, 5=done, 6=bind_failed).",
		},
	)

	// DegradedComponents counts initializers that failed at startup.
	DegradedComponents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolhost_degraded_components",
			Help: "Number of optional components that failed to initialize.",
		},
	)

	// ShutdownTotal counts shutdown runs by overall outcome.
	ShutdownTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolhost_shutdown_total",
			Help: "Total number of shutdown runs.",
		},
		[]string{"outcome"},
	)

	// ShutdownDurationSeconds is a histogram of full shutdown durations.
	ShutdownDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "toolhost_shutdown_duration_seconds",
			Help:    "Duration of shutdown runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// ListenerDrainDurationSeconds is a histogram of listener drain durations.
	ListenerDrainDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "toolhost_listener_drain_duration_seconds",
			Help:    "Duration of listener drains in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	// ManagerShutdownTotal counts manager shutdowns by outcome.
	ManagerShutdownTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolhost_manager_shutdown_total",
			Help: "Total number of manager shutdowns.",
		},
		[]string{"manager", "status"},
	)

	// ManagerShutdownDurationSeconds is a histogram of per-manager shutdown durations.
	ManagerShutdownDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolhost_manager_shutdown_duration_seconds",
			Help:    "Duration of manager shutdowns in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"manager"},
	)

	// ToolCallsTotal counts tool invocations.
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolhost_tool_calls_total",
			Help: "Total number of tool calls.",
		},
		[]string{"tool", "status"},
	)

	// ToolCallDurationSeconds is a histogram of tool call durations.
	ToolCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolhost_tool_call_duration_seconds",
			Help:    "Duration of tool calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// ActiveSessions is the number of connected protocol sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolhost_active_sessions",
			Help: "Number of connected client sessions.",
		},
	)

	// HistoryRecordsTotal counts history records by result (written, dropped).
	HistoryRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolhost_history_records_total",
			Help: "Total number of tool history records handled by the writer.",
		},
		[]string{"result"},
	)

	// UsageFlushTotal counts usage snapshot flushes.
	UsageFlushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolhost_usage_flush_total",
			Help: "Total number of usage statistics flushes.",
		},
		[]string{"sink", "status"},
	)

	// HeapAllocBytes is the heap size seen by the last memory sample.
	HeapAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolhost_heap_alloc_bytes",
			Help: "Heap bytes allocated at the last memory sample.",
		},
	)
)
