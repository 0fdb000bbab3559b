package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Storage Metrics
var (
	// StorageOpsTotal tracks storage operations by tier, operation and status
	StorageOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total storage operations by tier, operation and status",
		},
		[]string{"tier", "operation", "status"},
	)

	// StorageTierFallbacks tracks writes/reads that fell through to a lower tier
	StorageTierFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_tier_fallbacks_total",
			Help: "Total operations that fell through to a lower storage tier",
		},
		[]string{"from", "to"},
	)

	// StorageQuotaPurges tracks quota-triggered purges of non-essential keys
	StorageQuotaPurges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_quota_purges_total",
			Help: "Total quota-error purges of non-essential keys",
		},
	)

	// MemoryTierEntries tracks current in-memory tier entry count
	MemoryTierEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "storage_memory_tier_entries",
			Help: "Current number of entries in the in-memory storage tier",
		},
	)

	// MemoryTierEvictions tracks in-memory tier evictions by reason
	MemoryTierEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_memory_tier_evictions_total",
			Help: "In-memory tier evictions by reason (expired/capacity)",
		},
		[]string{"reason"},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Connectivity Metrics
var (
	// BackendProbesTotal tracks backend reachability probes by result
	BackendProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_probes_total",
			Help: "Total backend reachability probes by result (success/failure/timeout)",
		},
		[]string{"result"},
	)

	// BackendProbeLatency tracks measured backend probe latency
	BackendProbeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backend_probe_latency_seconds",
			Help:    "Backend probe round-trip latency in seconds",
			Buckets: []float64{.01, .05, .1, .2, .35, .5, 1, 2, 5},
		},
	)

	// ConnectionQuality tracks current connection quality (0=offline, 1=poor, 2=good, 3=excellent)
	ConnectionQuality = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connection_quality",
			Help: "Current connection quality (0=offline, 1=poor, 2=good, 3=excellent)",
		},
	)

	// ReconnectAttempts tracks reconnection attempts by result
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconnect_attempts_total",
			Help: "Total reconnection attempts by result (success/failure/exhausted)",
		},
		[]string{"result"},
	)
)

// Recovery Metrics
var (
	// RetryAttemptsTotal tracks retry attempts by operation class
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total retry attempts by operation class",
		},
		[]string{"operation_class"},
	)

	// RecoveryOutcomes tracks recovery pipeline outcomes by operation class and method
	RecoveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_outcomes_total",
			Help: "Recovery outcomes by operation class and method (primary/retry/fallback/offline/degraded/failed)",
		},
		[]string{"operation_class", "method"},
	)

	// OperationsAborted tracks cooperatively cancelled operations
	OperationsAborted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "operations_aborted_total",
			Help: "Total operations aborted via their cancellation handle",
		},
	)
)

// Auth Lifecycle Metrics
var (
	// AuthStateTransitions tracks controller state transitions
	AuthStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_state_transitions_total",
			Help: "Auth controller state transitions by target state",
		},
		[]string{"state"},
	)

	// AuthRefreshDuration tracks refresh duration
	AuthRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auth_refresh_duration_seconds",
			Help:    "Duration of auth refresh operations in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// SessionCacheHits tracks session cache reads by result
	SessionCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_cache_reads_total",
			Help: "Session cache reads by result (hit/miss/expired)",
		},
		[]string{"result"},
	)

	// SessionCleanups tracks forced session cleanups
	SessionCleanups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_cleanups_total",
			Help: "Total forced session cleanups",
		},
	)

	// SessionValidationFailures tracks validation rejections by reason
	SessionValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_validation_failures_total",
			Help: "Session validation rejections by reason (no_tokens/expired/stale/malformed)",
		},
		[]string{"reason"},
	)

	// RoleVerifications tracks role verifications by source
	RoleVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "role_verifications_total",
			Help: "Role verifications by source (directory/heuristic)",
		},
		[]string{"source"},
	)
)

// Event Stream Metrics
var (
	// EventStreamClients tracks current WebSocket event stream clients
	EventStreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "event_stream_clients",
			Help: "Current number of connected event stream clients",
		},
	)

	// EventsEmitted tracks lifecycle events emitted by kind
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_events_emitted_total",
			Help: "Lifecycle events emitted by kind (role_change/session_cleanup/network_change)",
		},
		[]string{"kind"},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)
