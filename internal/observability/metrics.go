package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace defines the global prefix for all metrics (e.g., questline_...).
const namespace = "questline"

// lowLatencyBuckets gives sub-5ms resolution for the hot evaluation path;
// the standard buckets start too coarse for per-event work.
var lowLatencyBuckets = []float64{.0005, .001, .002, .005, .010, .015, .025, .050, .100, .500}

var (
	// -------------------------------------------------------------------------
	// EVENT BUS
	// -------------------------------------------------------------------------

	// BusEventsEmitted counts accepted events by type.
	BusEventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "events_emitted_total",
		Help:      "Total events accepted by the bus",
	}, []string{"type"})

	// BusEventsRejected counts malformed events rejected at the boundary.
	BusEventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "events_rejected_total",
		Help:      "Total malformed events rejected before dispatch",
	})

	// BusQueueDepth tracks the current depth of each shard queue.
	BusQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "shard_queue_depth",
		Help:      "Current number of events queued per shard",
	}, []string{"shard"})

	// BusDeliveryTimeouts counts subscriber deliveries cut off by the
	// delivery timeout.
	BusDeliveryTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "delivery_timeouts_total",
		Help:      "Total subscriber deliveries that exceeded the delivery timeout",
	}, []string{"subscriber"})

	// -------------------------------------------------------------------------
	// RULE ENGINE
	// -------------------------------------------------------------------------

	// EngineEvaluations measures per-mission evaluation latency.
	EngineEvaluations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "evaluation_seconds",
		Help:      "Time taken to evaluate one mission against one event",
		Buckets:   lowLatencyBuckets,
	})

	// EngineEventsApplied counts events that contributed to progress.
	EngineEventsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "events_applied_total",
		Help:      "Total (event, mission) applications that updated progress",
	})

	// EngineDedupHits counts idempotency rejections of re-delivered events.
	EngineDedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "dedup_hits_total",
		Help:      "Total events ignored because the (event, mission) pair was already applied",
	})

	// EngineCompletions counts mission completion signals by mission.
	EngineCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "completions_total",
		Help:      "Total mission completion signals emitted",
	}, []string{"mission_id"})

	// EngineEvaluationErrors counts per-mission evaluation failures.
	EngineEvaluationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "evaluation_errors_total",
		Help:      "Total evaluation errors caught per mission",
	}, []string{"mission_id"})

	// EngineDebounceSkips counts trigger firings suppressed by debounce.
	EngineDebounceSkips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "debounce_skips_total",
		Help:      "Total trigger firings suppressed by debounce",
	})

	// -------------------------------------------------------------------------
	// MISSION REGISTRY
	// -------------------------------------------------------------------------

	// RegistryMissions tracks the number of active missions loaded.
	RegistryMissions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "active_missions",
		Help:      "Number of active missions in the current snapshot",
	})

	// RegistryRefreshes counts refresh cycles by outcome.
	RegistryRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "refreshes_total",
		Help:      "Total registry refresh cycles",
	}, []string{"status", "source"}) // status: success|fail, source: redis|postgres

	// RegistryCompileHits counts compiled-rule cache hits vs recompiles.
	RegistryCompileHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "compile_cache_total",
		Help:      "Compiled-rule cache lookups by outcome",
	}, []string{"outcome"}) // hit, miss

	// -------------------------------------------------------------------------
	// SWEEPER
	// -------------------------------------------------------------------------

	// SweeperCycleDuration measures one maintenance sweep.
	SweeperCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sweeper",
		Name:      "cycle_seconds",
		Help:      "Duration of one sweep cycle",
		Buckets:   prometheus.DefBuckets,
	})

	// SweeperEventsPruned counts buffered events expired out of windows.
	SweeperEventsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweeper",
		Name:      "events_pruned_total",
		Help:      "Total buffered events removed by window expiry",
	})

	// -------------------------------------------------------------------------
	// CONTROL PLANE (HTTP)
	// -------------------------------------------------------------------------

	// ControlReqDuration measures the latency of HTTP requests.
	ControlReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "control",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests in the control plane",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// ControlReqTotal counts HTTP requests by status code.
	ControlReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "control",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests in the control plane",
	}, []string{"method", "path", "code"})

	// -------------------------------------------------------------------------
	// PUBLISHER
	// -------------------------------------------------------------------------

	// PublisherSignals counts completion signals by outcome.
	PublisherSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "publisher",
		Name:      "signals_total",
		Help:      "Total completion signals published downstream",
	}, []string{"status"}) // success, fail
)
