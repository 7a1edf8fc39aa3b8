package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Pool Set Metrics
// =============================================================================

var (
	// PoolsCreatedTotal counts backing pools created, by pool set and reason
	PoolsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hetpool_pools_created_total",
			Help: "Total number of backing pools created",
		},
		[]string{"pool_set", "reason"}, // reason: "initial", "grow"
	)

	// PoolCapacityBytes tracks the summed capacity of all live pools
	PoolCapacityBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hetpool_pool_capacity_bytes",
			Help: "Total capacity of all backing pools in a pool set",
		},
		[]string{"pool_set"},
	)

	// PoolHighWaterBytes tracks the summed high-water mark of all pools
	PoolHighWaterBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hetpool_pool_high_water_bytes",
			Help: "Sum of per-pool high-water marks in a pool set",
		},
		[]string{"pool_set"},
	)

	// PoolActiveAllocations tracks live sub-allocations
	PoolActiveAllocations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hetpool_pool_active_allocations",
			Help: "Current number of live sub-allocations in a pool set",
		},
		[]string{"pool_set"},
	)

	// PoolAllocationsTotal counts successful sub-allocations
	PoolAllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hetpool_pool_allocations_total",
			Help: "Total number of sub-allocations handed out",
		},
		[]string{"pool_set"},
	)

	// PoolFreesTotal counts free calls that reclaimed at least one record
	PoolFreesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hetpool_pool_frees_total",
			Help: "Total number of sub-allocation frees",
		},
		[]string{"pool_set"},
	)

	// PoolCascadedRecordsTotal counts records reclaimed implicitly by an out-of-order free
	PoolCascadedRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hetpool_pool_cascaded_records_total",
			Help: "Records reclaimed because an older allocation was freed first",
		},
		[]string{"pool_set"},
	)

	// FatalErrorsTotal counts unrecoverable allocator errors by type
	FatalErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hetpool_fatal_errors_total",
			Help: "Total number of fatal allocator errors",
		},
		[]string{"type"}, // capacity, invariant, backend, state
	)

	// ConfigWarningsTotal counts rejected overrides that fell back to defaults
	ConfigWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hetpool_config_warnings_total",
			Help: "Total number of invalid configuration overrides replaced by defaults",
		},
		[]string{"setting"},
	)
)

// =============================================================================
// Backend Metrics
// =============================================================================

var (
	// BackendAllocationsTotal counts calls into the underlying allocation primitive
	BackendAllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hetpool_backend_allocations_total",
			Help: "Total number of backend allocate calls",
		},
		[]string{"backend"},
	)

	// BackendBytesAllocatedTotal counts bytes requested from the backend
	BackendBytesAllocatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hetpool_backend_bytes_allocated_total",
			Help: "Total bytes obtained from the backend allocator",
		},
		[]string{"backend"},
	)

	// BackendBytesFreedTotal counts bytes returned to the backend
	BackendBytesFreedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hetpool_backend_bytes_freed_total",
			Help: "Total bytes returned to the backend allocator",
		},
		[]string{"backend"},
	)

	// BackendErrorsTotal counts failed backend calls
	BackendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hetpool_backend_errors_total",
			Help: "Total number of failed backend calls",
		},
		[]string{"backend", "op"}, // op: "allocate", "deallocate", "zero_fill"
	)
)

// =============================================================================
// Logging Metrics
// =============================================================================

var (
	// LogEntriesTotal counts log entries by level
	LogEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hetpool_log_entries_total",
			Help: "Total number of log entries by level",
		},
		[]string{"level"},
	)
)

// =============================================================================
// GC Tuner Metrics
// =============================================================================

var (
	// GCTunerHeapUtilization is heap in use over the configured memory limit
	GCTunerHeapUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hetpool_gc_tuner_heap_utilization",
			Help: "Ratio of heap in use to the soft memory limit",
		},
	)

	// GCTunerPoolRatio is the share of the heap held by host pool buffers
	GCTunerPoolRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hetpool_gc_tuner_pool_ratio",
			Help: "Ratio of resident host pool bytes to heap in use",
		},
	)

	// GCTunerTargetGOGC is the GOGC value last applied by the tuner
	GCTunerTargetGOGC = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hetpool_gc_tuner_target_gogc",
			Help: "GOGC value currently applied by the GC tuner",
		},
	)
)

// =============================================================================
// Workload Driver Metrics
// =============================================================================

var (
	// BenchOperationDuration tracks per-operation latency in poolbench
	BenchOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hetpool_bench_operation_duration_seconds",
			Help:    "Latency of allocator operations driven by poolbench",
			Buckets: []float64{1e-7, 5e-7, 1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 1e-3, 1e-2},
		},
		[]string{"workload", "op"},
	)

	// BenchVerifyFailuresTotal counts checksum mismatches found by poolbench -verify
	BenchVerifyFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hetpool_bench_verify_failures_total",
			Help: "Total number of allocations whose contents changed before free",
		},
		[]string{"workload"},
	)
)
