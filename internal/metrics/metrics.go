// Package metrics provides Prometheus metrics for pagekv
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the storage kernel.
type Metrics struct {
	// Paged heap
	HeapPageFaultsTotal   prometheus.Counter
	HeapPagesAllocated    prometheus.Gauge
	HeapObjectsStoredTotal prometheus.Counter
	HeapObjectsDeletedTotal prometheus.Counter

	// Page cache
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	CacheEvictionsTotal prometheus.Counter

	// B+ tree
	BTreeSplitsTotal prometheus.Counter
	BTreeMergesTotal prometheus.Counter
	BTreeHeight      prometheus.Gauge
	BTreeOpDuration  *prometheus.HistogramVec

	// WAL
	WALAppendsTotal   prometheus.Counter
	WALFsyncDuration  prometheus.Histogram
	WALCheckpointsTotal prometheus.Counter
	WALRecoveryRedoTotal prometheus.Counter
	WALRecoveryUndoTotal prometheus.Counter

	// Locking / MVCC
	LockWaitDuration   *prometheus.HistogramVec
	LockTimeoutsTotal  prometheus.Counter
	DeadlocksDetected  prometheus.Counter
	MVCCGCVersionsTotal prometheus.Counter

	ServerStartTime time.Time
	UptimeSeconds   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{ServerStartTime: time.Now()}

	m.HeapPageFaultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagekv_heap_page_faults_total",
		Help: "Total number of pages loaded from disk (cache misses resolved via I/O).",
	})
	m.HeapPagesAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pagekv_heap_pages_allocated",
		Help: "Current number of allocated heap pages across all collections.",
	})
	m.HeapObjectsStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagekv_heap_objects_stored_total",
		Help: "Total number of DBObjects appended to the heap.",
	})
	m.HeapObjectsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagekv_heap_objects_deleted_total",
		Help: "Total number of DBObjects soft-deleted.",
	})

	m.CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagekv_page_cache_hits_total",
		Help: "Total number of page cache hits.",
	})
	m.CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagekv_page_cache_misses_total",
		Help: "Total number of page cache misses.",
	})
	m.CacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagekv_page_cache_evictions_total",
		Help: "Total number of LRU evictions from the page cache.",
	})

	m.BTreeSplitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagekv_btree_splits_total",
		Help: "Total number of B+ tree node splits.",
	})
	m.BTreeMergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagekv_btree_merges_total",
		Help: "Total number of B+ tree node merges.",
	})
	m.BTreeHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pagekv_btree_height",
		Help: "Current height of the primary B+ tree index.",
	})
	m.BTreeOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pagekv_btree_operation_duration_seconds",
		Help:    "Duration of B+ tree operations (get/put/remove/range).",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	m.WALAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagekv_wal_appends_total",
		Help: "Total number of WAL records appended.",
	})
	m.WALFsyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagekv_wal_fsync_duration_seconds",
		Help:    "Duration of WAL group-commit fsyncs.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
	m.WALCheckpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagekv_wal_checkpoints_total",
		Help: "Total number of checkpoints written.",
	})
	m.WALRecoveryRedoTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagekv_wal_recovery_redo_total",
		Help: "Total number of Update records redone during the last recovery.",
	})
	m.WALRecoveryUndoTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagekv_wal_recovery_undo_total",
		Help: "Total number of Update records undone during the last recovery.",
	})

	m.LockWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pagekv_lock_wait_duration_seconds",
		Help:    "Duration callers waited to acquire a lock.",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})
	m.LockTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagekv_lock_timeouts_total",
		Help: "Total number of lock acquisitions that timed out.",
	})
	m.DeadlocksDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagekv_deadlocks_detected_total",
		Help: "Total number of deadlocks detected by the wait-for graph.",
	})
	m.MVCCGCVersionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagekv_mvcc_gc_versions_total",
		Help: "Total number of MVCC versions reclaimed by garbage_collect.",
	})

	m.UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pagekv_uptime_seconds",
		Help: "Process uptime in seconds.",
	})

	go m.updateUptime()

	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.UptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// ObserveBTreeOp records the duration of a single B+ tree operation.
func (m *Metrics) ObserveBTreeOp(op string, d time.Duration) {
	m.BTreeOpDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveLockWait records how long a caller waited for a lock in the given mode.
func (m *Metrics) ObserveLockWait(mode string, d time.Duration) {
	m.LockWaitDuration.WithLabelValues(mode).Observe(d.Seconds())
}
