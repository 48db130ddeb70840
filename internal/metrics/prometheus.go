package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the access layer. Every method is
// safe to call on a nil receiver.
type Metrics struct {
	// Conglomerate metrics
	ConglomeratesCreatedTotal *prometheus.CounterVec
	ConglomeratesDroppedTotal prometheus.Counter
	ControllersOpen           prometheus.Gauge

	// Cache metrics
	CacheHitsTotal          prometheus.Counter
	CacheMissesTotal        prometheus.Counter
	CacheEvictionsTotal     prometheus.Counter
	CacheInvalidationsTotal prometheus.Counter
	CacheEntriesTotal       prometheus.Gauge
	CacheFaultInDuration    prometheus.Histogram

	// Transaction metrics
	TransactionsStartedTotal *prometheus.CounterVec
	CommitsTotal             prometheus.Counter
	AbortsTotal              prometheus.Counter
	NestedAbortCascadesTotal prometheus.Counter
	PostCommitTasksTotal     *prometheus.CounterVec

	// Lock metrics
	LockTimeoutsTotal prometheus.Counter
	DeadlocksTotal    prometheus.Counter

	// Admin metrics
	AdminOperationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		ConglomeratesCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "access",
			Name:        "conglomerates_created_total",
			Help:        "Total number of conglomerates created",
			ConstLabels: labels,
		}, []string{"implementation", "temporary"}),
		ConglomeratesDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "access",
			Name:        "conglomerates_dropped_total",
			Help:        "Total number of conglomerates dropped",
			ConstLabels: labels,
		}),
		ControllersOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "access",
			Name:        "controllers_open",
			Help:        "Number of open conglomerate, scan and sort controllers",
			ConstLabels: labels,
		}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Total number of conglomerate cache hits",
			ConstLabels: labels,
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Total number of conglomerate cache misses",
			ConstLabels: labels,
		}),
		CacheEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Total number of conglomerate cache evictions",
			ConstLabels: labels,
		}),
		CacheInvalidationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "invalidations_total",
			Help:        "Total number of full cache invalidations",
			ConstLabels: labels,
		}),
		CacheEntriesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "entries_total",
			Help:        "Number of conglomerate descriptors in the cache",
			ConstLabels: labels,
		}),
		CacheFaultInDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "fault_in_duration_seconds",
			Help:        "Time to read a conglomerate descriptor on a cache miss",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),

		TransactionsStartedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "transaction",
			Name:        "started_total",
			Help:        "Total number of transactions started by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		CommitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "transaction",
			Name:        "commits_total",
			Help:        "Total number of commits",
			ConstLabels: labels,
		}),
		AbortsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "transaction",
			Name:        "aborts_total",
			Help:        "Total number of aborts",
			ConstLabels: labels,
		}),
		NestedAbortCascadesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "transaction",
			Name:        "nested_abort_cascades_total",
			Help:        "Total number of parent aborts caused by a nested transaction abort",
			ConstLabels: labels,
		}),
		PostCommitTasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "transaction",
			Name:        "post_commit_tasks_total",
			Help:        "Total number of post-commit tasks by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),

		LockTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "lock",
			Name:        "timeouts_total",
			Help:        "Total number of lock wait timeouts",
			ConstLabels: labels,
		}),
		DeadlocksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "lock",
			Name:        "deadlocks_total",
			Help:        "Total number of deadlocks detected",
			ConstLabels: labels,
		}),

		AdminOperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "admin",
			Name:        "operations_total",
			Help:        "Total number of administrative operations by name and outcome",
			ConstLabels: labels,
		}, []string{"operation", "outcome"}),
	}
}

// RecordConglomerateCreated records a conglomerate creation
func (m *Metrics) RecordConglomerateCreated(impl string, temporary bool) {
	if m == nil {
		return
	}
	t := "false"
	if temporary {
		t = "true"
	}
	m.ConglomeratesCreatedTotal.WithLabelValues(impl, t).Inc()
}

// RecordConglomerateDropped records a conglomerate drop
func (m *Metrics) RecordConglomerateDropped() {
	if m == nil {
		return
	}
	m.ConglomeratesDroppedTotal.Inc()
}

// AddOpenControllers adjusts the open controller gauge
func (m *Metrics) AddOpenControllers(delta int) {
	if m == nil {
		return
	}
	m.ControllersOpen.Add(float64(delta))
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss and the fault-in time
func (m *Metrics) RecordCacheMiss(seconds float64) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
	m.CacheFaultInDuration.Observe(seconds)
}

// RecordCacheEviction records a cache eviction
func (m *Metrics) RecordCacheEviction() {
	if m == nil {
		return
	}
	m.CacheEvictionsTotal.Inc()
}

// RecordCacheInvalidation records a full invalidation
func (m *Metrics) RecordCacheInvalidation() {
	if m == nil {
		return
	}
	m.CacheInvalidationsTotal.Inc()
}

// UpdateCacheEntries updates the cache size gauge
func (m *Metrics) UpdateCacheEntries(entries int) {
	if m == nil {
		return
	}
	m.CacheEntriesTotal.Set(float64(entries))
}

// RecordTransactionStarted records a transaction start
func (m *Metrics) RecordTransactionStarted(kind string) {
	if m == nil {
		return
	}
	m.TransactionsStartedTotal.WithLabelValues(kind).Inc()
}

// RecordCommit records a commit
func (m *Metrics) RecordCommit() {
	if m == nil {
		return
	}
	m.CommitsTotal.Inc()
}

// RecordAbort records an abort, and whether it cascaded from a nested child
func (m *Metrics) RecordAbort(cascaded bool) {
	if m == nil {
		return
	}
	m.AbortsTotal.Inc()
	if cascaded {
		m.NestedAbortCascadesTotal.Inc()
	}
}

// RecordPostCommitTask records a post-commit task outcome
func (m *Metrics) RecordPostCommitTask(outcome string) {
	if m == nil {
		return
	}
	m.PostCommitTasksTotal.WithLabelValues(outcome).Inc()
}

// RecordLockTimeout records a lock wait timeout
func (m *Metrics) RecordLockTimeout() {
	if m == nil {
		return
	}
	m.LockTimeoutsTotal.Inc()
}

// RecordDeadlock records a detected deadlock
func (m *Metrics) RecordDeadlock() {
	if m == nil {
		return
	}
	m.DeadlocksTotal.Inc()
}

// RecordAdminOperation records an administrative operation
func (m *Metrics) RecordAdminOperation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.AdminOperationsTotal.WithLabelValues(op, outcome).Inc()
}
