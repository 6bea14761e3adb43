package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "adstore"

// Metrics holds all Prometheus metrics for the store. Every method is safe
// to call on a nil *Metrics, which records nothing.
type Metrics struct {
	// Store operation metrics
	OperationsTotal    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	TransactionsTotal  *prometheus.CounterVec
	TransactionEntries prometheus.Histogram

	// Log metrics
	LogAppendsTotal      prometheus.Counter
	LogAppendBytes       prometheus.Counter
	LogAppendDuration    prometheus.Histogram
	LogSyncsTotal        prometheus.Counter
	LogSyncDuration      prometheus.Histogram
	LogSizeBytes         prometheus.Gauge
	CheckpointsTotal     *prometheus.CounterVec
	CheckpointDuration   prometheus.Histogram
	ReplayedEntriesTotal prometheus.Counter
	SkippedEntriesTotal  *prometheus.CounterVec

	// Collection metrics
	RecordsTotal          prometheus.Gauge
	ViewsTotal            prometheus.Gauge
	IteratorsTotal        prometheus.Gauge
	EvaluationErrorsTotal prometheus.Counter

	// Change feed metrics
	ChangeFeedPublishesTotal *prometheus.CounterVec

	// System metrics
	QueuedTasks        prometheus.Gauge
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// registers with the default Prometheus registry.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "operations_total",
			Help:        "Total number of store operations by type and result",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "operation_duration_seconds",
			Help:        "Histogram of store operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
		TransactionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "transactions_total",
			Help:        "Total number of transactions by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		TransactionEntries: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "transaction_entries",
			Help:        "Histogram of entries per committed transaction",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
		}),

		LogAppendsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "appends_total",
			Help:        "Total number of log appends",
			ConstLabels: labels,
		}),
		LogAppendBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "append_bytes_total",
			Help:        "Total bytes appended to the log",
			ConstLabels: labels,
		}),
		LogAppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "append_duration_seconds",
			Help:        "Histogram of log append durations including sync",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		LogSyncsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "syncs_total",
			Help:        "Total number of log syncs",
			ConstLabels: labels,
		}),
		LogSyncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "sync_duration_seconds",
			Help:        "Histogram of log sync durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		LogSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "size_bytes",
			Help:        "Current log size in bytes",
			ConstLabels: labels,
		}),
		CheckpointsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "checkpoints_total",
			Help:        "Total number of checkpoints by result",
			ConstLabels: labels,
		}, []string{"result"}),
		CheckpointDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "checkpoint_duration_seconds",
			Help:        "Histogram of checkpoint durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ReplayedEntriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "replayed_entries_total",
			Help:        "Total number of log entries applied during replay",
			ConstLabels: labels,
		}),
		SkippedEntriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "log",
			Name:        "skipped_entries_total",
			Help:        "Total number of log entries skipped during replay by reason",
			ConstLabels: labels,
		}, []string{"reason"}),

		RecordsTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "collection",
			Name:        "records",
			Help:        "Current number of live records",
			ConstLabels: labels,
		}),
		ViewsTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "collection",
			Name:        "views",
			Help:        "Current number of collections including the root",
			ConstLabels: labels,
		}),
		IteratorsTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "collection",
			Name:        "iterators",
			Help:        "Current number of registered iterators",
			ConstLabels: labels,
		}),
		EvaluationErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "collection",
			Name:        "evaluation_errors_total",
			Help:        "Total number of expressions that failed to evaluate",
			ConstLabels: labels,
		}),

		ChangeFeedPublishesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "change_feed",
			Name:        "publishes_total",
			Help:        "Total number of change events published by result",
			ConstLabels: labels,
		}, []string{"result"}),

		QueuedTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "queued_tasks",
			Help:        "Current number of tasks waiting for the event loop",
			ConstLabels: labels,
		}),
		DiskUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_bytes",
			Help:        "Current disk usage in bytes",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available disk space in bytes",
			ConstLabels: labels,
		}),
		DiskUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current memory usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordOperation records a store operation
func (m *Metrics) RecordOperation(op string, duration float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OperationsTotal.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(duration)
}

// RecordTransaction records the outcome of a transaction
func (m *Metrics) RecordTransaction(outcome string, entries int) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(outcome).Inc()
	if entries > 0 {
		m.TransactionEntries.Observe(float64(entries))
	}
}

// RecordLogAppend records a log append
func (m *Metrics) RecordLogAppend(bytes int, duration float64) {
	if m == nil {
		return
	}
	m.LogAppendsTotal.Inc()
	m.LogAppendBytes.Add(float64(bytes))
	m.LogAppendDuration.Observe(duration)
}

// RecordLogSync records a log sync
func (m *Metrics) RecordLogSync(duration float64) {
	if m == nil {
		return
	}
	m.LogSyncsTotal.Inc()
	m.LogSyncDuration.Observe(duration)
}

// SetLogSize updates the log size gauge
func (m *Metrics) SetLogSize(bytes int64) {
	if m == nil {
		return
	}
	m.LogSizeBytes.Set(float64(bytes))
}

// RecordCheckpoint records a checkpoint attempt
func (m *Metrics) RecordCheckpoint(err error, duration float64) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CheckpointsTotal.WithLabelValues(result).Inc()
	m.CheckpointDuration.Observe(duration)
}

// RecordReplayed records entries applied during replay
func (m *Metrics) RecordReplayed(n int) {
	if m == nil {
		return
	}
	m.ReplayedEntriesTotal.Add(float64(n))
}

// RecordSkipped records an entry skipped during replay
func (m *Metrics) RecordSkipped(reason string) {
	if m == nil {
		return
	}
	m.SkippedEntriesTotal.WithLabelValues(reason).Inc()
}

// UpdateCollectionStats updates record, view and iterator gauges
func (m *Metrics) UpdateCollectionStats(records, views, iterators int) {
	if m == nil {
		return
	}
	m.RecordsTotal.Set(float64(records))
	m.ViewsTotal.Set(float64(views))
	m.IteratorsTotal.Set(float64(iterators))
}

// RecordEvaluationError records an expression that failed to evaluate
func (m *Metrics) RecordEvaluationError() {
	if m == nil {
		return
	}
	m.EvaluationErrorsTotal.Inc()
}

// RecordChangeFeedPublish records a change event publish
func (m *Metrics) RecordChangeFeedPublish(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ChangeFeedPublishesTotal.WithLabelValues(result).Inc()
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines, queuedTasks int) {
	if m == nil {
		return
	}
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	if diskUsage+diskAvailable > 0 {
		m.DiskUsagePercent.Set(float64(diskUsage) / float64(diskUsage+diskAvailable) * 100)
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
	m.QueuedTasks.Set(float64(queuedTasks))
}
