package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transaction metrics
	CommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sophia_commits_total",
			Help: "Total number of committed transactions",
		},
	)

	RollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sophia_rollbacks_total",
			Help: "Total number of rolled back transactions",
		},
	)

	ConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sophia_conflicts_total",
			Help: "Total number of transactions rolled back at commit due to write conflicts",
		},
	)

	TransactionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sophia_transactions_active",
			Help: "Number of currently active transactions",
		},
	)

	// WAL metrics
	WALAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sophia_wal_appends_total",
			Help: "Total number of records appended to the write-ahead log",
		},
	)

	WALRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sophia_wal_rotations_total",
			Help: "Total number of WAL file rotations",
		},
	)

	WALFilesGCTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sophia_wal_files_gc_total",
			Help: "Total number of WAL files unlinked by garbage collection",
		},
	)

	WALFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sophia_wal_files",
			Help: "Number of live WAL files",
		},
	)

	// Compaction metrics
	CompactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sophia_compactions_total",
			Help: "Total number of completed planner tasks by kind",
		},
		[]string{"kind"},
	)

	CompactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sophia_compaction_duration_seconds",
			Help:    "Duration of planner tasks in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	NodeSplitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sophia_node_splits_total",
			Help: "Total number of compactions that split a node",
		},
	)

	// Store metrics
	NodesLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sophia_nodes_live",
			Help: "Number of live on-disk nodes by store",
		},
		[]string{"store"},
	)

	MemoryUsedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sophia_memory_used_bytes",
			Help: "Bytes of pending in-memory writes by store",
		},
		[]string{"store"},
	)
)

// Register registers all metrics with Prometheus
func Register() error {
	collectors := []prometheus.Collector{
		CommitsTotal,
		RollbacksTotal,
		ConflictsTotal,
		TransactionsActive,
		WALAppendsTotal,
		WALRotationsTotal,
		WALFilesGCTotal,
		WALFiles,
		CompactionsTotal,
		CompactionDuration,
		NodeSplitsTotal,
		NodesLive,
		MemoryUsedBytes,
	}

	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration since the timer was created
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}
