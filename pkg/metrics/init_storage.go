package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initStorageMetrics() {
	r.StorageOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsmfold_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	r.StorageOperationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lsmfold_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	r.StorageFlushesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsmfold_storage_flushes_total",
			Help: "Total number of memtable flushes",
		},
	)

	r.StorageCompactionsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsmfold_storage_compactions_total",
			Help: "Total number of compactions",
		},
	)

	r.StorageSSTablesTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsmfold_storage_sstables_total",
			Help: "Number of live SSTables across all levels",
		},
	)

	r.StorageMemTableBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsmfold_storage_memtable_bytes",
			Help: "Approximate size of the active memtable in bytes",
		},
	)

	r.StorageDiskUsageBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsmfold_storage_disk_usage_bytes",
			Help: "Disk space used by storage in bytes",
		},
	)

	r.WALAppendsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsmfold_wal_appends_total",
			Help: "Total number of WAL appends",
		},
	)

	r.WALBytesUncompressed = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsmfold_wal_bytes_uncompressed_total",
			Help: "Bytes handed to the WAL before compression",
		},
	)

	r.WALBytesCompressed = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsmfold_wal_bytes_compressed_total",
			Help: "Bytes written to the WAL after snappy compression",
		},
	)
}
