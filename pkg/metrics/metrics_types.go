package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the engine
type Registry struct {
	// Fold Metrics
	FoldsStarted      prometheus.Counter
	FoldsCompleted    *prometheus.CounterVec
	FoldsAborted      prometheus.Counter
	FoldDuration      *prometheus.HistogramVec
	FoldResults       *prometheus.HistogramVec
	FoldStepsTotal    *prometheus.CounterVec
	FoldActiveSources prometheus.Gauge

	// Storage Metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	StorageFlushesTotal      prometheus.Counter
	StorageCompactionsTotal  prometheus.Counter
	StorageSSTablesTotal     prometheus.Gauge
	StorageMemTableBytes     prometheus.Gauge
	StorageDiskUsageBytes    prometheus.Gauge

	// WAL Metrics
	WALAppendsTotal          prometheus.Counter
	WALBytesUncompressed     prometheus.Counter
	WALBytesCompressed       prometheus.Counter

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initFoldMetrics()
	r.initStorageMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
