package metrics

import (
	"time"
)

// RecordFoldStart records the start of a fold with n participating sources
func (r *Registry) RecordFoldStart(sources int) {
	r.FoldsStarted.Inc()
	r.FoldActiveSources.Add(float64(sources))
}

// RecordFoldStep records one merge-selection step by outcome
func (r *Registry) RecordFoldStep(outcome string) {
	r.FoldStepsTotal.WithLabelValues(outcome).Inc()
}

// RecordFoldCompletion records a fold that reached a terminal notification
func (r *Registry) RecordFoldCompletion(reason string, duration time.Duration, results int64) {
	r.FoldsCompleted.WithLabelValues(reason).Inc()
	r.FoldDuration.WithLabelValues(reason).Observe(duration.Seconds())
	r.FoldResults.WithLabelValues(reason).Observe(float64(results))
}

// RecordFoldAbort records a fold that ended without a terminal notification
func (r *Registry) RecordFoldAbort() {
	r.FoldsAborted.Inc()
}

// RecordSourceRetired decrements the active source gauge
func (r *Registry) RecordSourceRetired() {
	r.FoldActiveSources.Dec()
}

// RecordFoldEnd releases the gauge share of sources still active when a
// fold exits (limit short-circuit or abort)
func (r *Registry) RecordFoldEnd(remainingSources int) {
	r.FoldActiveSources.Sub(float64(remainingSources))
}

// RecordStorageOperation records a storage operation
func (r *Registry) RecordStorageOperation(operation, status string, duration time.Duration) {
	r.StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	r.StorageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordFlush records one memtable flush
func (r *Registry) RecordFlush() {
	r.StorageFlushesTotal.Inc()
}

// RecordCompaction records one compaction
func (r *Registry) RecordCompaction() {
	r.StorageCompactionsTotal.Inc()
}

// UpdateStorageSizes updates the storage size gauges
func (r *Registry) UpdateStorageSizes(sstables int, memtableBytes, diskBytes int64) {
	r.StorageSSTablesTotal.Set(float64(sstables))
	r.StorageMemTableBytes.Set(float64(memtableBytes))
	r.StorageDiskUsageBytes.Set(float64(diskBytes))
}

// RecordWALAppend records one WAL append with its compression outcome
func (r *Registry) RecordWALAppend(uncompressed, compressed int) {
	r.WALAppendsTotal.Inc()
	r.WALBytesUncompressed.Add(float64(uncompressed))
	r.WALBytesCompressed.Add(float64(compressed))
}
