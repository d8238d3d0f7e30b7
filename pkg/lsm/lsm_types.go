package lsm

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-lsmfold/pkg/logging"
	"github.com/dd0wney/cluso-lsmfold/pkg/metrics"
	"github.com/dd0wney/cluso-lsmfold/pkg/wal"
)

// Entry represents a key-value pair with metadata
type Entry struct {
	Key       []byte
	Value     []byte
	Timestamp int64
	Deleted   bool // Tombstone for deletions
}

// EntryCompare orders entries by key
func EntryCompare(a, b *Entry) int {
	return bytes.Compare(a.Key, b.Key)
}

// Engine is the LSM-tree storage engine. Reads and range folds see the
// memtable first, then SSTable levels newest to oldest; the fold
// coordinator resolves duplicate keys and tombstones across them.
type Engine struct {
	mu sync.RWMutex

	// Write path
	memTable       *MemTable
	immutableTable *MemTable // Being flushed to disk
	wal            *wal.WAL

	// Read path
	levels [][]*SSTable
	cache  *KeyCache // LRU cache for hot keys

	// Configuration
	dataDir            string
	memTableSize       int
	compactionStrategy CompactionStrategy
	compactor          *Compactor

	logger  logging.Logger
	metrics *metrics.Registry

	// Background workers
	flushMu        sync.Mutex // serializes flush rounds
	compactMu      sync.Mutex // serializes compaction rounds
	flushChan      chan struct{}
	compactionChan chan struct{}
	stopChan       chan struct{}
	wg             sync.WaitGroup

	// State
	closed bool

	// Statistics
	stats EngineStats
}

// EngineStats tracks engine statistics using lock-free atomic counters
// for the high-frequency paths
type EngineStats struct {
	WriteCount      atomic.Int64
	ReadCount       atomic.Int64
	FoldCount       atomic.Int64
	FlushCount      atomic.Int64
	CompactionCount atomic.Int64
	BytesWritten    atomic.Int64
}

// Options configures the engine
type Options struct {
	DataDir              string
	MemTableSize         int // Bytes (default 4MB)
	CacheSize            int // Keys (default 64k)
	CompactionStrategy   CompactionStrategy
	EnableAutoCompaction bool

	Logger  logging.Logger
	Metrics *metrics.Registry
}

// DefaultOptions returns the default engine configuration
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:              dataDir,
		MemTableSize:         4 * 1024 * 1024, // 4MB
		CacheSize:            64 * 1024,
		CompactionStrategy:   DefaultLeveledCompaction(),
		EnableAutoCompaction: true,
		Logger:               logging.DefaultLogger(),
	}
}

// StatsSnapshot is a point-in-time snapshot of engine statistics
type StatsSnapshot struct {
	WriteCount      int64
	ReadCount       int64
	FoldCount       int64
	FlushCount      int64
	CompactionCount int64
	BytesWritten    int64
	MemTableSize    int
	SSTableCount    int
	Level0FileCount int
}
