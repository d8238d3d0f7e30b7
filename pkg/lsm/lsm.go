package lsm

import (
	"errors"
	"fmt"
	"os"

	"github.com/dd0wney/cluso-lsmfold/pkg/logging"
	"github.com/dd0wney/cluso-lsmfold/pkg/wal"
)

var (
	// ErrClosed is returned by operations on a closed engine
	ErrClosed = errors.New("lsm: engine closed")
	// ErrKeyNotFound is returned by Get when the key does not exist or
	// was deleted
	ErrKeyNotFound = errors.New("lsm: key not found")
)

// Open opens or creates an LSM engine in opts.DataDir. Existing SSTables
// are loaded, then the write-ahead log is replayed into a fresh memtable
// so writes that never reached a flush survive the restart.
func Open(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, errors.New("lsm: data directory required")
	}
	if opts.MemTableSize <= 0 {
		opts.MemTableSize = DefaultOptions(opts.DataDir).MemTableSize
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultOptions(opts.DataDir).CacheSize
	}
	if opts.CompactionStrategy == nil {
		opts.CompactionStrategy = DefaultLeveledCompaction()
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	levels, err := ListSSTables(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load sstables: %w", err)
	}

	w, err := wal.Open(opts.DataDir, opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal: %w", err)
	}

	e := &Engine{
		memTable:           NewMemTable(opts.MemTableSize),
		wal:                w,
		levels:             levels,
		cache:              NewKeyCache(opts.CacheSize),
		dataDir:            opts.DataDir,
		memTableSize:       opts.MemTableSize,
		compactionStrategy: opts.CompactionStrategy,
		logger:             opts.Logger.With(logging.Component("lsm")),
		metrics:            opts.Metrics,
		flushChan:          make(chan struct{}, 1),
		compactionChan:     make(chan struct{}, 1),
		stopChan:           make(chan struct{}),
	}
	e.compactor = newCompactor(opts.DataDir, opts.CompactionStrategy, opts.Logger, opts.Metrics)
	e.compactor.seedTableID(levels)

	// Recover unflushed writes
	replayed := 0
	err = w.Replay(func(rec *wal.Record) error {
		replayed++
		if rec.OpType == wal.OpDelete {
			return e.memTable.Delete(rec.Key)
		}
		return e.memTable.Put(rec.Key, rec.Value)
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to replay wal: %w", err)
	}
	if replayed > 0 {
		e.logger.Info("recovered writes from wal", logging.Count(replayed))
	}

	e.startWorkers(opts.EnableAutoCompaction)

	e.logger.Info("engine opened",
		logging.Path(opts.DataDir),
		logging.Int("levels", len(levels)),
		logging.Int("memtable_max_bytes", opts.MemTableSize))
	return e, nil
}

// Put writes a key-value pair. The write is durable once Put returns:
// it is appended to the WAL before the memtable sees it.
func (e *Engine) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if len(key) == 0 {
		return errors.New("lsm: empty key")
	}

	if _, err := e.wal.Append(wal.OpPut, key, value); err != nil {
		return fmt.Errorf("failed to append to wal: %w", err)
	}
	if err := e.memTable.Put(key, value); err != nil {
		return err
	}

	e.cache.Put(string(key), append([]byte(nil), value...))
	e.stats.WriteCount.Add(1)
	e.stats.BytesWritten.Add(int64(len(key) + len(value)))

	if e.memTable.IsFull() {
		e.triggerFlush()
	}
	return nil
}

// Delete writes a tombstone for key. Older values in deeper levels stay
// masked until compaction drops them at the bottom level.
func (e *Engine) Delete(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if len(key) == 0 {
		return errors.New("lsm: empty key")
	}

	if _, err := e.wal.Append(wal.OpDelete, key, nil); err != nil {
		return fmt.Errorf("failed to append to wal: %w", err)
	}
	if err := e.memTable.Delete(key); err != nil {
		return err
	}

	e.cache.Delete(string(key))
	e.stats.WriteCount.Add(1)

	if e.memTable.IsFull() {
		e.triggerFlush()
	}
	return nil
}

// Get reads the newest value for key. Lookup walks the write path
// newest to oldest and stops at the first hit; a tombstone at any level
// is a definitive not-found.
func (e *Engine) Get(key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, ErrClosed
	}
	e.stats.ReadCount.Add(1)

	if v, ok := e.cache.Get(string(key)); ok {
		return v, nil
	}

	if entry, ok := e.memTable.Lookup(key); ok {
		return e.resolveEntry(entry)
	}
	if e.immutableTable != nil {
		if entry, ok := e.immutableTable.Lookup(key); ok {
			return e.resolveEntry(entry)
		}
	}

	// Newest file first within each level
	for _, level := range e.levels {
		for i := len(level) - 1; i >= 0; i-- {
			if entry, ok := level[i].Get(key); ok {
				return e.resolveEntry(entry)
			}
		}
	}
	return nil, ErrKeyNotFound
}

func (e *Engine) resolveEntry(entry *Entry) ([]byte, error) {
	if entry.Deleted {
		return nil, ErrKeyNotFound
	}
	e.cache.Put(string(entry.Key), entry.Value)
	return entry.Value, nil
}

// Flush forces the active memtable to disk and blocks until it lands
func (e *Engine) Flush() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.memTable.Len() == 0 && e.immutableTable == nil {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.flushMemTable()
}

// Compact runs one compaction round if any level needs it
func (e *Engine) Compact() error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	e.mu.RUnlock()
	return e.compactOnce()
}

// Close flushes the memtable, stops the background workers and releases
// every on-disk resource. The engine cannot be reused after Close.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stopChan)
	e.wg.Wait()

	// Final flush runs after the workers stop so nothing races it
	if err := e.flushMemTable(); err != nil {
		e.logger.Error("final flush failed", logging.Error(err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	if err := e.wal.Close(); err != nil {
		firstErr = err
	}
	for _, level := range e.levels {
		for _, sst := range level {
			if err := sst.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	e.logger.Info("engine closed")
	return firstErr
}

// Stats returns a snapshot of the engine counters
func (e *Engine) Stats() StatsSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := StatsSnapshot{
		WriteCount:      e.stats.WriteCount.Load(),
		ReadCount:       e.stats.ReadCount.Load(),
		FoldCount:       e.stats.FoldCount.Load(),
		FlushCount:      e.stats.FlushCount.Load(),
		CompactionCount: e.stats.CompactionCount.Load(),
		BytesWritten:    e.stats.BytesWritten.Load(),
		MemTableSize:    e.memTable.Size(),
	}
	for i, level := range e.levels {
		snap.SSTableCount += len(level)
		if i == 0 {
			snap.Level0FileCount = len(level)
		}
	}
	return snap
}
