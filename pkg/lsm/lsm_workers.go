package lsm

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-lsmfold/pkg/logging"
)

const (
	flushCheckInterval      = 1 * time.Second
	compactionCheckInterval = 5 * time.Second
)

func (e *Engine) startWorkers(autoCompact bool) {
	e.wg.Add(1)
	go e.flushWorker()

	if autoCompact {
		e.wg.Add(1)
		go e.compactionWorker()
	}
}

// triggerFlush nudges the flush worker without blocking the write path
func (e *Engine) triggerFlush() {
	select {
	case e.flushChan <- struct{}{}:
	default:
	}
}

func (e *Engine) triggerCompaction() {
	select {
	case e.compactionChan <- struct{}{}:
	default:
	}
}

func (e *Engine) flushWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(flushCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-e.flushChan:
		case <-ticker.C:
			e.mu.RLock()
			full := e.memTable.IsFull()
			e.mu.RUnlock()
			if !full {
				continue
			}
		}

		if err := e.flushMemTable(); err != nil {
			e.logger.Error("memtable flush failed", logging.Error(err))
		}
	}
}

func (e *Engine) compactionWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(compactionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-e.compactionChan:
		case <-ticker.C:
		}

		if err := e.compactOnce(); err != nil {
			e.logger.Error("compaction failed", logging.Error(err))
		}
	}
}

// flushMemTable swaps the active memtable out and writes it as a level 0
// SSTable. Readers keep seeing the swapped table through immutableTable
// until the file is installed.
func (e *Engine) flushMemTable() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	if e.immutableTable == nil {
		if e.memTable.Len() == 0 {
			e.mu.Unlock()
			return nil
		}
		e.immutableTable = e.memTable
		e.memTable = NewMemTable(e.memTableSize)
	}
	imm := e.immutableTable
	e.mu.Unlock()

	start := time.Now()
	entries := imm.All()

	path := SSTablePath(e.dataDir, 0, e.compactor.nextID.Add(1))
	sst, err := BuildSSTable(path, entries)
	if err != nil {
		return fmt.Errorf("failed to build sstable: %w", err)
	}

	e.mu.Lock()
	if len(e.levels) == 0 {
		e.levels = append(e.levels, nil)
	}
	e.levels[0] = append(e.levels[0], sst)
	e.immutableTable = nil
	memEmpty := e.memTable.Len() == 0
	e.mu.Unlock()

	e.stats.FlushCount.Add(1)
	if e.metrics != nil {
		e.metrics.RecordFlush()
	}

	// The WAL only resets when nothing unflushed remains; replaying
	// already-flushed records on recovery is harmless
	if memEmpty {
		if err := e.wal.Truncate(); err != nil {
			e.logger.Warn("wal truncate failed", logging.Error(err))
		}
	}

	e.logger.Info("memtable flushed",
		logging.Path(path),
		logging.Count(len(entries)),
		logging.Latency(time.Since(start)))

	e.triggerCompaction()
	return nil
}

// compactOnce merges one level into the next when the strategy calls for
// it. Input files are an oldest-first prefix of each level, so files
// appended while the merge runs survive the commit.
func (e *Engine) compactOnce() error {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	e.mu.RLock()
	levels := make([][]*SSTable, len(e.levels))
	for i := range e.levels {
		levels[i] = append([]*SSTable(nil), e.levels[i]...)
	}
	e.mu.RUnlock()

	level, ok := e.compactionStrategy.PickLevel(levels)
	if !ok {
		return nil
	}
	target := level + 1

	// Oldest data first: the target level's files, then the source
	// level's files in age order
	var inputs []*SSTable
	var targetConsumed int
	if target < len(levels) {
		inputs = append(inputs, levels[target]...)
		targetConsumed = len(levels[target])
	}
	inputs = append(inputs, levels[level]...)
	sourceConsumed := len(levels[level])

	// Tombstones drop out only when no deeper level can still hold the
	// keys they mask
	drop := true
	for l := target + 1; l < len(levels); l++ {
		if len(levels[l]) > 0 {
			drop = false
			break
		}
	}

	start := time.Now()
	merged, err := e.compactor.MergeLevel(context.Background(), inputs, target, drop)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for len(e.levels) <= target {
		e.levels = append(e.levels, nil)
	}
	e.levels[level] = append([]*SSTable(nil), e.levels[level][sourceConsumed:]...)
	remainder := e.levels[target][targetConsumed:]
	if merged != nil {
		e.levels[target] = append([]*SSTable{merged}, remainder...)
	} else {
		e.levels[target] = append([]*SSTable(nil), remainder...)
	}
	e.mu.Unlock()

	for _, sst := range inputs {
		if err := sst.Remove(); err != nil {
			e.logger.Warn("failed to remove compacted sstable",
				logging.Path(sst.Path()), logging.Error(err))
		}
	}

	e.stats.CompactionCount.Add(1)
	if e.metrics != nil {
		e.metrics.RecordCompaction()
	}
	e.logger.Info("level compacted",
		logging.Int("level", level),
		logging.Int("inputs", len(inputs)),
		logging.Bool("dropped_tombstones", drop),
		logging.Latency(time.Since(start)))
	return nil
}
