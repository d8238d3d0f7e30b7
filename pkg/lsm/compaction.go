package lsm

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/dd0wney/cluso-lsmfold/pkg/fold"
	"github.com/dd0wney/cluso-lsmfold/pkg/logging"
	"github.com/dd0wney/cluso-lsmfold/pkg/metrics"
)

// CompactionStrategy decides when a level needs compacting
type CompactionStrategy interface {
	// PickLevel returns the level to compact, or ok=false when no level
	// needs work
	PickLevel(levels [][]*SSTable) (level int, ok bool)
	Name() string
}

// LeveledCompactionStrategy compacts level 0 once it accumulates too
// many files, and deeper levels once they grow past SizeRatio times the
// level above them.
type LeveledCompactionStrategy struct {
	Level0FileLimit int
	SizeRatio       float64
	MaxLevels       int
}

// DefaultLeveledCompaction returns the default leveled strategy
func DefaultLeveledCompaction() *LeveledCompactionStrategy {
	return &LeveledCompactionStrategy{
		Level0FileLimit: 4,
		SizeRatio:       10.0,
		MaxLevels:       7,
	}
}

func (s *LeveledCompactionStrategy) Name() string { return "leveled" }

func (s *LeveledCompactionStrategy) PickLevel(levels [][]*SSTable) (int, bool) {
	if len(levels) == 0 {
		return 0, false
	}
	if len(levels[0]) >= s.Level0FileLimit {
		return 0, true
	}
	for level := 1; level < len(levels) && level < s.MaxLevels-1; level++ {
		if len(levels[level]) < 2 {
			continue
		}
		upper := levelEntryCount(levels[level-1])
		if upper == 0 {
			upper = 1
		}
		if float64(levelEntryCount(levels[level]))/float64(upper) >= s.SizeRatio {
			return level, true
		}
	}
	return 0, false
}

func levelEntryCount(tables []*SSTable) int {
	total := 0
	for _, t := range tables {
		total += t.Len()
	}
	return total
}

// Compactor merges SSTables through the fold coordinator and writes the
// result as a single table in the target level
type Compactor struct {
	dataDir  string
	strategy CompactionStrategy
	logger   logging.Logger
	metrics  *metrics.Registry

	nextID atomic.Int64 // last table id handed out
}

func newCompactor(dataDir string, strategy CompactionStrategy, logger logging.Logger, reg *metrics.Registry) *Compactor {
	return &Compactor{
		dataDir:  dataDir,
		strategy: strategy,
		logger:   logger.With(logging.Component("compaction")),
		metrics:  reg,
	}
}

// seedTableID moves the id counter past every table already on disk so
// new tables never collide with recovered ones
func (c *Compactor) seedTableID(levels [][]*SSTable) {
	var max int64
	for _, level := range levels {
		for _, sst := range level {
			if id := tableID(sst.Path()); id > max {
				max = id
			}
		}
	}
	c.nextID.Store(max)
}

func tableID(path string) int64 {
	m := sstNameRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0
	}
	id, _ := strconv.ParseInt(m[2], 10, 64)
	return id
}

// MergeLevel merges tables (ordered oldest to newest) into one new table
// at targetLevel. Returns nil when the merge produced no entries, which
// happens when everything was tombstoned away.
func (c *Compactor) MergeLevel(ctx context.Context, tables []*SSTable, targetLevel int, dropTombstones bool) (*SSTable, error) {
	entries, err := mergeTables(ctx, tables, dropTombstones, c.logger, c.metrics)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	path := SSTablePath(c.dataDir, targetLevel, c.nextID.Add(1))
	return BuildSSTable(path, entries)
}

// Merge payload layout: [deleted:1][timestamp:8][value]. Tombstones ride
// through the merge as ordinary values so they keep shadowing older
// levels; only a bottom-level merge sends them as real tombstones and
// lets the fold drop them.
func encodeMergePayload(e *Entry) []byte {
	buf := make([]byte, 9+len(e.Value))
	if e.Deleted {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[1:9], uint64(e.Timestamp))
	copy(buf[9:], e.Value)
	return buf
}

func decodeMergePayload(key, payload []byte) (*Entry, error) {
	if len(payload) < 9 {
		return nil, fmt.Errorf("lsm: merge payload too short: %d bytes", len(payload))
	}
	return &Entry{
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), payload[9:]...),
		Timestamp: int64(binary.LittleEndian.Uint64(payload[1:9])),
		Deleted:   payload[0] == 1,
	}, nil
}

// mergeConsumer collects merged entries back out of the payload encoding
type mergeConsumer struct {
	entries []*Entry
	err     error
}

func (mc *mergeConsumer) Result(key, value []byte) {
	if mc.err != nil {
		return
	}
	e, err := decodeMergePayload(key, value)
	if err != nil {
		mc.err = err
		return
	}
	mc.entries = append(mc.entries, e)
}

func (mc *mergeConsumer) Limit(key []byte) {}
func (mc *mergeConsumer) Done()            {}

// mergeTables merges tables into a single sorted entry set. tables must
// be ordered oldest to newest; newer tables win duplicate keys. With
// dropTombstones set, deleted entries and everything they shadow fall
// out of the result.
func mergeTables(ctx context.Context, tables []*SSTable, dropTombstones bool, logger logging.Logger, reg *metrics.Registry) ([]*Entry, error) {
	cons := &mergeConsumer{}
	coord := fold.NewCoordinator(ctx, cons, fold.Options{
		Logger:  logger,
		Metrics: reg,
	})

	type feed struct {
		src *fold.Source
		sst *SSTable
	}
	// Newest table gets the highest priority
	feeds := make([]feed, 0, len(tables))
	sources := make([]*fold.Source, 0, len(tables))
	for i := len(tables) - 1; i >= 0; i-- {
		src, err := coord.NewSource(fmt.Sprintf("compact-%d", i))
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, feed{src: src, sst: tables[i]})
		sources = append(sources, src)
	}
	if err := coord.Initialize(sources); err != nil {
		return nil, err
	}

	// Each source pins its input table: on an aborted merge the source
	// goroutines can outlive this call, and a later round may remove the
	// inputs while a straggler still reads them
	srcErrs := make(chan error, len(feeds))
	for _, f := range feeds {
		f.sst.Retain()
		next := sstableNext(f.sst, nil, nil)
		go func(f feed) {
			defer f.sst.Release()
			streamEntries(f.src, func() (*Entry, bool, error) {
				e, ok, err := next()
				if err != nil || !ok {
					return nil, ok, err
				}
				if dropTombstones && e.Deleted {
					return e, true, nil
				}
				return &Entry{Key: e.Key, Value: encodeMergePayload(e)}, true, nil
			}, 0, func(err error) {
				srcErrs <- err
				coord.Terminate()
			})
		}(f)
	}

	if err := coord.Wait(); err != nil {
		select {
		case srcErr := <-srcErrs:
			return nil, fmt.Errorf("lsm: compaction source failed: %w", srcErr)
		default:
		}
		return nil, err
	}
	select {
	case srcErr := <-srcErrs:
		return nil, fmt.Errorf("lsm: compaction source failed: %w", srcErr)
	default:
	}
	if cons.err != nil {
		return nil, cons.err
	}
	return cons.entries, nil
}
