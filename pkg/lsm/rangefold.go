package lsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-lsmfold/pkg/fold"
	"github.com/dd0wney/cluso-lsmfold/pkg/logging"
)

// ErrFoldStopped is returned when the consumer callback ended the fold
// early by returning an error; the callback's error is wrapped.
var ErrFoldStopped = errors.New("lsm: fold stopped by consumer")

// FoldOptions bounds a range fold
type FoldOptions struct {
	// Start and End bound the folded key range [Start, End); nil means
	// unbounded on that side
	Start []byte
	End   []byte

	// MaxPerSource caps how many items any single level contributes.
	// When a level hits the cap it raises a limit marker, ending the
	// whole fold at that boundary. 0 means unlimited.
	MaxPerSource int
}

// FoldResult summarizes a completed range fold
type FoldResult struct {
	Results  int64
	Limited  bool   // the fold ended at a limit boundary
	LimitKey []byte // boundary key when Limited
}

// callbackConsumer adapts a callback function to the fold consumer
// protocol. A callback error terminates the fold.
type callbackConsumer struct {
	fn        func(key, value []byte) error
	terminate func()

	result FoldResult
	err    error
}

func (cc *callbackConsumer) Result(key, value []byte) {
	if cc.err != nil {
		return // already stopping, drop the tail
	}
	if err := cc.fn(key, value); err != nil {
		cc.err = err
		cc.terminate()
		return
	}
	cc.result.Results++
}

func (cc *callbackConsumer) Limit(key []byte) {
	cc.result.Limited = true
	cc.result.LimitKey = append([]byte(nil), key...)
}

func (cc *callbackConsumer) Done() {}

// RangeFold streams every live key in [Start, End) to fn in strictly
// increasing key order. One fold source is spun up per level: the active
// memtable claims the priority override slot, then the immutable
// memtable and the SSTable levels newest to oldest, so newer writes win
// duplicate keys and tombstones suppress older values. fn returning an
// error stops the fold early.
func (e *Engine) RangeFold(ctx context.Context, opts FoldOptions, fn func(key, value []byte) error) (FoldResult, error) {
	start := time.Now()
	e.stats.FoldCount.Add(1)

	// Snapshot the level structure; sources read their own structures
	// concurrently with new writes
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return FoldResult{}, ErrClosed
	}
	mem := e.memTable
	imm := e.immutableTable
	levels := make([][]*SSTable, len(e.levels))
	for i := range e.levels {
		levels[i] = append([]*SSTable(nil), e.levels[i]...)
	}
	// Pin every table in the snapshot while still under the lock, so a
	// concurrent compaction removing an input only marks it obsolete and
	// the map stays valid until the fold lets go
	for _, lvl := range levels {
		for _, sst := range lvl {
			sst.Retain()
		}
	}
	e.mu.RUnlock()

	releaseSnapshot := func() {
		for _, lvl := range levels {
			for _, sst := range lvl {
				sst.Release()
			}
		}
	}

	cons := &callbackConsumer{fn: fn}
	coord := fold.NewCoordinator(ctx, cons, fold.Options{
		Logger:  e.foldLogger(),
		Metrics: e.metrics,
	})
	cons.terminate = coord.Terminate

	// Setup failures before the sources start must tear the coordinator
	// down and unpin the snapshot themselves
	fail := func(err error) (FoldResult, error) {
		coord.Terminate()
		releaseSnapshot()
		return FoldResult{}, err
	}

	// The memtable registers through the override slot: it exists
	// before the sstable set is assembled and must win every tie
	memSrc, err := coord.NewSource("memtable")
	if err != nil {
		return fail(err)
	}
	if err := coord.SetPriorityOverride(memSrc); err != nil {
		return fail(err)
	}

	type feed struct {
		src  *fold.Source
		next func() (*Entry, bool, error)
		sst  *SSTable // nil for memtable feeds
	}
	feeds := []feed{{src: memSrc, next: memTableNext(mem.Scan(opts.Start, opts.End))}}

	var rest []*fold.Source
	if imm != nil {
		src, err := coord.NewSource("immutable")
		if err != nil {
			return fail(err)
		}
		rest = append(rest, src)
		feeds = append(feeds, feed{src: src, next: memTableNext(imm.Scan(opts.Start, opts.End))})
	}
	for level := range levels {
		// Newest file first within a level
		for i := len(levels[level]) - 1; i >= 0; i-- {
			sst := levels[level][i]
			src, err := coord.NewSource(fmt.Sprintf("L%d-%d", level, i))
			if err != nil {
				return fail(err)
			}
			rest = append(rest, src)
			feeds = append(feeds, feed{src: src, next: sstableNext(sst, opts.Start, opts.End), sst: sst})
		}
	}

	if err := coord.Initialize(rest); err != nil {
		return fail(err)
	}

	// One goroutine per level source, pushing at its own pace. Each
	// goroutine owns its table's snapshot reference: a source can still
	// be decoding entries after Wait returns, so the pin has to outlive
	// this call, not just the merge.
	srcErrs := make(chan error, len(feeds))
	for _, f := range feeds {
		go func(f feed) {
			if f.sst != nil {
				defer f.sst.Release()
			}
			streamEntries(f.src, f.next, opts.MaxPerSource, func(err error) {
				srcErrs <- err
				coord.Terminate()
			})
		}(f)
	}

	waitErr := coord.Wait()

	status := "ok"
	defer func() {
		if e.metrics != nil {
			e.metrics.RecordStorageOperation("range_fold", status, time.Since(start))
		}
	}()

	// A failed source is fatal to the fold, never silently partial
	select {
	case srcErr := <-srcErrs:
		status = "error"
		return cons.result, fmt.Errorf("lsm: level source failed: %w", srcErr)
	default:
	}

	if cons.err != nil {
		status = "stopped"
		return cons.result, fmt.Errorf("%w: %w", ErrFoldStopped, cons.err)
	}
	if waitErr != nil {
		status = "error"
		return cons.result, waitErr
	}
	return cons.result, nil
}

// Scan collects the live entries in [start, end) into a slice. Large
// ranges should prefer RangeFold to avoid materializing the result.
func (e *Engine) Scan(start, end []byte) ([]*Entry, error) {
	var out []*Entry
	_, err := e.RangeFold(context.Background(), FoldOptions{Start: start, End: end},
		func(key, value []byte) error {
			out = append(out, &Entry{
				Key:   append([]byte(nil), key...),
				Value: append([]byte(nil), value...),
			})
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// foldLogger returns the engine logger tagged for fold operations
func (e *Engine) foldLogger() logging.Logger {
	return e.logger.With(logging.Component("rangefold"))
}
