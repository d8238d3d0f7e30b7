package lsm

import (
	"bytes"

	"github.com/dd0wney/cluso-lsmfold/pkg/fold"
)

// sendEntry forwards one entry to a fold source with the right item kind
func sendEntry(src *fold.Source, e *Entry) error {
	if e.Deleted {
		return src.SendTombstone(e.Key)
	}
	return src.Send(e.Key, e.Value)
}

// streamEntries drains next into a fold source. With max > 0 the stream
// is cut after max items by a limit marker at the first unsent key,
// which ends the whole fold early. Iteration errors are reported through
// onErr; the fold is expected to be torn down by the caller.
func streamEntries(src *fold.Source, next func() (*Entry, bool, error), max int, onErr func(error)) {
	sent := 0
	for {
		e, ok, err := next()
		if err != nil {
			onErr(err)
			return
		}
		if !ok {
			src.Close()
			return
		}
		if max > 0 && sent >= max {
			src.SendLimit(e.Key)
			return
		}
		if err := sendEntry(src, e); err != nil {
			// Fold torn down while we were sending; nothing to clean up
			return
		}
		sent++
	}
}

// memTableNext returns a stream function over a memtable snapshot
func memTableNext(entries []*Entry) func() (*Entry, bool, error) {
	i := 0
	return func() (*Entry, bool, error) {
		if i >= len(entries) {
			return nil, false, nil
		}
		e := entries[i]
		i++
		return e, true, nil
	}
}

// sstableNext returns a stream function over one SSTable bounded by
// [start, end). A nil end means no upper bound.
func sstableNext(sst *SSTable, start, end []byte) func() (*Entry, bool, error) {
	it := sst.IterAt(start)
	return func() (*Entry, bool, error) {
		e, ok := it.Next()
		if !ok {
			return nil, false, it.Err()
		}
		if end != nil && bytes.Compare(e.Key, end) >= 0 {
			return nil, false, nil
		}
		return e, true, nil
	}
}
