package lsm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dd0wney/cluso-lsmfold/pkg/logging"
)

func TestLeveledStrategyPickLevel(t *testing.T) {
	s := DefaultLeveledCompaction()

	if _, ok := s.PickLevel(nil); ok {
		t.Error("empty tree must not compact")
	}
	if _, ok := s.PickLevel([][]*SSTable{{nil, nil, nil}}); ok {
		t.Error("level 0 below the file limit must not compact")
	}
	level, ok := s.PickLevel([][]*SSTable{{nil, nil, nil, nil}})
	if !ok || level != 0 {
		t.Errorf("expected level 0 at the file limit, got %d ok=%v", level, ok)
	}
}

func TestMergeTablesNewestWins(t *testing.T) {
	dir := t.TempDir()
	older := buildTestSSTable(t, SSTablePath(dir, 1, 1), []*Entry{
		{Key: []byte("a"), Value: []byte("old"), Timestamp: 1},
		{Key: []byte("b"), Value: []byte("keep"), Timestamp: 1},
		{Key: []byte("c"), Value: []byte("doomed"), Timestamp: 1},
	})
	newer := buildTestSSTable(t, SSTablePath(dir, 0, 2), []*Entry{
		{Key: []byte("a"), Value: []byte("new"), Timestamp: 2},
		{Key: []byte("c"), Timestamp: 2, Deleted: true},
	})

	logger := logging.NewNopLogger()
	tables := []*SSTable{older, newer}

	// Keeping tombstones: the deletion of c must ride through
	entries, err := mergeTables(context.Background(), tables, false, logger, nil)
	if err != nil {
		t.Fatalf("mergeTables failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if !bytes.Equal(entries[0].Value, []byte("new")) || entries[0].Timestamp != 2 {
		t.Errorf("a: expected newest value, got %+v", entries[0])
	}
	if !bytes.Equal(entries[1].Value, []byte("keep")) {
		t.Errorf("b: expected keep, got %q", entries[1].Value)
	}
	if !entries[2].Deleted {
		t.Error("c: expected tombstone to survive a non-bottom merge")
	}

	// Bottom level: the tombstone and everything it masks fall out
	entries, err = mergeTables(context.Background(), tables, true, logger, nil)
	if err != nil {
		t.Fatalf("mergeTables failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after tombstone drop, got %d", len(entries))
	}
	if string(entries[0].Key) != "a" || string(entries[1].Key) != "b" {
		t.Errorf("unexpected keys: %s, %s", entries[0].Key, entries[1].Key)
	}
}

func TestEngineCompaction(t *testing.T) {
	e := newTestEngine(t)

	// Four flush generations so level 0 hits the compaction threshold
	for gen := 0; gen < 4; gen++ {
		for i := 0; i < 10; i++ {
			key := []byte(fmt.Sprintf("key-%02d", i))
			if err := e.Put(key, []byte(fmt.Sprintf("gen-%d", gen))); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		if gen == 3 {
			if err := e.Delete([]byte("key-00")); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
		}
		if err := e.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	}

	if got := e.Stats().Level0FileCount; got != 4 {
		t.Fatalf("expected 4 level 0 files before compaction, got %d", got)
	}

	if err := e.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	snap := e.Stats()
	if snap.Level0FileCount != 0 {
		t.Errorf("expected empty level 0 after compaction, got %d files", snap.Level0FileCount)
	}
	if snap.CompactionCount != 1 {
		t.Errorf("expected 1 compaction, got %d", snap.CompactionCount)
	}

	// Newest generation wins, deleted key is gone for good
	v, err := e.Get([]byte("key-05"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(v, []byte("gen-3")) {
		t.Errorf("expected gen-3, got %q", v)
	}
	if _, err := e.Get([]byte("key-00")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound for deleted key, got %v", err)
	}

	keys, _ := collectFold(t, e, FoldOptions{})
	if len(keys) != 9 {
		t.Errorf("expected 9 live keys after compaction, got %d: %v", len(keys), keys)
	}
}

func TestCompactionDuringRangeFold(t *testing.T) {
	e := newTestEngine(t)

	// Enough entries per table that the fold's sources are still mid
	// stream when compaction removes the inputs out from under them
	const keysPerGen = 400
	for gen := 0; gen < 4; gen++ {
		for i := 0; i < keysPerGen; i++ {
			key := []byte(fmt.Sprintf("key-%05d", i))
			if err := e.Put(key, []byte(fmt.Sprintf("gen-%d", gen))); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		if err := e.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	}

	// Compact from inside the first callback: the inbox backs the
	// sources up behind the blocked consumer, so they resume reading
	// their tables only after the inputs have been removed
	seen := 0
	result, err := e.RangeFold(context.Background(), FoldOptions{}, func(key, value []byte) error {
		if seen == 0 {
			if cerr := e.Compact(); cerr != nil {
				return cerr
			}
		}
		seen++
		if !bytes.Equal(value, []byte("gen-3")) {
			return fmt.Errorf("%s: expected gen-3, got %q", key, value)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RangeFold failed: %v", err)
	}
	if result.Results != keysPerGen || seen != keysPerGen {
		t.Fatalf("expected %d results, got %d (seen %d)", keysPerGen, result.Results, seen)
	}

	if got := e.Stats().CompactionCount; got != 1 {
		t.Errorf("expected 1 compaction, got %d", got)
	}

	// The removed level 0 inputs go away once the fold's sources let go
	deadline := time.Now().Add(5 * time.Second)
	for {
		stale := 0
		files, err := os.ReadDir(e.dataDir)
		if err != nil {
			t.Fatalf("ReadDir failed: %v", err)
		}
		for _, f := range files {
			if strings.HasPrefix(f.Name(), "L0-") {
				stale++
			}
		}
		if stale == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d level 0 files still on disk after compaction", stale)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
