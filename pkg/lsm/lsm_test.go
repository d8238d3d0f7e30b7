package lsm

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dd0wney/cluso-lsmfold/pkg/logging"
	"github.com/dd0wney/cluso-lsmfold/pkg/wal"
)

func TestEnginePutGetDelete(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	v, err := e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(v, []byte("v1")) {
		t.Errorf("expected v1, got %q", v)
	}

	if err := e.Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put overwrite failed: %v", err)
	}
	if v, _ := e.Get([]byte("k")); !bytes.Equal(v, []byte("v2")) {
		t.Errorf("expected v2 after overwrite, got %q", v)
	}

	if err := e.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := e.Get([]byte("k")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound after delete, got %v", err)
	}

	if _, err := e.Get([]byte("absent")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound for absent key, got %v", err)
	}
	if err := e.Put(nil, []byte("v")); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestEngineClosed(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Second close is a no-op
	if err := e.Close(); err != nil {
		t.Fatalf("repeated Close failed: %v", err)
	}

	if err := e.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Put, got %v", err)
	}
	if _, err := e.Get([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Get, got %v", err)
	}
	if err := e.Flush(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Flush, got %v", err)
	}
}

func TestEnginePersistence(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		DataDir:              dir,
		MemTableSize:         1 << 20,
		EnableAutoCompaction: false,
		Logger:               logging.NewNopLogger(),
	}

	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 100; i++ {
		if err := e.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("val-%d", i))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := e.Delete([]byte("key-050")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	v, err := reopened.Get([]byte("key-042"))
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if !bytes.Equal(v, []byte("val-42")) {
		t.Errorf("expected val-42 after reopen, got %q", v)
	}
	if _, err := reopened.Get([]byte("key-050")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected deletion to survive reopen, got %v", err)
	}
}

func TestEngineWALRecovery(t *testing.T) {
	dir := t.TempDir()

	// Simulate a crash: writes reach the log but never a flush
	w, err := wal.Open(dir, nil)
	if err != nil {
		t.Fatalf("wal.Open failed: %v", err)
	}
	if _, err := w.Append(wal.OpPut, []byte("survivor"), []byte("v")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := w.Append(wal.OpPut, []byte("victim"), []byte("v")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := w.Append(wal.OpDelete, []byte("victim"), nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("wal Close failed: %v", err)
	}

	e, err := Open(Options{
		DataDir:              dir,
		MemTableSize:         1 << 20,
		EnableAutoCompaction: false,
		Logger:               logging.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()

	v, err := e.Get([]byte("survivor"))
	if err != nil {
		t.Fatalf("Get after recovery failed: %v", err)
	}
	if !bytes.Equal(v, []byte("v")) {
		t.Errorf("expected recovered value, got %q", v)
	}
	if _, err := e.Get([]byte("victim")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected recovered tombstone, got %v", err)
	}
}

func TestEngineFlushToDisk(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 50; i++ {
		if err := e.Put([]byte(fmt.Sprintf("key-%02d", i)), []byte("v")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	snap := e.Stats()
	if snap.FlushCount != 1 {
		t.Errorf("expected 1 flush, got %d", snap.FlushCount)
	}
	if snap.Level0FileCount != 1 {
		t.Errorf("expected 1 level 0 file, got %d", snap.Level0FileCount)
	}
	if snap.MemTableSize != 0 {
		t.Errorf("expected empty memtable after flush, got %d bytes", snap.MemTableSize)
	}

	// Values now come from the SSTable
	if v, err := e.Get([]byte("key-25")); err != nil || !bytes.Equal(v, []byte("v")) {
		t.Errorf("Get from sstable failed: %q %v", v, err)
	}

	// A second flush with nothing buffered is a no-op
	if err := e.Flush(); err != nil {
		t.Fatalf("empty Flush failed: %v", err)
	}
	if e.Stats().FlushCount != 1 {
		t.Error("empty flush must not write a table")
	}
}

func TestEngineConcurrentWrites(t *testing.T) {
	e := newTestEngine(t)

	var wg sync.WaitGroup
	workers := 4
	perWorker := 100
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := []byte(fmt.Sprintf("w%d-key-%03d", w, i))
				if err := e.Put(key, []byte("v")); err != nil {
					t.Errorf("Put failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if got := e.Stats().WriteCount; got != int64(workers*perWorker) {
		t.Errorf("expected %d writes, got %d", workers*perWorker, got)
	}
	for w := 0; w < workers; w++ {
		key := []byte(fmt.Sprintf("w%d-key-%03d", w, perWorker-1))
		if _, err := e.Get(key); err != nil {
			t.Errorf("Get %s failed: %v", key, err)
		}
	}
}
