package lsm

import (
	"bytes"
	"sort"
	"sync"
	"time"
)

// MemTable is an in-memory write buffer using a sorted map
type MemTable struct {
	mu      sync.RWMutex
	data    map[string]*Entry // Key -> Entry
	keys    []string          // Sorted keys for iteration
	size    int               // Approximate size in bytes
	maxSize int               // Max size before flush
	sorted  bool              // Whether keys are sorted
}

// NewMemTable creates a new MemTable
func NewMemTable(maxSize int) *MemTable {
	return &MemTable{
		data:    make(map[string]*Entry),
		keys:    make([]string, 0),
		maxSize: maxSize,
		sorted:  true,
	}
}

// Put adds or updates a key-value pair
func (mt *MemTable) Put(key, value []byte) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	keyStr := string(key)

	if existing, exists := mt.data[keyStr]; exists {
		// Replacing an entry: adjust the size estimate downward first
		oldSize := len(existing.Value)
		if mt.size >= oldSize {
			mt.size -= oldSize
		} else {
			mt.size = 0
		}
	} else {
		mt.keys = append(mt.keys, keyStr)
		mt.sorted = false
		mt.size += len(key)
	}
	mt.size += len(value)

	mt.data[keyStr] = &Entry{
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UnixNano(),
	}
	return nil
}

// Delete marks a key as deleted (tombstone)
func (mt *MemTable) Delete(key []byte) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	keyStr := string(key)
	if existing, exists := mt.data[keyStr]; exists {
		// Scan snapshots hold pointers into the map, so replace the
		// entry rather than mutate it in place
		if mt.size >= len(existing.Value) {
			mt.size -= len(existing.Value)
		} else {
			mt.size = 0
		}
	} else {
		mt.keys = append(mt.keys, keyStr)
		mt.sorted = false
		mt.size += len(key)
	}

	mt.data[keyStr] = &Entry{
		Key:       key,
		Timestamp: time.Now().UnixNano(),
		Deleted:   true,
	}
	return nil
}

// Lookup retrieves an entry by key, tombstones included. Callers decide
// what a tombstone means at their layer.
func (mt *MemTable) Lookup(key []byte) (*Entry, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	entry, exists := mt.data[string(key)]
	return entry, exists
}

// ensureSorted sorts the key list if needed. Caller must hold mu.
func (mt *MemTable) ensureSorted() {
	if !mt.sorted {
		sort.Strings(mt.keys)
		mt.sorted = true
	}
}

// Scan returns entries with start <= key < end in key order, tombstones
// included. A nil end means no upper bound.
func (mt *MemTable) Scan(start, end []byte) []*Entry {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.ensureSorted()

	from := sort.SearchStrings(mt.keys, string(start))
	entries := make([]*Entry, 0)
	for _, k := range mt.keys[from:] {
		if end != nil && bytes.Compare([]byte(k), end) >= 0 {
			break
		}
		entries = append(entries, mt.data[k])
	}
	return entries
}

// All returns every entry in key order, tombstones included
func (mt *MemTable) All() []*Entry {
	return mt.Scan(nil, nil)
}

// Size returns the approximate size in bytes
func (mt *MemTable) Size() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size
}

// Len returns the number of entries including tombstones
func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.data)
}

// IsFull returns true if the MemTable should be flushed
func (mt *MemTable) IsFull() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size >= mt.maxSize
}
