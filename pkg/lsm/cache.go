package lsm

import (
	"container/list"
	"sync"
)

// KeyCache is an LRU cache for hot keys on the read path. Tombstoned and
// updated keys are invalidated on write.
type KeyCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	lru      *list.List

	hits   int64
	misses int64
}

type cacheItem struct {
	key   string
	value []byte
}

// NewKeyCache creates an LRU cache holding up to capacity keys
func NewKeyCache(capacity int) *KeyCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &KeyCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get retrieves a cached value
func (kc *KeyCache) Get(key string) ([]byte, bool) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if elem, ok := kc.entries[key]; ok {
		kc.lru.MoveToFront(elem)
		kc.hits++
		return elem.Value.(*cacheItem).value, true
	}
	kc.misses++
	return nil, false
}

// Put adds a value, evicting the least recently used entry when full
func (kc *KeyCache) Put(key string, value []byte) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if elem, ok := kc.entries[key]; ok {
		kc.lru.MoveToFront(elem)
		elem.Value.(*cacheItem).value = value
		return
	}

	if kc.lru.Len() >= kc.capacity {
		oldest := kc.lru.Back()
		if oldest != nil {
			kc.lru.Remove(oldest)
			delete(kc.entries, oldest.Value.(*cacheItem).key)
		}
	}
	kc.entries[key] = kc.lru.PushFront(&cacheItem{key: key, value: value})
}

// Delete invalidates a key
func (kc *KeyCache) Delete(key string) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if elem, ok := kc.entries[key]; ok {
		kc.lru.Remove(elem)
		delete(kc.entries, key)
	}
}

// Len returns the number of cached keys
func (kc *KeyCache) Len() int {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	return kc.lru.Len()
}

// HitRate returns the fraction of lookups served from cache
func (kc *KeyCache) HitRate() float64 {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	total := kc.hits + kc.misses
	if total == 0 {
		return 0
	}
	return float64(kc.hits) / float64(total)
}
