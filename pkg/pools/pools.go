// Package pools provides size-classed byte buffer reuse for the write
// paths. WAL appends and SSTable builds produce many short-lived
// encoding buffers; recycling them keeps GC pressure flat under
// sustained write load.
package pools

import "sync"

// Size classes. Requests above the largest class are allocated directly
// and never pooled.
var classes = [...]int{64, 512, 4096, 65536}

// BytePool pools byte slices by capacity class
type BytePool struct {
	pools [len(classes)]sync.Pool
}

// NewBytePool creates an empty pool
func NewBytePool() *BytePool {
	p := &BytePool{}
	for i, size := range classes {
		size := size
		p.pools[i].New = func() any {
			b := make([]byte, 0, size)
			return &b
		}
	}
	return p
}

func classFor(size int) int {
	for i, c := range classes {
		if size <= c {
			return i
		}
	}
	return -1
}

// Get returns a zero-length slice with capacity of at least size
func (p *BytePool) Get(size int) []byte {
	i := classFor(size)
	if i < 0 {
		return make([]byte, 0, size)
	}
	b := p.pools[i].Get().(*[]byte)
	if cap(*b) < size {
		// A recycled buffer from a lower capacity landed here
		return make([]byte, 0, size)
	}
	return (*b)[:0]
}

// GetSized returns a slice of exactly len size
func (p *BytePool) GetSized(size int) []byte {
	return p.Get(size)[:size]
}

// Put recycles a slice. The caller must not touch it afterwards.
func (p *BytePool) Put(b []byte) {
	i := classFor(cap(b))
	if i < 0 || cap(b) == 0 {
		return
	}
	// A buffer from a smaller class must go back to that class, so
	// index by capacity, not by the size originally requested
	b = b[:0]
	p.pools[i].Put(&b)
}

var defaultPool = NewBytePool()

// GetBuffer returns a zero-length buffer from the shared pool
func GetBuffer(size int) []byte {
	return defaultPool.Get(size)
}

// GetBufferSized returns an exact-length buffer from the shared pool
func GetBufferSized(size int) []byte {
	return defaultPool.GetSized(size)
}

// PutBuffer recycles a buffer into the shared pool
func PutBuffer(b []byte) {
	defaultPool.Put(b)
}
