package lsm

import (
	"sync/atomic"

	"golang.org/x/exp/mmap"
)

// SSTable format:
//   [Header: magic(4) | version(4) | entry_count(8) | index_offset(8)]
//   [Data Block: entries in sorted order]
//   [Index Block: sparse index every N keys]
//   [Footer: bloom_filter | crc32(4) of index+bloom]
//
// Entry encoding: keyLen(4) | key | valueLen(4) | value | timestamp(8) | deleted(1)

const (
	SSTableMagic   = 0x4c534d46 // "LSMF"
	SSTableVersion = 1
	IndexInterval  = 128 // Create index entry every N keys

	headerSize = 24
)

// SSTableHeader represents the header of an SSTable file
type SSTableHeader struct {
	Magic       uint32
	Version     uint32
	EntryCount  uint64
	IndexOffset uint64
}

// SSTable is one immutable sorted run on disk, read through a memory
// map. The map stays valid while any reference is held; compaction marks
// replaced tables obsolete and the file is deleted once the last
// reference goes.
type SSTable struct {
	path       string
	reader     *mmap.ReaderAt
	header     SSTableHeader
	index      []IndexEntry // Sparse index
	bloom      *BloomFilter // Fast negative lookups
	entryCount int

	refs     atomic.Int32 // opens at 1 for the owning level
	obsolete atomic.Bool  // delete the file on the final release
}

// IndexEntry represents an entry in the sparse index
type IndexEntry struct {
	Key    []byte
	Offset uint64
}

// Path returns the file path backing this SSTable
func (sst *SSTable) Path() string {
	return sst.path
}

// Len returns the number of entries including tombstones
func (sst *SSTable) Len() int {
	return sst.entryCount
}
