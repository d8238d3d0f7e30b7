package lsm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"golang.org/x/exp/mmap"
)

// OpenSSTable memory-maps an existing SSTable and loads its index and
// bloom filter
func OpenSSTable(path string) (*SSTable, error) {
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %s: %w", path, err)
	}

	sst := &SSTable{path: path, reader: reader}
	sst.refs.Store(1)
	if err := sst.loadFooter(); err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return sst, nil
}

// bytesAt copies n bytes starting at off out of the map
func (sst *SSTable) bytesAt(off int64, n int) ([]byte, error) {
	if off < 0 || off+int64(n) > int64(sst.reader.Len()) {
		return nil, fmt.Errorf("read [%d,%d) beyond file size %d", off, off+int64(n), sst.reader.Len())
	}
	buf := make([]byte, n)
	if _, err := sst.reader.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// loadFooter parses header, index, bloom filter and checksum
func (sst *SSTable) loadFooter() error {
	headerBuf, err := sst.bytesAt(0, headerSize)
	if err != nil {
		return err
	}
	sst.header, err = decodeHeader(headerBuf)
	if err != nil {
		return err
	}
	sst.entryCount = int(sst.header.EntryCount)

	footerLen := int64(sst.reader.Len()) - int64(sst.header.IndexOffset)
	if footerLen < 4 {
		return fmt.Errorf("footer truncated: %d bytes", footerLen)
	}
	footer, err := sst.bytesAt(int64(sst.header.IndexOffset), int(footerLen))
	if err != nil {
		return err
	}

	body, crcBuf := footer[:len(footer)-4], footer[len(footer)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(crcBuf) {
		return fmt.Errorf("footer checksum mismatch")
	}

	index, n, err := decodeIndex(body)
	if err != nil {
		return err
	}
	sst.index = index

	bloom, _, err := UnmarshalBloomFilter(body[n:])
	if err != nil {
		return err
	}
	sst.bloom = bloom
	return nil
}

// decodeEntryAt decodes the entry starting at off and returns it with
// the offset of the next entry
func (sst *SSTable) decodeEntryAt(off int64) (*Entry, int64, error) {
	lenBuf, err := sst.bytesAt(off, 4)
	if err != nil {
		return nil, 0, err
	}
	keyLen := int(binary.LittleEndian.Uint32(lenBuf))

	key, err := sst.bytesAt(off+4, keyLen)
	if err != nil {
		return nil, 0, err
	}

	lenBuf, err = sst.bytesAt(off+4+int64(keyLen), 4)
	if err != nil {
		return nil, 0, err
	}
	valueLen := int(binary.LittleEndian.Uint32(lenBuf))

	rest, err := sst.bytesAt(off+8+int64(keyLen), valueLen+9)
	if err != nil {
		return nil, 0, err
	}

	entry := &Entry{
		Key:       key,
		Value:     rest[:valueLen],
		Timestamp: int64(binary.LittleEndian.Uint64(rest[valueLen:])),
		Deleted:   rest[valueLen+8] == 1,
	}
	next := off + 4 + int64(keyLen) + 4 + int64(valueLen) + 9
	return entry, next, nil
}

// seekOffset returns the data offset to start scanning from for key,
// using the sparse index
func (sst *SSTable) seekOffset(key []byte) int64 {
	// First index entry with Key > key; scan starts one before it
	pos := sort.Search(len(sst.index), func(i int) bool {
		return bytes.Compare(sst.index[i].Key, key) > 0
	})
	if pos == 0 {
		return headerSize
	}
	return int64(sst.index[pos-1].Offset)
}

// Get retrieves an entry by key, tombstones included. The second return
// is false when the key is not present in this table at all.
func (sst *SSTable) Get(key []byte) (*Entry, bool) {
	if sst.bloom != nil && !sst.bloom.MayContain(key) {
		return nil, false
	}

	off := sst.seekOffset(key)
	end := int64(sst.header.IndexOffset)
	for off < end {
		entry, next, err := sst.decodeEntryAt(off)
		if err != nil {
			return nil, false
		}
		cmp := bytes.Compare(entry.Key, key)
		if cmp == 0 {
			return entry, true
		}
		if cmp > 0 {
			return nil, false
		}
		off = next
	}
	return nil, false
}

// Iterator walks entries in key order
type Iterator struct {
	sst *SSTable
	off int64
	err error
}

// Iter returns an iterator positioned at the first entry
func (sst *SSTable) Iter() *Iterator {
	return &Iterator{sst: sst, off: headerSize}
}

// IterAt returns an iterator positioned at the first entry with
// key >= start. A nil start means the beginning.
func (sst *SSTable) IterAt(start []byte) *Iterator {
	if start == nil {
		return sst.Iter()
	}

	it := &Iterator{sst: sst, off: sst.seekOffset(start)}
	// Skip entries below the bound
	for {
		entry, next, err := it.peek()
		if err != nil || entry == nil {
			break
		}
		if bytes.Compare(entry.Key, start) >= 0 {
			break
		}
		it.off = next
	}
	return it
}

// peek decodes the current entry without advancing; a nil entry means
// the data block is exhausted
func (it *Iterator) peek() (*Entry, int64, error) {
	if it.err != nil || it.off >= int64(it.sst.header.IndexOffset) {
		return nil, 0, it.err
	}
	entry, next, err := it.sst.decodeEntryAt(it.off)
	if err != nil {
		it.err = err
		return nil, 0, err
	}
	return entry, next, nil
}

// Next returns the next entry, or false when exhausted or failed
func (it *Iterator) Next() (*Entry, bool) {
	entry, next, err := it.peek()
	if err != nil || entry == nil {
		return nil, false
	}
	it.off = next
	return entry, true
}

// Err reports a decoding failure that ended iteration early
func (it *Iterator) Err() error {
	return it.err
}

// Retain takes a reference so the map stays valid while a snapshot
// reads it. Every Retain must be paired with a Release.
func (sst *SSTable) Retain() {
	sst.refs.Add(1)
}

// Release drops one reference. The final release unmaps the table and,
// if Remove was called in the meantime, deletes the file.
func (sst *SSTable) Release() error {
	if sst.refs.Add(-1) > 0 {
		return nil
	}
	var err error
	if sst.reader != nil {
		err = sst.reader.Close()
		sst.reader = nil
	}
	if sst.obsolete.Load() {
		if rmErr := os.Remove(sst.path); err == nil {
			err = rmErr
		}
	}
	return err
}

// Close drops the owning reference taken at open
func (sst *SSTable) Close() error {
	return sst.Release()
}

// Remove marks the table for deletion and drops the owning reference.
// Snapshots that retained the table keep reading it; the file goes away
// once the last of them releases.
func (sst *SSTable) Remove() error {
	sst.obsolete.Store(true)
	return sst.Release()
}

var sstNameRe = regexp.MustCompile(`^L(\d+)-(\d+)\.sst$`)

// ListSSTables opens every SSTable under dir grouped by level. Within a
// level, files are ordered oldest to newest by id.
func ListSSTables(dir string) ([][]*SSTable, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type tableFile struct {
		level int
		id    int64
		path  string
	}
	var found []tableFile
	for _, f := range files {
		m := sstNameRe.FindStringSubmatch(f.Name())
		if m == nil {
			continue
		}
		level, _ := strconv.Atoi(m[1])
		id, _ := strconv.ParseInt(m[2], 10, 64)
		found = append(found, tableFile{level: level, id: id, path: filepath.Join(dir, f.Name())})
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].level != found[j].level {
			return found[i].level < found[j].level
		}
		return found[i].id < found[j].id
	})

	var levels [][]*SSTable
	for _, tf := range found {
		for len(levels) <= tf.level {
			levels = append(levels, nil)
		}
		sst, err := OpenSSTable(tf.path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", tf.path, err)
		}
		levels[tf.level] = append(levels[tf.level], sst)
	}
	return levels, nil
}
