package lsm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
)

// encodeHeader writes the fixed-size header into buf
func encodeHeader(buf []byte, h SSTableHeader) {
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint64(buf[8:], h.EntryCount)
	binary.LittleEndian.PutUint64(buf[16:], h.IndexOffset)
}

// decodeHeader parses the fixed-size header
func decodeHeader(buf []byte) (SSTableHeader, error) {
	if len(buf) < headerSize {
		return SSTableHeader{}, fmt.Errorf("header truncated: %d bytes", len(buf))
	}
	h := SSTableHeader{
		Magic:       binary.LittleEndian.Uint32(buf[0:]),
		Version:     binary.LittleEndian.Uint32(buf[4:]),
		EntryCount:  binary.LittleEndian.Uint64(buf[8:]),
		IndexOffset: binary.LittleEndian.Uint64(buf[16:]),
	}
	if h.Magic != SSTableMagic {
		return SSTableHeader{}, fmt.Errorf("bad magic 0x%08x", h.Magic)
	}
	if h.Version != SSTableVersion {
		return SSTableHeader{}, fmt.Errorf("unsupported version %d", h.Version)
	}
	return h, nil
}

// writeEntry appends one encoded entry and returns its size on disk
func writeEntry(w *bufio.Writer, entry *Entry) (int, error) {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(entry.Key))); err != nil {
		return 0, err
	}
	if _, err := w.Write(entry.Key); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(entry.Value))); err != nil {
		return 0, err
	}
	if _, err := w.Write(entry.Value); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, entry.Timestamp); err != nil {
		return 0, err
	}
	deleted := byte(0)
	if entry.Deleted {
		deleted = 1
	}
	if err := w.WriteByte(deleted); err != nil {
		return 0, err
	}
	return 4 + len(entry.Key) + 4 + len(entry.Value) + 8 + 1, nil
}

// encodeIndex serializes the sparse index.
// Format: count(4) | {keyLen(4) | key | offset(8)}...
func encodeIndex(index []IndexEntry) []byte {
	size := 4
	for _, e := range index {
		size += 4 + len(e.Key) + 8
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf, uint32(len(index)))
	off := 4
	for _, e := range index {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Key)))
		off += 4
		copy(buf[off:], e.Key)
		off += len(e.Key)
		binary.LittleEndian.PutUint64(buf[off:], e.Offset)
		off += 8
	}
	return buf
}

// decodeIndex parses the sparse index and returns the bytes consumed
func decodeIndex(buf []byte) ([]IndexEntry, int, error) {
	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("index truncated: %d bytes", len(buf))
	}
	count := int(binary.LittleEndian.Uint32(buf))
	off := 4

	index := make([]IndexEntry, count)
	for i := 0; i < count; i++ {
		if len(buf) < off+4 {
			return nil, 0, fmt.Errorf("index entry %d truncated", i)
		}
		keyLen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if len(buf) < off+keyLen+8 {
			return nil, 0, fmt.Errorf("index entry %d truncated", i)
		}
		key := make([]byte, keyLen)
		copy(key, buf[off:off+keyLen])
		off += keyLen
		index[i] = IndexEntry{
			Key:    key,
			Offset: binary.LittleEndian.Uint64(buf[off:]),
		}
		off += 8
	}
	return index, off, nil
}

// BuildSSTable writes entries as a new SSTable file and opens it for
// reading. Entries are sorted in place if needed; duplicate keys are the
// caller's bug.
func BuildSSTable(path string, entries []*Entry) (*SSTable, error) {
	sort.Slice(entries, func(i, j int) bool {
		return EntryCompare(entries[i], entries[j]) < 0
	})

	bloom := NewBloomFilter(len(entries), 0.01)
	for _, entry := range entries {
		bloom.Add(entry.Key)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	writer := bufio.NewWriter(file)

	// Header goes in last once the index offset is known; reserve space
	var headerBuf [headerSize]byte
	if _, err := writer.Write(headerBuf[:]); err != nil {
		_ = file.Close()
		return nil, err
	}

	// Data block with sparse index every IndexInterval keys
	index := make([]IndexEntry, 0, len(entries)/IndexInterval+1)
	offset := uint64(headerSize)
	for i, entry := range entries {
		if i%IndexInterval == 0 {
			index = append(index, IndexEntry{Key: entry.Key, Offset: offset})
		}
		n, err := writeEntry(writer, entry)
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to write entry %d: %w", i, err)
		}
		offset += uint64(n)
	}
	indexOffset := offset

	// Footer: index, bloom filter, checksum over both
	indexBuf := encodeIndex(index)
	bloomBuf := bloom.MarshalBinary()
	if _, err := writer.Write(indexBuf); err != nil {
		_ = file.Close()
		return nil, err
	}
	if _, err := writer.Write(bloomBuf); err != nil {
		_ = file.Close()
		return nil, err
	}
	crc := crc32.ChecksumIEEE(indexBuf)
	crc = crc32.Update(crc, crc32.IEEETable, bloomBuf)
	if err := binary.Write(writer, binary.LittleEndian, crc); err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := writer.Flush(); err != nil {
		_ = file.Close()
		return nil, err
	}

	// Patch the header now that the index offset is known
	encodeHeader(headerBuf[:], SSTableHeader{
		Magic:       SSTableMagic,
		Version:     SSTableVersion,
		EntryCount:  uint64(len(entries)),
		IndexOffset: indexOffset,
	})
	if _, err := file.WriteAt(headerBuf[:], 0); err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, err
	}

	return OpenSSTable(path)
}

// SSTablePath generates a path for a new SSTable
func SSTablePath(dir string, level int, id int64) string {
	return filepath.Join(dir, fmt.Sprintf("L%d-%012d.sst", level, id))
}
