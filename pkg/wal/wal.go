package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-lsmfold/pkg/metrics"
	"github.com/dd0wney/cluso-lsmfold/pkg/pools"
)

const walFileName = "wal.log"

// Open opens or creates the write-ahead log in dataDir and recovers the
// current LSN from any existing entries. A nil registry disables metrics.
func Open(dataDir string, reg *metrics.Registry) (*WAL, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	path := filepath.Join(dataDir, walFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:    file,
		writer:  bufio.NewWriter(file),
		path:    path,
		metrics: reg,
	}

	if err := w.recoverLSN(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to recover LSN: %w", err)
	}

	return w, nil
}

// encodePayload packs a key/value pair into one WAL payload, using a
// pooled scratch buffer. The caller recycles it once compressed.
// Format: keyLen(4) | key | value
func encodePayload(key, value []byte) []byte {
	buf := pools.GetBufferSized(4 + len(key) + len(value))
	binary.BigEndian.PutUint32(buf, uint32(len(key)))
	copy(buf[4:], key)
	copy(buf[4+len(key):], value)
	return buf
}

// decodePayload unpacks a WAL payload
func decodePayload(data []byte) (key, value []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("payload too short: %d bytes", len(data))
	}
	keyLen := binary.BigEndian.Uint32(data)
	if uint32(len(data)-4) < keyLen {
		return nil, nil, fmt.Errorf("payload truncated: key length %d in %d bytes", keyLen, len(data))
	}
	return data[4 : 4+keyLen], data[4+keyLen:], nil
}

// Append appends one operation to the WAL and syncs it to disk
func (w *WAL) Append(opType OpType, key, value []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.currentLSN++
	lsn := w.currentLSN

	payload := encodePayload(key, value)
	compressed := snappy.Encode(nil, payload)
	payloadLen := len(payload)
	pools.PutBuffer(payload)

	entry := Entry{
		LSN:       lsn,
		OpType:    opType,
		Data:      compressed,
		Checksum:  crc32.ChecksumIEEE(compressed),
		Timestamp: time.Now().Unix(),
	}

	w.totalWrites++
	w.bytesUncompressed += uint64(payloadLen)
	w.bytesCompressed += uint64(len(compressed))
	if w.metrics != nil {
		w.metrics.RecordWALAppend(payloadLen, len(compressed))
	}

	if err := w.writeEntry(&entry); err != nil {
		w.currentLSN-- // Rollback LSN on error
		return 0, fmt.Errorf("failed to write WAL entry: %w", err)
	}

	if err := w.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync WAL: %w", err)
	}

	return lsn, nil
}

// writeEntry writes an entry to disk.
// Format: [LSN:8][OpType:1][DataLen:4][Data:N][Checksum:4][Timestamp:8]
func (w *WAL) writeEntry(entry *Entry) error {
	if err := binary.Write(w.writer, binary.BigEndian, entry.LSN); err != nil {
		return err
	}
	if err := w.writer.WriteByte(byte(entry.OpType)); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.BigEndian, uint32(len(entry.Data))); err != nil {
		return err
	}
	if _, err := w.writer.Write(entry.Data); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.BigEndian, entry.Checksum); err != nil {
		return err
	}
	return binary.Write(w.writer, binary.BigEndian, entry.Timestamp)
}

// readEntry reads one raw entry; io.EOF marks a clean end of log
func readEntry(reader *bufio.Reader) (*Entry, error) {
	entry := &Entry{}

	if err := binary.Read(reader, binary.BigEndian, &entry.LSN); err != nil {
		return nil, err // io.EOF here means clean end
	}

	opType, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("truncated entry: %w", err)
	}
	entry.OpType = OpType(opType)

	var dataLen uint32
	if err := binary.Read(reader, binary.BigEndian, &dataLen); err != nil {
		return nil, fmt.Errorf("truncated entry: %w", err)
	}

	entry.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(reader, entry.Data); err != nil {
		return nil, fmt.Errorf("truncated entry: %w", err)
	}

	if err := binary.Read(reader, binary.BigEndian, &entry.Checksum); err != nil {
		return nil, fmt.Errorf("truncated entry: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &entry.Timestamp); err != nil {
		return nil, fmt.Errorf("truncated entry: %w", err)
	}

	if crc32.ChecksumIEEE(entry.Data) != entry.Checksum {
		return nil, fmt.Errorf("checksum mismatch at LSN %d", entry.LSN)
	}

	return entry, nil
}

// Replay reads the log from the beginning and hands every decoded record
// to handler in LSN order
func (w *WAL) Replay(handler func(*Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		entry, err := readEntry(reader)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("WAL replay failed: %w", err)
		}

		payload, err := snappy.Decode(nil, entry.Data)
		if err != nil {
			return fmt.Errorf("failed to decompress entry at LSN %d: %w", entry.LSN, err)
		}
		key, value, err := decodePayload(payload)
		if err != nil {
			return fmt.Errorf("bad payload at LSN %d: %w", entry.LSN, err)
		}

		rec := &Record{
			LSN:    entry.LSN,
			OpType: entry.OpType,
			Key:    key,
			Value:  value,
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
}

// recoverLSN scans the log to find the highest LSN written
func (w *WAL) recoverLSN() error {
	file, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		entry, err := readEntry(reader)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		w.currentLSN = entry.LSN
	}
}

// Truncate discards the whole log, used after a successful flush made
// its contents redundant
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w.writer = bufio.NewWriter(w.file)
	return nil
}

// CurrentLSN returns the LSN of the last appended entry
func (w *WAL) CurrentLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLSN
}

// Statistics returns a snapshot of the WAL's counters
func (w *WAL) Statistics() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	ratio := 0.0
	if w.bytesUncompressed > 0 {
		ratio = 1.0 - float64(w.bytesCompressed)/float64(w.bytesUncompressed)
	}
	return Stats{
		TotalWrites:       w.totalWrites,
		BytesUncompressed: w.bytesUncompressed,
		BytesCompressed:   w.bytesCompressed,
		CompressionRatio:  ratio,
	}
}

// Close flushes and closes the log file
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}
