package wal

import (
	"bufio"
	"os"
	"sync"

	"github.com/dd0wney/cluso-lsmfold/pkg/metrics"
)

// OpType represents the type of operation in the WAL
type OpType uint8

const (
	OpPut OpType = iota
	OpDelete
)

// Entry represents a single WAL entry. Data is the snappy-compressed
// key/value payload.
type Entry struct {
	LSN       uint64 // Log Sequence Number
	OpType    OpType
	Data      []byte
	Checksum  uint32
	Timestamp int64
}

// Record is one decoded operation handed back during replay
type Record struct {
	LSN    uint64
	OpType OpType
	Key    []byte
	Value  []byte
}

// WAL is a write-ahead log with snappy-compressed payloads
type WAL struct {
	file       *os.File
	writer     *bufio.Writer
	currentLSN uint64
	path       string
	mu         sync.Mutex

	metrics *metrics.Registry

	// Statistics
	totalWrites       uint64
	bytesUncompressed uint64
	bytesCompressed   uint64
}

// Stats holds WAL statistics including compression outcome
type Stats struct {
	TotalWrites       uint64
	BytesUncompressed uint64
	BytesCompressed   uint64
	CompressionRatio  float64
}
