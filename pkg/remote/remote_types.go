// Package remote moves fold source streams across a network boundary
// using mangos push/pull sockets. A Publisher on the producing side
// serializes items; a Listener on the coordinating side decodes them
// and replays them into a local fold source, so the coordinator never
// knows the level lives on another machine.
package remote

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame kinds on the wire. Layout: [kind:1][keyLen:4][key][value].
// Done frames carry no key.
const (
	frameValue byte = iota
	frameTombstone
	frameLimit
	frameDone
)

var (
	// ErrShortFrame is returned for truncated wire frames
	ErrShortFrame = errors.New("remote: short frame")
	// ErrClosed is returned when sending on a closed publisher
	ErrClosed = errors.New("remote: publisher closed")
)

func encodeFrame(kind byte, key, value []byte) []byte {
	if kind == frameDone {
		return []byte{frameDone}
	}
	buf := make([]byte, 5+len(key)+len(value))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(key)))
	copy(buf[5:], key)
	copy(buf[5+len(key):], value)
	return buf
}

func decodeFrame(buf []byte) (kind byte, key, value []byte, err error) {
	if len(buf) < 1 {
		return 0, nil, nil, ErrShortFrame
	}
	kind = buf[0]
	if kind > frameDone {
		return 0, nil, nil, fmt.Errorf("remote: unknown frame kind %d", kind)
	}
	if kind == frameDone {
		return kind, nil, nil, nil
	}
	if len(buf) < 5 {
		return 0, nil, nil, ErrShortFrame
	}
	keyLen := binary.BigEndian.Uint32(buf[1:5])
	if uint32(len(buf)-5) < keyLen {
		return 0, nil, nil, ErrShortFrame
	}
	key = buf[5 : 5+keyLen]
	value = buf[5+keyLen:]
	return kind, key, value, nil
}
