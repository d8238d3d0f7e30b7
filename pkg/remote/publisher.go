package remote

import (
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/push"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// closeDrainDelay gives the transport time to flush queued frames before
// Close tears the pipe down. Mangos sends asynchronously and closing the
// socket discards anything still queued, which would lose the terminal
// done or limit frame and leave the remote fold waiting forever.
const closeDrainDelay = 100 * time.Millisecond

// Publisher is the producing end of a remote level source. It dials the
// coordinator's listener and pushes items in key order; the ordering
// contract is the sender's responsibility, the listener's coordinator
// enforces it.
type Publisher struct {
	mu      sync.Mutex
	sock    mangos.Socket
	closed  bool
	limited bool // a limit frame already ended the stream
}

// NewPublisher dials the listener at addr (any mangos transport URL,
// e.g. tcp://host:port or inproc://name)
func NewPublisher(addr string) (*Publisher, error) {
	sock, err := push.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("remote: failed to create push socket: %w", err)
	}
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("remote: failed to dial %s: %w", addr, err)
	}
	return &Publisher{sock: sock}, nil
}

func (p *Publisher) send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.sock.Send(frame)
}

// Send pushes a key-value item
func (p *Publisher) Send(key, value []byte) error {
	return p.send(encodeFrame(frameValue, key, value))
}

// SendTombstone pushes a deletion marker for key
func (p *Publisher) SendTombstone(key []byte) error {
	return p.send(encodeFrame(frameTombstone, key, nil))
}

// SendLimit pushes a limit marker and ends the stream; nothing may
// follow it. A later Close releases the socket without sending done.
func (p *Publisher) SendLimit(key []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.sock.Send(encodeFrame(frameLimit, key, nil)); err != nil {
		return err
	}
	p.limited = true
	return nil
}

// Close signals end of stream to the listener and releases the socket.
// When a limit marker already ended the stream, Close only releases the
// socket; the listener would reject a done frame after a limit.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var sendErr error
	if !p.limited {
		sendErr = p.sock.Send(encodeFrame(frameDone, nil, nil))
	}
	time.Sleep(closeDrainDelay)
	closeErr := p.sock.Close()
	if sendErr != nil {
		return sendErr
	}
	return closeErr
}
