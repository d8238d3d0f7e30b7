package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pull"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-lsmfold/pkg/fold"
	"github.com/dd0wney/cluso-lsmfold/pkg/logging"
)

// defaultRecvTimeout bounds each socket read so Feed can notice a
// cancelled context between frames
const defaultRecvTimeout = 250 * time.Millisecond

// Listener is the coordinating end of a remote level source
type Listener struct {
	sock   mangos.Socket
	logger logging.Logger
}

// NewListener binds a pull socket at addr
func NewListener(addr string, logger logging.Logger) (*Listener, error) {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	sock, err := pull.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("remote: failed to create pull socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, defaultRecvTimeout); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("remote: failed to listen on %s: %w", addr, err)
	}
	return &Listener{
		sock:   sock,
		logger: logger.With(logging.Component("remote")),
	}, nil
}

// Feed replays incoming frames into src until the publisher sends done,
// the context is cancelled, or the fold tears down. It blocks and is
// meant to run on its own goroutine alongside the fold.
func (l *Listener) Feed(ctx context.Context, src *fold.Source) error {
	for {
		buf, err := l.sock.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
					continue
				}
			}
			if errors.Is(err, mangos.ErrClosed) {
				return nil
			}
			return fmt.Errorf("remote: recv failed: %w", err)
		}

		kind, key, value, err := decodeFrame(buf)
		if err != nil {
			return err
		}

		switch kind {
		case frameValue:
			err = src.Send(key, value)
		case frameTombstone:
			err = src.SendTombstone(key)
		case frameLimit:
			// A limit is terminal; nothing may follow it, so stop
			// reading rather than trip on a trailing done frame
			if err := src.SendLimit(key); err != nil {
				return err
			}
			l.logger.Debug("remote stream limited", logging.SourceName(src.Name()))
			return nil
		case frameDone:
			l.logger.Debug("remote stream finished", logging.SourceName(src.Name()))
			return src.Close()
		}
		if err != nil {
			// The fold was terminated or has already finished; the
			// publisher's stream has nowhere to go
			return err
		}
	}
}

// Close releases the socket; a blocked Feed returns after its next
// deadline tick
func (l *Listener) Close() error {
	return l.sock.Close()
}
