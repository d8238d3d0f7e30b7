package fold

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInitialized is returned when Initialize is called twice
	// or SetPriorityOverride is called after Initialize
	ErrAlreadyInitialized = errors.New("fold: coordinator already initialized")

	// ErrNotRunning is returned for operations that require a running fold
	ErrNotRunning = errors.New("fold: coordinator not running")

	// ErrTerminated is reported when the fold was aborted externally
	// before reaching a terminal notification
	ErrTerminated = errors.New("fold: terminated")

	// ErrForeignSource is returned when a source handle from another
	// coordinator is passed to Initialize or SetPriorityOverride
	ErrForeignSource = errors.New("fold: source belongs to a different coordinator")

	// ErrDuplicateSource is returned when Initialize receives the same
	// source handle twice
	ErrDuplicateSource = errors.New("fold: duplicate source in priority order")
)

// ProtocolError reports a source that broke the stream protocol: keys out
// of order, or messages after done/limit. Protocol errors are fatal to the
// fold; the coordinator aborts rather than risk delivering a misordered or
// incomplete merge.
type ProtocolError struct {
	Source *Source
	Reason string
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("fold: protocol violation from source %s (%s): %s",
		e.Source.name, e.Source.id, e.Reason)
}
