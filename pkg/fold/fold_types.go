package fold

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-lsmfold/pkg/logging"
	"github.com/dd0wney/cluso-lsmfold/pkg/metrics"
)

// ItemKind distinguishes the payload of a stream item
type ItemKind int

const (
	// KindValue is a normal key-value pair
	KindValue ItemKind = iota
	// KindTombstone marks a key as deleted; suppresses emission of that key
	KindTombstone
	// KindLimit signals the source cannot provide data past its key;
	// terminates the whole fold early
	KindLimit

	// kindDone is an internal queue sentinel marking source exhaustion.
	// It is never stored in a current slot.
	kindDone
)

// String returns the string representation of an item kind
func (k ItemKind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindTombstone:
		return "tombstone"
	case KindLimit:
		return "limit"
	case kindDone:
		return "done"
	default:
		return "unknown"
	}
}

// Item is one element of a sorted source stream
type Item struct {
	Key   []byte
	Value []byte
	Kind  ItemKind
}

// Source is the handle one level stream uses to push items into a fold.
// Handles are created with Coordinator.NewSource before Initialize and
// compared by identity: two handles are the same source iff they are the
// same pointer.
type Source struct {
	id    uuid.UUID
	name  string
	coord *Coordinator

	// lastKey is the key of the last item accepted from this source,
	// used to enforce strictly increasing per-source order. Accessed
	// only by the coordinator goroutine after Initialize.
	lastKey []byte
	// finished is set once done or limit has been accepted; anything
	// received afterwards is a protocol violation.
	finished bool
}

// ID returns the source's unique identifier, used for logs and metrics
func (s *Source) ID() uuid.UUID {
	return s.id
}

// Name returns the label the source was created with
func (s *Source) Name() string {
	return s.name
}

// Consumer receives the merged stream. Exactly one of Limit or Done is
// called last; no calls follow either. Methods are invoked from the
// coordinator goroutine and may block at the consumer's discretion.
type Consumer interface {
	// Result delivers one merged, deduplicated, non-deleted item
	Result(key, value []byte)
	// Limit reports that a source reached a scan boundary at key; terminal
	Limit(key []byte)
	// Done reports that every source was exhausted; terminal
	Done()
}

// envelope is one tagged arrival on the coordinator's inbox
type envelope struct {
	src  *Source
	item Item
}

// sourceQueue is the unbounded FIFO buffer of items received from one
// source but not yet consumed by the merge step
type sourceQueue struct {
	items []Item
}

func (q *sourceQueue) push(it Item) {
	q.items = append(q.items, it)
}

func (q *sourceQueue) pop() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

func (q *sourceQueue) len() int {
	return len(q.items)
}

// Coordinator state machine
type coordState int

const (
	stateUninitialized coordState = iota
	stateRunning
	stateDone
	stateAborted
)

// Options configures a fold coordinator
type Options struct {
	// InboxSize is the buffer of the multiplexed inbound channel.
	// Per-source queues behind it are unbounded; this only bounds how
	// many arrivals can be in flight while the coordinator is emitting.
	InboxSize int

	Logger  logging.Logger
	Metrics *metrics.Registry
}

// DefaultOptions returns the default coordinator configuration
func DefaultOptions() Options {
	return Options{
		InboxSize: 256,
		Logger:    logging.DefaultLogger(),
	}
}

// Stats tracks fold counters using lock-free atomics so they can be read
// at any time without touching coordinator state
type Stats struct {
	ItemsReceived     atomic.Int64
	MergeSteps        atomic.Int64
	ResultsEmitted    atomic.Int64
	TombstonesDropped atomic.Int64
	SourcesFinished   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of fold statistics
type StatsSnapshot struct {
	ItemsReceived     int64
	MergeSteps        int64
	ResultsEmitted    int64
	TombstonesDropped int64
	SourcesFinished   int64
}

// runState is the coordinator's working state once Initialize has fixed
// the priority order. It is owned exclusively by the run goroutine.
type runState struct {
	// priority is fixed at Initialize and never mutated; earlier
	// position wins duplicate-key ties
	priority []*Source

	// active is the set of sources not yet exhausted
	active map[*Source]bool

	// queues holds buffered arrivals per source
	queues map[*Source]*sourceQueue

	// slots holds each active source's current item; a nil entry means
	// the source needs a refill before the next merge step
	slots map[*Source]*Item
}

// Coordinator merges the sorted streams of N level sources into one
// globally sorted, deduplicated stream delivered to a single consumer.
// One coordinator serves exactly one fold operation.
type Coordinator struct {
	mu       sync.Mutex
	state    coordState
	override *Source // priority override slot; meaningful only before Initialize
	sources  []*Source

	inbox    chan envelope
	consumer Consumer
	logger   logging.Logger
	metrics  *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc

	stats Stats

	finished chan struct{}
	err      error
}
