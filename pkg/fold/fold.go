package fold

import (
	"context"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-lsmfold/pkg/logging"
)

// NewCoordinator creates a coordinator for a single fold operation. The
// coordinator starts uninitialized: sources are created with NewSource,
// optionally promoted with SetPriorityOverride, and merging begins once
// Initialize fixes the priority order. Cancelling ctx aborts the fold at
// any point without notifying the consumer, the same as Terminate.
func NewCoordinator(ctx context.Context, consumer Consumer, opts Options) *Coordinator {
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultOptions().InboxSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}

	cctx, cancel := context.WithCancel(ctx)

	return &Coordinator{
		state:    stateUninitialized,
		inbox:    make(chan envelope, opts.InboxSize),
		consumer: consumer,
		logger:   opts.Logger.With(logging.String("component", "fold")),
		metrics:  opts.Metrics,
		ctx:      cctx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
}

// NewSource registers a new level source and returns its handle. Valid
// only before Initialize; the returned handle must appear either in the
// Initialize list or in the priority override slot.
func (c *Coordinator) NewSource(name string) (*Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateUninitialized {
		return nil, ErrAlreadyInitialized
	}

	src := &Source{
		id:    uuid.New(),
		name:  name,
		coord: c,
	}
	c.sources = append(c.sources, src)
	return src, nil
}

// SetPriorityOverride places src in the priority override slot, giving it
// guaranteed top priority when Initialize runs. Each call replaces any
// previous override. Valid only before Initialize.
func (c *Coordinator) SetPriorityOverride(src *Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateUninitialized {
		return ErrAlreadyInitialized
	}
	if src.coord != c {
		return ErrForeignSource
	}

	c.override = src
	return nil
}

// Initialize fixes the priority order and starts the fill/merge loop.
// The final order is the override slot's entry, if set, followed by
// sources in the given order. Earlier position wins duplicate-key ties
// for the whole fold. Initialize may be called exactly once.
func (c *Coordinator) Initialize(sources []*Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateUninitialized {
		return ErrAlreadyInitialized
	}

	priority := make([]*Source, 0, len(sources)+1)
	if c.override != nil {
		priority = append(priority, c.override)
	}
	priority = append(priority, sources...)

	seen := make(map[*Source]bool, len(priority))
	for _, src := range priority {
		if src.coord != c {
			return ErrForeignSource
		}
		if seen[src] {
			return ErrDuplicateSource
		}
		seen[src] = true
	}

	rs := &runState{
		priority: priority,
		active:   make(map[*Source]bool, len(priority)),
		queues:   make(map[*Source]*sourceQueue, len(priority)),
		slots:    make(map[*Source]*Item, len(priority)),
	}
	for _, src := range priority {
		rs.active[src] = true
		rs.queues[src] = &sourceQueue{}
		rs.slots[src] = nil // needs refill
	}

	c.state = stateRunning
	c.override = nil

	if c.metrics != nil {
		c.metrics.RecordFoldStart(len(priority))
	}
	c.logger.Debug("fold initialized", logging.Int("sources", len(priority)))

	go c.run(rs)
	return nil
}

// Terminate unconditionally ends the fold without further notification to
// the consumer. Valid in any state; safe to call more than once.
func (c *Coordinator) Terminate() {
	c.mu.Lock()
	uninitialized := c.state == stateUninitialized
	if uninitialized {
		c.state = stateAborted
		c.err = ErrTerminated
		c.consumer = nil
	}
	c.mu.Unlock()

	c.cancel()
	if uninitialized {
		close(c.finished)
	}
}

// Wait blocks until the fold reaches a terminal state and returns the
// error that ended it, if any. A fold that delivered done or limit to the
// consumer returns nil.
func (c *Coordinator) Wait() error {
	<-c.finished
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Err returns the error that ended the fold, or nil if the fold is still
// running or completed normally.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stats returns a snapshot of the fold's counters. Safe to call from any
// goroutine in any state.
func (c *Coordinator) Stats() StatsSnapshot {
	return StatsSnapshot{
		ItemsReceived:     c.stats.ItemsReceived.Load(),
		MergeSteps:        c.stats.MergeSteps.Load(),
		ResultsEmitted:    c.stats.ResultsEmitted.Load(),
		TombstonesDropped: c.stats.TombstonesDropped.Load(),
		SourcesFinished:   c.stats.SourcesFinished.Load(),
	}
}

// send pushes one envelope onto the coordinator's inbox, giving up if the
// fold is torn down while blocked.
func (s *Source) send(it Item) error {
	select {
	case s.coord.inbox <- envelope{src: s, item: it}:
		return nil
	case <-s.coord.ctx.Done():
		return ErrTerminated
	}
}

// Send pushes one sorted key-value item. Keys must be strictly increasing
// across all of a source's messages.
func (s *Source) Send(key, value []byte) error {
	return s.send(Item{Key: key, Value: value, Kind: KindValue})
}

// SendTombstone pushes a deletion marker for key
func (s *Source) SendTombstone(key []byte) error {
	return s.send(Item{Key: key, Kind: KindTombstone})
}

// SendLimit signals that the source cannot provide data past key. When a
// limit wins a merge step the whole fold terminates early.
func (s *Source) SendLimit(key []byte) error {
	return s.send(Item{Key: key, Kind: KindLimit})
}

// Close signals that the source is exhausted. Any message sent after
// Close is a protocol violation and aborts the fold.
func (s *Source) Close() error {
	return s.send(Item{Kind: kindDone})
}
