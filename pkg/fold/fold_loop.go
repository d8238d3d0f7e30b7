package fold

import (
	"bytes"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-lsmfold/pkg/logging"
)

// run is the coordinator goroutine: it alternates fill and merge phases
// until every source is exhausted, a limit wins a merge step, or the fold
// is aborted. All of rs is owned by this goroutine.
func (c *Coordinator) run(rs *runState) {
	start := time.Now()

	defer func() {
		if c.metrics != nil {
			// Sources still active at exit leave the gauge with them
			c.metrics.RecordFoldEnd(len(rs.active))
		}
	}()

	for {
		if err := c.fill(rs); err != nil {
			c.abort(err)
			return
		}

		// All remaining sources signaled completion during fill
		if len(rs.active) == 0 {
			c.finish("done", start, func(cons Consumer) { cons.Done() })
			return
		}

		win, contributors := c.selectWinner(rs)
		c.stats.MergeSteps.Add(1)

		switch win.Kind {
		case KindTombstone:
			// Deleted at the highest-priority level holding the key:
			// suppress, advance everyone who held it
			c.stats.TombstonesDropped.Add(1)
			if c.metrics != nil {
				c.metrics.RecordFoldStep("tombstone")
			}
			if holdsLimit(rs, contributors) {
				key := win.Key
				c.finish("limit", start, func(cons Consumer) { cons.Limit(key) })
				return
			}
			advance(rs, contributors)

		case KindLimit:
			// A source reached its scan boundary; the fold stops here
			// even if other sources have more data
			key := win.Key
			if c.metrics != nil {
				c.metrics.RecordFoldStep("limit")
			}
			c.finish("limit", start, func(cons Consumer) { cons.Limit(key) })
			return

		case KindValue:
			c.emit(win)
			if holdsLimit(rs, contributors) {
				key := win.Key
				c.finish("limit", start, func(cons Consumer) { cons.Limit(key) })
				return
			}
			advance(rs, contributors)

		default:
			panic(fmt.Sprintf("fold: merge selected item of kind %s", win.Kind))
		}
	}
}

// fill populates the current slot of every active source, blocking on the
// inbox when the head unfilled source has nothing queued. Arrivals for
// other sources are buffered in their own queues, never discarded.
func (c *Coordinator) fill(rs *runState) error {
	for _, src := range rs.priority {
		for rs.active[src] && rs.slots[src] == nil {
			if it, ok := rs.queues[src].pop(); ok {
				if it.Kind == kindDone {
					c.retire(rs, src)
					continue
				}
				slot := it
				rs.slots[src] = &slot
				continue
			}

			// Queue empty: wait for any arrival from any source and
			// route it; re-check this source afterwards
			select {
			case env := <-c.inbox:
				if err := c.route(rs, env); err != nil {
					return err
				}
			case <-c.ctx.Done():
				return ErrTerminated
			}
		}
	}
	return nil
}

// route validates one arrival and appends it to its source's queue
func (c *Coordinator) route(rs *runState, env envelope) error {
	src := env.src
	it := env.item

	q, known := rs.queues[src]
	if !known {
		return &ProtocolError{Source: src, Reason: "source not in priority order"}
	}
	if !rs.active[src] || src.finished {
		return &ProtocolError{Source: src, Reason: fmt.Sprintf("%s message after stream end", it.Kind)}
	}

	switch it.Kind {
	case KindValue, KindTombstone, KindLimit:
		if src.lastKey != nil && bytes.Compare(it.Key, src.lastKey) <= 0 {
			return &ProtocolError{
				Source: src,
				Reason: fmt.Sprintf("key %q not greater than previous key %q", it.Key, src.lastKey),
			}
		}
		src.lastKey = it.Key
		if it.Kind == KindLimit {
			src.finished = true
		}
	case kindDone:
		src.finished = true
	}

	q.push(it)
	c.stats.ItemsReceived.Add(1)
	return nil
}

// retire removes a source whose completion marker was just dequeued. The
// marker is always the last entry in its queue, so no buffered item is
// ever dropped.
func (c *Coordinator) retire(rs *runState, src *Source) {
	if rs.queues[src].len() != 0 {
		panic(fmt.Sprintf("fold: source %s retired with %d queued items", src.name, rs.queues[src].len()))
	}
	delete(rs.active, src)
	delete(rs.slots, src)
	c.stats.SourcesFinished.Add(1)
	if c.metrics != nil {
		c.metrics.RecordSourceRetired()
	}
	c.logger.Debug("source exhausted",
		logging.String("source", src.name),
		logging.String("source_id", src.id.String()))
}

// selectWinner runs one merge-selection pass: a single left-to-right scan
// over the priority order keeping the minimum key seen so far. On a tie
// the earlier (higher-priority) source's item is kept and the later one
// is recorded as a masked contributor so it still gets advanced.
func (c *Coordinator) selectWinner(rs *runState) (Item, []*Source) {
	var (
		win          *Item
		contributors []*Source
	)

	for _, src := range rs.priority {
		if !rs.active[src] {
			continue
		}
		it := rs.slots[src]
		if it == nil {
			panic(fmt.Sprintf("fold: active source %s has no current item", src.name))
		}

		switch {
		case win == nil:
			win = it
			contributors = append(contributors, src)
		case bytes.Compare(it.Key, win.Key) < 0:
			win = it
			contributors = contributors[:0]
			contributors = append(contributors, src)
		case bytes.Equal(it.Key, win.Key):
			// Duplicate key: the winner's value stands, but the source
			// still contributed and must be advanced past this key
			contributors = append(contributors, src)
		}
	}

	if win == nil {
		panic("fold: merge selection with zero active sources")
	}
	return *win, contributors
}

// holdsLimit reports whether any contributor's current item is a limit
// marker masked by a higher-priority item at the same key. Such a source
// can provide nothing past this key, so the fold must stop here instead
// of waiting on a refill that can never arrive.
func holdsLimit(rs *runState, contributors []*Source) bool {
	for _, src := range contributors {
		if it := rs.slots[src]; it != nil && it.Kind == KindLimit {
			return true
		}
	}
	return false
}

// advance clears the current slot of every contributing source so the
// next fill pass refills exactly those
func advance(rs *runState, contributors []*Source) {
	for _, src := range contributors {
		rs.slots[src] = nil
	}
}

// emit delivers one merged result to the consumer
func (c *Coordinator) emit(it Item) {
	c.consumer.Result(it.Key, it.Value)
	c.stats.ResultsEmitted.Add(1)
	if c.metrics != nil {
		c.metrics.RecordFoldStep("result")
	}
}

// finish sends the terminal notification, releases the consumer linkage
// and moves the coordinator to its terminal state
func (c *Coordinator) finish(reason string, start time.Time, terminal func(Consumer)) {
	terminal(c.consumer)

	c.mu.Lock()
	c.state = stateDone
	c.consumer = nil
	c.mu.Unlock()

	c.cancel()

	if c.metrics != nil {
		c.metrics.RecordFoldCompletion(reason, time.Since(start), c.stats.ResultsEmitted.Load())
	}
	c.logger.Info("fold completed",
		logging.String("reason", reason),
		logging.Int64("results", c.stats.ResultsEmitted.Load()),
		logging.Duration("took", time.Since(start)))

	close(c.finished)
}

// abort ends the fold without notifying the consumer. Used for external
// termination and for protocol violations, which are fatal: silent repair
// risks handing the consumer a misordered or incomplete merge.
func (c *Coordinator) abort(err error) {
	c.mu.Lock()
	c.state = stateAborted
	c.err = err
	c.consumer = nil
	c.mu.Unlock()

	c.cancel()

	if err == ErrTerminated {
		c.logger.Debug("fold terminated")
	} else {
		c.logger.Error("fold aborted", logging.Error(err))
	}
	if c.metrics != nil {
		c.metrics.RecordFoldAbort()
	}

	close(c.finished)
}
