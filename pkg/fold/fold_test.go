package fold

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dd0wney/cluso-lsmfold/pkg/logging"
)

// event is one notification observed by the test consumer
type event struct {
	kind  string // result | limit | done
	key   string
	value string
}

// collector records the merged stream. Events are appended from the
// coordinator goroutine and read after Wait, which synchronizes.
type collector struct {
	events []event
}

func (c *collector) Result(key, value []byte) {
	c.events = append(c.events, event{kind: "result", key: string(key), value: string(value)})
}

func (c *collector) Limit(key []byte) {
	c.events = append(c.events, event{kind: "limit", key: string(key)})
}

func (c *collector) Done() {
	c.events = append(c.events, event{kind: "done"})
}

// newTestCoordinator creates a coordinator with a quiet logger
func newTestCoordinator(t *testing.T) (*Coordinator, *collector) {
	t.Helper()
	cons := &collector{}
	opts := DefaultOptions()
	opts.Logger = logging.NewNopLogger()
	c := NewCoordinator(context.Background(), cons, opts)
	return c, cons
}

// mustSource creates a source handle or fails the test
func mustSource(t *testing.T, c *Coordinator, name string) *Source {
	t.Helper()
	src, err := c.NewSource(name)
	if err != nil {
		t.Fatalf("NewSource(%s) failed: %v", name, err)
	}
	return src
}

// expectEvents compares the consumer's observed stream to want
func expectEvents(t *testing.T, got []event, want []event) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Event count mismatch: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d mismatch: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

// TestDuplicateKeyPriority verifies the highest-priority value wins ties
func TestDuplicateKeyPriority(t *testing.T) {
	c, cons := newTestCoordinator(t)
	a := mustSource(t, c, "A")
	b := mustSource(t, c, "B")

	a.Send([]byte("1"), []byte("x"))
	a.Close()
	b.Send([]byte("1"), []byte("y"))
	b.Close()

	if err := c.Initialize([]*Source{a, b}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	expectEvents(t, cons.events, []event{
		{kind: "result", key: "1", value: "x"},
		{kind: "done"},
	})
}

// TestTombstoneSuppression verifies a deleted key never reaches the consumer
func TestTombstoneSuppression(t *testing.T) {
	c, cons := newTestCoordinator(t)
	a := mustSource(t, c, "A")
	b := mustSource(t, c, "B")

	a.SendTombstone([]byte("1"))
	a.Close()
	b.Send([]byte("1"), []byte("y"))
	b.Close()

	if err := c.Initialize([]*Source{a, b}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	expectEvents(t, cons.events, []event{{kind: "done"}})
}

// TestLimitShortCircuit verifies a winning limit ends the fold even while
// other sources still hold data past the boundary
func TestLimitShortCircuit(t *testing.T) {
	c, cons := newTestCoordinator(t)
	a := mustSource(t, c, "A")
	b := mustSource(t, c, "B")

	a.Send([]byte("1"), []byte("x"))
	a.Send([]byte("5"), []byte("z"))
	a.Close()
	b.SendLimit([]byte("3"))

	if err := c.Initialize([]*Source{a, b}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	// 3 < 5, so the limit wins before A's key 5 is reached
	expectEvents(t, cons.events, []event{
		{kind: "result", key: "1", value: "x"},
		{kind: "limit", key: "3"},
	})
}

// TestInterleavedOrder verifies global key order across sources
func TestInterleavedOrder(t *testing.T) {
	c, cons := newTestCoordinator(t)
	a := mustSource(t, c, "A")
	b := mustSource(t, c, "B")

	a.Send([]byte("2"), []byte("a"))
	a.Close()
	b.Send([]byte("1"), []byte("b"))
	b.Close()

	if err := c.Initialize([]*Source{a, b}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	expectEvents(t, cons.events, []event{
		{kind: "result", key: "1", value: "b"},
		{kind: "result", key: "2", value: "a"},
		{kind: "done"},
	})
}

// TestPriorityOverride verifies an override source wins all ties against
// the sources passed to Initialize
func TestPriorityOverride(t *testing.T) {
	c, cons := newTestCoordinator(t)
	a := mustSource(t, c, "A")
	b := mustSource(t, c, "B")
	o := mustSource(t, c, "C")

	o.Send([]byte("1"), []byte("c"))
	o.Close()
	a.Send([]byte("1"), []byte("a"))
	a.Close()
	b.Send([]byte("1"), []byte("b"))
	b.Close()

	if err := c.SetPriorityOverride(o); err != nil {
		t.Fatalf("SetPriorityOverride failed: %v", err)
	}
	if err := c.Initialize([]*Source{a, b}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	expectEvents(t, cons.events, []event{
		{kind: "result", key: "1", value: "c"},
		{kind: "done"},
	})
}

// TestOverrideReplaced verifies a second override replaces the first
func TestOverrideReplaced(t *testing.T) {
	c, cons := newTestCoordinator(t)
	a := mustSource(t, c, "A")
	o1 := mustSource(t, c, "O1")
	o2 := mustSource(t, c, "O2")

	o1.Send([]byte("1"), []byte("first"))
	o1.Close()
	o2.Send([]byte("1"), []byte("second"))
	o2.Close()
	a.Send([]byte("1"), []byte("a"))
	a.Close()

	c.SetPriorityOverride(o1)
	c.SetPriorityOverride(o2)
	// o1 lost its override slot, so it still needs a place in the order
	if err := c.Initialize([]*Source{a, o1}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	expectEvents(t, cons.events, []event{
		{kind: "result", key: "1", value: "second"},
		{kind: "done"},
	})
}

// TestAllSourcesDone verifies an empty fold emits exactly done
func TestAllSourcesDone(t *testing.T) {
	c, cons := newTestCoordinator(t)
	a := mustSource(t, c, "A")
	b := mustSource(t, c, "B")

	a.Close()
	b.Close()

	if err := c.Initialize([]*Source{a, b}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	expectEvents(t, cons.events, []event{{kind: "done"}})
}

// TestMaskedLimitAtWinningKey verifies a lower-priority limit at the
// winning key still ends the fold after the value is emitted
func TestMaskedLimitAtWinningKey(t *testing.T) {
	c, cons := newTestCoordinator(t)
	a := mustSource(t, c, "A")
	b := mustSource(t, c, "B")

	a.Send([]byte("3"), []byte("v"))
	a.Close()
	b.SendLimit([]byte("3"))

	if err := c.Initialize([]*Source{a, b}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	expectEvents(t, cons.events, []event{
		{kind: "result", key: "3", value: "v"},
		{kind: "limit", key: "3"},
	})
}

// TestQueueFairness verifies a fast source's buffered items are never
// lost while the coordinator waits on a slow source
func TestQueueFairness(t *testing.T) {
	c, cons := newTestCoordinator(t)
	fast := mustSource(t, c, "fast")
	slow := mustSource(t, c, "slow")

	if err := c.Initialize([]*Source{slow, fast}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	go func() {
		for i := 0; i < 50; i++ {
			fast.Send([]byte(fmt.Sprintf("k%04d", i*2)), []byte("fast"))
		}
		fast.Close()
	}()
	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(2 * time.Millisecond)
			slow.Send([]byte(fmt.Sprintf("k%04d", i*20+1)), []byte("slow"))
		}
		slow.Close()
	}()

	if err := c.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	if len(cons.events) != 56 { // 50 fast + 5 slow + done
		t.Fatalf("Expected 56 events, got %d", len(cons.events))
	}
	for i := 1; i < len(cons.events)-1; i++ {
		if cons.events[i].key <= cons.events[i-1].key {
			t.Errorf("Output not strictly increasing at %d: %q <= %q",
				i, cons.events[i].key, cons.events[i-1].key)
		}
	}
	if cons.events[len(cons.events)-1].kind != "done" {
		t.Errorf("Last event should be done, got %+v", cons.events[len(cons.events)-1])
	}
}

// TestDoubleInitialize verifies the second Initialize fails
func TestDoubleInitialize(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a := mustSource(t, c, "A")
	a.Close()

	if err := c.Initialize([]*Source{a}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Initialize(nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("Second Initialize: got %v, want ErrAlreadyInitialized", err)
	}
	if err := c.SetPriorityOverride(a); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("Override after Initialize: got %v, want ErrAlreadyInitialized", err)
	}
	c.Wait()
}

// TestDuplicateSourceRejected verifies Initialize rejects repeated handles
func TestDuplicateSourceRejected(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a := mustSource(t, c, "A")

	if err := c.Initialize([]*Source{a, a}); !errors.Is(err, ErrDuplicateSource) {
		t.Errorf("Initialize with duplicate: got %v, want ErrDuplicateSource", err)
	}
}

// TestForeignSourceRejected verifies handles cannot cross coordinators
func TestForeignSourceRejected(t *testing.T) {
	c1, _ := newTestCoordinator(t)
	c2, _ := newTestCoordinator(t)
	foreign := mustSource(t, c2, "X")

	if err := c1.SetPriorityOverride(foreign); !errors.Is(err, ErrForeignSource) {
		t.Errorf("Override with foreign source: got %v, want ErrForeignSource", err)
	}
	if err := c1.Initialize([]*Source{foreign}); !errors.Is(err, ErrForeignSource) {
		t.Errorf("Initialize with foreign source: got %v, want ErrForeignSource", err)
	}
}

// TestOutOfOrderKeysAbort verifies misordered source streams abort the fold
func TestOutOfOrderKeysAbort(t *testing.T) {
	c, cons := newTestCoordinator(t)
	a := mustSource(t, c, "A")
	b := mustSource(t, c, "B")

	a.Send([]byte("5"), []byte("x"))
	a.Send([]byte("3"), []byte("y")) // out of order
	b.Send([]byte("1"), []byte("z"))

	if err := c.Initialize([]*Source{a, b}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	err := c.Wait()
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Wait: got %v, want ProtocolError", err)
	}
	if perr.Source != a {
		t.Errorf("Violation attributed to %v, want source A", perr.Source.Name())
	}
	for _, ev := range cons.events {
		if ev.kind == "done" || ev.kind == "limit" {
			t.Errorf("Aborted fold must not send a terminal notification, got %+v", ev)
		}
	}
}

// TestSendAfterDoneAborts verifies messages after done are a violation
func TestSendAfterDoneAborts(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a := mustSource(t, c, "A")
	b := mustSource(t, c, "B")

	a.Close()
	a.Send([]byte("1"), []byte("late"))
	// B never finishes so the fold is still waiting when the violation routes

	if err := c.Initialize([]*Source{a, b}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	err := c.Wait()
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Wait: got %v, want ProtocolError", err)
	}
}

// TestTerminate verifies external termination sends nothing to the consumer
func TestTerminate(t *testing.T) {
	c, cons := newTestCoordinator(t)
	a := mustSource(t, c, "A")

	if err := c.Initialize([]*Source{a}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// Coordinator is blocked waiting for A
	c.Terminate()
	if err := c.Wait(); !errors.Is(err, ErrTerminated) {
		t.Fatalf("Wait after Terminate: got %v, want ErrTerminated", err)
	}
	if len(cons.events) != 0 {
		t.Errorf("Terminated fold sent events: %v", cons.events)
	}

	// Sends against a dead fold fail instead of blocking
	if err := a.Send([]byte("1"), []byte("x")); !errors.Is(err, ErrTerminated) {
		t.Errorf("Send after Terminate: got %v, want ErrTerminated", err)
	}
}

// TestTerminateBeforeInitialize verifies Terminate is valid in any state
func TestTerminateBeforeInitialize(t *testing.T) {
	c, cons := newTestCoordinator(t)

	c.Terminate()
	c.Terminate() // idempotent

	if err := c.Wait(); !errors.Is(err, ErrTerminated) {
		t.Fatalf("Wait: got %v, want ErrTerminated", err)
	}
	if err := c.Initialize(nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("Initialize after Terminate: got %v, want ErrAlreadyInitialized", err)
	}
	if len(cons.events) != 0 {
		t.Errorf("Terminated fold sent events: %v", cons.events)
	}
}

// TestContextCancellation verifies a cancelled parent context aborts the
// fold the same way Terminate does
func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cons := &collector{}
	opts := DefaultOptions()
	opts.Logger = logging.NewNopLogger()
	c := NewCoordinator(ctx, cons, opts)
	a, _ := c.NewSource("A")

	if err := c.Initialize([]*Source{a}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	cancel()
	if err := c.Wait(); !errors.Is(err, ErrTerminated) {
		t.Fatalf("Wait after cancel: got %v, want ErrTerminated", err)
	}
	if len(cons.events) != 0 {
		t.Errorf("Cancelled fold sent events: %v", cons.events)
	}
}

// TestStats verifies the counters of a simple fold
func TestStats(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a := mustSource(t, c, "A")
	b := mustSource(t, c, "B")

	a.Send([]byte("1"), []byte("x"))
	a.SendTombstone([]byte("2"))
	a.Close()
	b.Send([]byte("1"), []byte("y"))
	b.Close()

	if err := c.Initialize([]*Source{a, b}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	stats := c.Stats()
	if stats.ResultsEmitted != 1 {
		t.Errorf("ResultsEmitted = %d, want 1", stats.ResultsEmitted)
	}
	if stats.TombstonesDropped != 1 {
		t.Errorf("TombstonesDropped = %d, want 1", stats.TombstonesDropped)
	}
	if stats.SourcesFinished != 2 {
		t.Errorf("SourcesFinished = %d, want 2", stats.SourcesFinished)
	}
	if stats.ItemsReceived != 5 {
		t.Errorf("ItemsReceived = %d, want 5", stats.ItemsReceived)
	}
}
