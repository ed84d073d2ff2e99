package stats

import (
	"strings"
	"sync"
	"testing"
)

func TestIncrCreatesLabelOnFirstUse(t *testing.T) {
	c := New()
	c.Incr("orders", "read", 5)
	s := c.Snapshot("orders")
	if s.Read != 5 {
		t.Fatalf("Read = %d, want 5", s.Read)
	}
	if s.Rows != 0 || s.Errs != 0 {
		t.Fatalf("unexpected non-zero fields: %+v", s)
	}
}

func TestIncrIsConcurrencySafe(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Incr("orders", "rows", 1)
		}()
	}
	wg.Wait()
	if got := c.Snapshot("orders").Rows; got != 100 {
		t.Fatalf("Rows = %d, want 100", got)
	}
}

func TestRowsCanGoNegativeAcrossASplit(t *testing.T) {
	c := New()
	c.Incr("orders", "rows", 2)
	c.Incr("orders", "rows", -5)
	if got := c.Snapshot("orders").Rows; got != -3 {
		t.Fatalf("Rows = %d, want -3 (no negative-value invariant)", got)
	}
}

func TestScopedTimerRecordsOnStop(t *testing.T) {
	c := New()
	timer := c.ScopedTimer("orders")
	timer.Stop()
	timer.Stop() // second Stop must be a no-op, not double-count
	if c.Snapshot("orders").Secs < 0 {
		t.Fatalf("expected non-negative elapsed seconds")
	}
}

func TestScopedTimerRecordsEvenOnPanic(t *testing.T) {
	c := New()
	func() {
		defer func() { recover() }()
		timer := c.ScopedTimer("orders")
		defer timer.Stop()
		panic("boom")
	}()

	found := false
	for _, l := range c.Labels() {
		if l == "orders" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected label %q to be recorded despite panic", "orders")
	}
}

func TestRenderGroupsByPhase(t *testing.T) {
	c := New()
	c.Incr("prepare", "rows", 1)
	c.Incr("orders", "read", 10)
	c.Incr("orders", "rows", 9)
	c.Incr("orders", "errs", 1)
	c.Incr("Create Indexes", "errs", 1)
	c.Incr("Foreign Keys", "rows", 1)

	var buf strings.Builder
	Render(&buf, c,
		[]string{"prepare"},
		[]string{"orders"},
		[]string{"Create Indexes"},
		[]string{"Foreign Keys"},
	)
	out := buf.String()
	for _, want := range []string{"before load", "load", "indexes", "after load", "orders", "total:"} {
		if !strings.Contains(out, want) {
			t.Errorf("Render output missing %q:\n%s", want, out)
		}
	}
}
