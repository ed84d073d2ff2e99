// Package stats implements the per-label counters shared across the
// reader, writer, index kernel and schema orchestrator. A label groups
// related counters under a human-readable key, e.g. "orders" for a
// table's load, or "Foreign Keys" for the schema-complete phase.
package stats

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Counters holds the four fields tracked per label. Fields have no
// negative invariant: Rows may be decremented when a batch fails and its
// rows are un-counted, and may transiently go negative across a split
// before the retried halves re-accept their rows.
type Counters struct {
	Read int64
	Rows int64
	Errs int64
	Secs float64
}

// Collector is a concurrency-safe, label-keyed table of Counters. The
// zero value is not usable; construct with New.
type Collector struct {
	mu     sync.Mutex
	labels map[string]*Counters
}

// New returns an empty Collector.
func New() *Collector {
	return &Collector{labels: make(map[string]*Counters)}
}

func (c *Collector) entry(label string) *Counters {
	e, ok := c.labels[label]
	if !ok {
		e = &Counters{}
		c.labels[label] = e
	}
	return e
}

// Incr adds delta to field ("read", "rows" or "errs") of label, creating
// the label on first use. Increments are commutative and associative and
// safe for concurrent callers.
func (c *Collector) Incr(label, field string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(label)
	switch field {
	case "read":
		e.Read += delta
	case "rows":
		e.Rows += delta
	case "errs":
		e.Errs += delta
	default:
		panic(fmt.Sprintf("stats: unknown field %q", field))
	}
}

// AddTiming adds secs to the elapsed-time total of label.
func (c *Collector) AddTiming(label string, secs float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(label).Secs += secs
}

// SetRowsFromResult sets label's Rows counter to exactly n, overwriting any
// prior value, for a caller that holds a definitive accepted-row count.
func (c *Collector) SetRowsFromResult(label string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(label).Rows = n
}

// Snapshot returns a copy of label's current counters.
func (c *Collector) Snapshot(label string) Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.labels[label]; ok {
		return *e
	}
	return Counters{}
}

// Labels returns the set of labels that have been touched, sorted for
// deterministic reporting.
func (c *Collector) Labels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.labels))
	for l := range c.labels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Timer is a handle returned by ScopedTimer. Stop records the elapsed time
// under the timer's label; only the first call records, later calls are
// no-ops. Stop is typically deferred, so that elapsed time is recorded even
// when the scoped work returns an error or panics.
type Timer struct {
	c       *Collector
	label   string
	started time.Time
	stopped bool
}

// Stop records the elapsed time since the timer was created.
func (t *Timer) Stop() {
	if t.stopped {
		return
	}
	t.stopped = true
	t.c.AddTiming(t.label, time.Since(t.started).Seconds())
}

// ScopedTimer starts a Timer for label. Callers should `defer timer.Stop()`
// immediately so that elapsed time is recorded on every exit path,
// including a panic unwinding through the deferred call.
func (c *Collector) ScopedTimer(label string) *Timer {
	return &Timer{c: c, label: label, started: time.Now()}
}

// Render writes a human-readable summary of every label's counters to w,
// grouped into the four phases of a run, followed by grand totals.
func Render(w io.Writer, c *Collector, before, load, indexes, after []string) {
	section := func(title string, labels []string) {
		if len(labels) == 0 {
			return
		}
		fmt.Fprintf(w, "\n%s:\n", title)
		for _, label := range labels {
			s := c.Snapshot(label)
			fmt.Fprintf(w, "  %-32s read=%s rows=%s errs=%s secs=%.2f\n",
				label,
				humanize.Comma(s.Read),
				humanize.Comma(s.Rows),
				humanize.Comma(s.Errs),
				s.Secs,
			)
		}
	}

	section("before load", before)
	section("load", load)
	section("indexes", indexes)
	section("after load", after)

	var totalRead, totalRows, totalErrs int64
	var totalSecs float64
	for _, label := range c.Labels() {
		s := c.Snapshot(label)
		totalRead += s.Read
		totalRows += s.Rows
		totalErrs += s.Errs
		totalSecs += s.Secs
	}
	fmt.Fprintf(w, "\ntotal: read=%s rows=%s errs=%s secs=%.2f\n",
		humanize.Comma(totalRead), humanize.Comma(totalRows), humanize.Comma(totalErrs), totalSecs)
}
