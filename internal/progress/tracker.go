// Package progress renders a live progress bar for the row counters that
// internal/stats accumulates while a table loads.
package progress

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/jdauphine/loadpg/internal/stats"
)

// Tracker renders one table's load progress.
type Tracker struct {
	bar       *progressbar.ProgressBar
	total     int64
	current   atomic.Int64
	startTime time.Time
}

// New creates a new progress tracker.
func New() *Tracker {
	return &Tracker{
		startTime: time.Now(),
	}
}

// SetTotal sets the total number of rows expected for this table. A total
// of 0 renders a spinner instead of a percentage bar.
func (t *Tracker) SetTotal(total int64) {
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription("Loading"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add increments the progress counter by n rows.
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// Current returns the current row count.
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Watch polls collector's "rows" counter for label every interval and
// feeds the delta into Add, until ctx is cancelled. It is meant to run in
// its own goroutine alongside a table's pipeline.Run call.
func (t *Tracker) Watch(ctx context.Context, collector *stats.Collector, label string, interval time.Duration) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows := collector.Snapshot(label).Rows
			if delta := rows - last; delta > 0 {
				t.Add(delta)
				last = rows
			}
		}
	}
}

// Finish marks the progress as complete and prints a one-line summary.
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
	}

	elapsed := time.Since(t.startTime)
	rowsPerSec := float64(t.current.Load()) / elapsed.Seconds()

	fmt.Println()
	fmt.Printf("Loaded %d rows in %s (%.0f rows/sec)\n",
		t.current.Load(), elapsed.Round(time.Second), rowsPerSec)
}
