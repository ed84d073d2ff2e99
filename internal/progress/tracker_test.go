package progress

import (
	"context"
	"testing"
	"time"

	"github.com/jdauphine/loadpg/internal/stats"
)

func TestWatchFeedsRowDeltasIntoTracker(t *testing.T) {
	c := stats.New()
	tr := New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Watch(ctx, c, "orders", 5*time.Millisecond)
		close(done)
	}()

	c.SetRowsFromResult("orders", 10)
	time.Sleep(30 * time.Millisecond)
	c.SetRowsFromResult("orders", 25)
	time.Sleep(30 * time.Millisecond)

	cancel()
	<-done

	if got := tr.Current(); got != 25 {
		t.Errorf("tracker current = %d, want 25", got)
	}
}

func TestWatchIgnoresNonIncreasingRows(t *testing.T) {
	c := stats.New()
	tr := New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Watch(ctx, c, "orders", 5*time.Millisecond)
		close(done)
	}()

	c.SetRowsFromResult("orders", 10)
	time.Sleep(20 * time.Millisecond)
	c.SetRowsFromResult("orders", 4) // a split un-counting rows; must not go negative
	time.Sleep(20 * time.Millisecond)

	cancel()
	<-done

	if got := tr.Current(); got != 10 {
		t.Errorf("tracker current = %d, want 10 (non-increasing update ignored)", got)
	}
}
