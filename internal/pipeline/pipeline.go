// Package pipeline implements the per-table pipeline runtime: exactly two
// cooperating tasks, a reader (P) and a writer (C), communicating over one
// bounded queue of Batches.
package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/jdauphine/loadpg/internal/errs"
	"github.com/jdauphine/loadpg/internal/logging"
	"github.com/jdauphine/loadpg/internal/model"
	"github.com/jdauphine/loadpg/internal/reader"
	"github.com/jdauphine/loadpg/internal/stats"
)

// BatchControl bounds the queue and the size of the batches flowing
// through it.
type BatchControl struct {
	Rows              int
	Bytes             int
	ConcurrentBatches int
}

// CopyFunc drains the bounded queue into the target table. It is supplied
// by the caller so this package does not depend on internal/writer
// directly, keeping the reader/writer coupling purely at the queue.
type CopyFunc func(ctx context.Context, queue <-chan *model.Batch) error

// Run executes one table's pipeline: it spawns the reader task appending
// rows into batches of up to control.Rows/control.Bytes and pushing full
// batches onto a queue of capacity control.ConcurrentBatches, and the
// writer task draining that queue via cp. Run returns the first fatal
// error from either task, or nil once both have finished cleanly.
//
// Cancellation is cooperative: a fatal error in the writer cancels ctx,
// which the reader observes on its next queue push (or emit call) and
// returns from promptly, flushing no further partial work.
func Run(ctx context.Context, label string, rd reader.Reader, cp CopyFunc, control BatchControl, collector *stats.Collector) error {
	if control.ConcurrentBatches <= 0 {
		control.ConcurrentBatches = 1
	}
	queue := make(chan *model.Batch, control.ConcurrentBatches)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		return runReader(gctx, rd, control, queue)
	})

	g.Go(func() error {
		return cp(gctx, queue)
	})

	err := g.Wait()
	if err != nil {
		var cancelled *errs.CancelledError
		if !isCancelled(err, &cancelled) {
			logging.Error("pipeline: %s failed: %v", label, err)
		}
	}
	return err
}

func isCancelled(err error, target **errs.CancelledError) bool {
	ce, ok := err.(*errs.CancelledError)
	if ok {
		*target = ce
	}
	return ok
}

// runReader drives rd.MapRows, accumulating rows into the in-progress
// batch and pushing it onto queue whenever it reaches control.Rows rows or
// control.Bytes of encoded payload. It flushes any final partial batch
// before returning. A row whose own encoded size alone exceeds
// control.Bytes is still pushed, as a singleton batch.
func runReader(ctx context.Context, rd reader.Reader, control BatchControl, queue chan<- *model.Batch) error {
	current := &model.Batch{}

	emit := func(row model.Row) bool {
		if control.Bytes > 0 && current.Len() > 0 {
			single := &model.Batch{}
			single.Append(row)
			if single.ByteSize() > control.Bytes {
				select {
				case queue <- current:
					current = &model.Batch{StartOrdinal: current.StartOrdinal + int64(len(current.Rows))}
				case <-ctx.Done():
					return false
				}
			}
		}
		current.Append(row)

		full := (control.Rows > 0 && current.Len() >= control.Rows) ||
			(control.Bytes > 0 && current.ByteSize() >= control.Bytes)
		if !full {
			return true
		}

		select {
		case queue <- current:
			current = &model.Batch{StartOrdinal: current.StartOrdinal + int64(len(current.Rows))}
			return true
		case <-ctx.Done():
			return false
		}
	}

	err := rd.MapRows(emit)
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		return &errs.CancelledError{Reason: ctx.Err().Error()}
	}

	if current.Len() > 0 {
		select {
		case queue <- current:
		case <-ctx.Done():
			return &errs.CancelledError{Reason: ctx.Err().Error()}
		}
	}
	return nil
}
