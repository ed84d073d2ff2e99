package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/jdauphine/loadpg/internal/errs"
	"github.com/jdauphine/loadpg/internal/model"
	"github.com/jdauphine/loadpg/internal/reader"
	"github.com/jdauphine/loadpg/internal/stats"
)

// fakeReader emits a fixed number of single-cell rows.
type fakeReader struct {
	n int
}

func (f *fakeReader) WithStats(collector *stats.Collector, label string) {}

func (f *fakeReader) MapRows(emit reader.EmitFunc) error {
	for i := 0; i < f.n; i++ {
		v := i
		cell := model.StrPtr(string(rune('0' + v%10)))
		if !emit(model.Row{cell}) {
			return nil
		}
	}
	return nil
}

func TestRunDeliversAllRowsInOrder(t *testing.T) {
	var gotRows []model.Row
	cp := func(ctx context.Context, queue <-chan *model.Batch) error {
		for batch := range queue {
			gotRows = append(gotRows, batch.Rows...)
		}
		return nil
	}

	err := Run(context.Background(), "t", &fakeReader{n: 25}, cp, BatchControl{Rows: 4, ConcurrentBatches: 2}, stats.New())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(gotRows) != 25 {
		t.Fatalf("got %d rows, want 25", len(gotRows))
	}
	for i, row := range gotRows {
		want := string(rune('0' + i%10))
		if *row[0] != want {
			t.Errorf("row %d = %q, want %q (order not preserved)", i, *row[0], want)
		}
	}
}

func TestRunPropagatesWriterFatalErrorAndCancelsReader(t *testing.T) {
	boom := errors.New("connection lost")
	cp := func(ctx context.Context, queue <-chan *model.Batch) error {
		<-queue // consume exactly one batch then fail
		return boom
	}

	err := Run(context.Background(), "t", &fakeReader{n: 100000}, cp, BatchControl{Rows: 1, ConcurrentBatches: 1}, stats.New())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, boom) && err.Error() != boom.Error() {
		t.Errorf("Run error = %v, want %v", err, boom)
	}
}

func TestRunFlushesFinalPartialBatch(t *testing.T) {
	var totalRows int
	cp := func(ctx context.Context, queue <-chan *model.Batch) error {
		for batch := range queue {
			totalRows += batch.Len()
		}
		return nil
	}

	err := Run(context.Background(), "t", &fakeReader{n: 7}, cp, BatchControl{Rows: 4, ConcurrentBatches: 1}, stats.New())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if totalRows != 7 {
		t.Errorf("totalRows = %d, want 7 (final partial batch of 3 must be flushed)", totalRows)
	}
}

func TestRunCancellationReturnsCancelledError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cp := func(ctx context.Context, queue <-chan *model.Batch) error {
		cancel()
		for range queue {
		}
		return &errs.CancelledError{Reason: "writer stopped"}
	}

	err := Run(ctx, "t", &fakeReader{n: 1000}, cp, BatchControl{Rows: 1, ConcurrentBatches: 1}, stats.New())
	var ce *errs.CancelledError
	if !errors.As(err, &ce) {
		t.Fatalf("Run error = %v, want *errs.CancelledError", err)
	}
}
