// Package writer implements the PostgreSQL writer: it consumes Batches
// from a pipeline queue and streams their rows into PostgreSQL over the
// text COPY protocol, one transaction per batch, splitting and retrying
// batches that fail rather than aborting the whole table.
package writer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jdauphine/loadpg/internal/errs"
	"github.com/jdauphine/loadpg/internal/logging"
	"github.com/jdauphine/loadpg/internal/model"
	"github.com/jdauphine/loadpg/internal/pgsession"
	"github.com/jdauphine/loadpg/internal/stats"
)

// Options configures one table's write session.
type Options struct {
	Columns         []string
	Truncate        bool
	DisableTriggers bool
}

// Result is the outcome of draining a queue for one table.
type Result struct {
	Rows int64
	Errs int64
}

// Writer drives copy_from_queue for one table. A Writer is not safe for
// concurrent use; each CopyFromQueue call acquires its own dedicated
// session from the manager.
type Writer struct {
	mgr     *pgsession.Manager
	table   *model.TableSpec
	options Options
	stats   *stats.Collector
	label   string
}

// New constructs a Writer bound to table, using label to key its stats
// counters (typically the table's name).
func New(mgr *pgsession.Manager, table *model.TableSpec, options Options, collector *stats.Collector, label string) *Writer {
	return &Writer{mgr: mgr, table: table, options: options, stats: collector, label: label}
}

// CopyFromQueue drains queue until it is closed and empty, streaming each
// Batch into PostgreSQL. It returns once the queue is drained or a fatal
// error occurs; fatal errors (anything other than *errs.DatabaseError)
// abort the writer and are returned so the pipeline runtime can cancel the
// reader.
func (w *Writer) CopyFromQueue(ctx context.Context, queue <-chan *model.Batch) (Result, error) {
	session, err := w.mgr.Acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer session.Release()

	if w.options.Truncate {
		if err := w.truncate(ctx, session); err != nil {
			return Result{}, err
		}
	}
	if w.options.DisableTriggers {
		if err := w.setTriggers(ctx, session, false); err != nil {
			return Result{}, err
		}
		defer func() {
			if err := w.setTriggers(context.Background(), session, true); err != nil {
				logging.Warn("writer: re-enabling triggers on %s: %v", w.table.QualifiedName(), err)
			}
		}()
	}

	var result Result
	for {
		select {
		case <-ctx.Done():
			return result, &errs.CancelledError{Reason: ctx.Err().Error()}
		case batch, ok := <-queue:
			if !ok {
				return result, nil
			}
			committed, dropped, fatalErr := w.writeBatch(ctx, session, batch)
			result.Rows += committed
			result.Errs += dropped
			if fatalErr != nil {
				return result, fatalErr
			}
		}
	}
}

func (w *Writer) truncate(ctx context.Context, s *pgsession.Session) error {
	sql := fmt.Sprintf("TRUNCATE %s", w.table.QualifiedName())
	_, err := s.ExecTimed(ctx, w.label, sql, w.stats)
	return err
}

func (w *Writer) setTriggers(ctx context.Context, s *pgsession.Session, enable bool) error {
	verb := "DISABLE"
	if enable {
		verb = "ENABLE"
	}
	sql := fmt.Sprintf("ALTER TABLE %s %s TRIGGER ALL", w.table.QualifiedName(), verb)
	_, err := s.ExecTimed(ctx, w.label, sql, w.stats)
	return err
}

// writeBatch commits batch in its own transaction. On a DatabaseError it
// rolls back and halves the batch, recursing on the two halves until it
// reaches singleton batches, which are dropped, logged and counted as an
// error rather than retried further. Any error that is not a
// DatabaseError (e.g. the connection itself was lost) is fatal and
// returned to the caller without being absorbed into stats.
func (w *Writer) writeBatch(ctx context.Context, s *pgsession.Session, batch *model.Batch) (committed, dropped int64, fatalErr error) {
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		return w.copyIn(ctx, s, batch)
	})
	if err == nil {
		n := int64(batch.Len())
		w.stats.Incr(w.label, "rows", n)
		return n, 0, nil
	}

	var dbErr *errs.DatabaseError
	if !errors.As(err, &dbErr) {
		return 0, 0, err
	}

	if batch.Len() == 1 {
		logging.Error("writer: dropping row %d of %s after batch error: %v (preview: %v)",
			batch.StartOrdinal, w.table.QualifiedName(), err, previewRow(batch.Rows[0]))
		w.stats.Incr(w.label, "errs", 1)
		return 0, 1, nil
	}

	left, right := batch.Split()
	leftCommitted, leftDropped, leftErr := w.writeBatch(ctx, s, left)
	if leftErr != nil {
		return leftCommitted, leftDropped, leftErr
	}
	rightCommitted, rightDropped, rightErr := w.writeBatch(ctx, s, right)
	return leftCommitted + rightCommitted, leftDropped + rightDropped, rightErr
}

func (w *Writer) copyIn(ctx context.Context, s *pgsession.Session, batch *model.Batch) error {
	sql := fmt.Sprintf("COPY %s (%s) FROM STDIN", w.table.QualifiedName(), quotedColumnList(w.options.Columns))
	_, err := s.Conn().PgConn().CopyFrom(ctx, newTextCopyReader(batch.Rows), sql)
	if err != nil {
		return translateCopyError(err)
	}
	return nil
}

// translateCopyError maps a pgconn CopyFrom failure into the shared
// taxonomy: a server-reported error (DDL/DML/COPY rejection, with a
// SQLSTATE) becomes *errs.DatabaseError and is recoverable here; anything
// else (connection loss, context cancellation) is fatal.
func translateCopyError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &errs.DatabaseError{SQLState: pgErr.Code, Message: pgErr.Message}
	}
	if errors.Is(err, context.Canceled) {
		return &errs.CancelledError{Reason: err.Error()}
	}
	return err
}

func quotedColumnList(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += model.QuoteIdentifier(c)
	}
	return out
}

func previewRow(r model.Row) []string {
	out := make([]string, len(r))
	for i, c := range r {
		if c == nil {
			out[i] = "<NULL>"
		} else if len(*c) > 32 {
			out[i] = (*c)[:32] + "..."
		} else {
			out[i] = *c
		}
	}
	return out
}
