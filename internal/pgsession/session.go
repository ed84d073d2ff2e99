// Package pgsession implements the Pg connection manager: opening and
// closing sessions, applying configured GUCs, scoping transactions, and
// translating driver errors into the shared error taxonomy.
package pgsession

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jdauphine/loadpg/internal/errs"
	"github.com/jdauphine/loadpg/internal/logging"
	"github.com/jdauphine/loadpg/internal/model"
	"github.com/jdauphine/loadpg/internal/stats"
)

// TxnState mirrors the Session states named in the data model: a session
// has no open transaction, has one open, or has had one aborted by a
// failed statement.
type TxnState int

const (
	TxnNone TxnState = iota
	TxnOpen
	TxnAborted
)

// Setting is one (name, value) pair applied via SET [LOCAL].
type Setting struct {
	Name  string
	Value string
}

// Manager opens sessions against one PostgreSQL target and reapplies a
// fixed list of session settings to every new connection.
type Manager struct {
	pool     *pgxpool.Pool
	settings []Setting
}

// Open parses dsn (TCP or local-socket host form) and returns a ready
// Manager backed by a connection pool. Network or authentication failures
// surface as *errs.ConnectError.
func Open(ctx context.Context, dsn string, maxConns int32, settings []Setting) (*Manager, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &errs.ConnectError{Host: dsn, Err: err}
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
		if min := maxConns / 4; min > 0 {
			cfg.MinConns = min
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &errs.ConnectError{Host: dsn, Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &errs.ConnectError{Host: dsn, Err: err}
	}
	return &Manager{pool: pool, settings: settings}, nil
}

// Close releases the underlying pool.
func (m *Manager) Close() {
	m.pool.Close()
}

// Pool exposes the underlying pgxpool for components that need direct
// access to PostgreSQL's COPY or LISTEN/NOTIFY primitives.
func (m *Manager) Pool() *pgxpool.Pool { return m.pool }

// Session wraps one acquired connection plus its transaction state.
type Session struct {
	conn  *pgxpool.Conn
	state TxnState
}

// Acquire checks out a connection and reapplies the manager's configured
// session settings immediately after connect.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, translate(err)
	}
	s := &Session{conn: conn, state: TxnNone}
	if err := s.applySettings(ctx, m.settings, false); err != nil {
		s.Release()
		return nil, err
	}
	return s, nil
}

// Release returns the underlying connection to the pool. It is safe to
// call multiple times.
func (s *Session) Release() {
	if s.conn != nil {
		s.conn.Release()
		s.conn = nil
	}
}

// Conn exposes the raw pgx connection for statements this package does
// not wrap directly (e.g. COPY framing in internal/writer).
func (s *Session) Conn() *pgx.Conn { return s.conn.Conn() }

// WithSession acquires a session, invokes f, and guarantees release on
// every exit path including a panic propagating out of f.
func (m *Manager) WithSession(ctx context.Context, f func(*Session) error) error {
	s, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.Release()
	return f(s)
}

// WithTransaction brackets f with BEGIN/COMMIT, rolling back on any
// failure or cancellation. Nested calls on the same Session fail with an
// error rather than silently no-op'ing, since nested transactions are
// forbidden by contract.
func (s *Session) WithTransaction(ctx context.Context, f func(context.Context) error) error {
	if s.state == TxnOpen {
		return fmt.Errorf("pgsession: nested transaction on this session is forbidden")
	}
	if _, err := s.conn.Exec(ctx, "BEGIN"); err != nil {
		return translate(err)
	}
	s.state = TxnOpen

	if err := f(ctx); err != nil {
		s.rollback(ctx)
		return err
	}

	if ctx.Err() != nil {
		s.rollback(ctx)
		return &errs.CancelledError{Reason: ctx.Err().Error()}
	}

	if _, err := s.conn.Exec(ctx, "COMMIT"); err != nil {
		s.state = TxnAborted
		return translate(err)
	}
	s.state = TxnNone
	return nil
}

func (s *Session) rollback(ctx context.Context) {
	// Use context.Background for the rollback itself: a cancelled ctx
	// must still be able to release the server-side transaction.
	_, err := s.conn.Exec(context.Background(), "ROLLBACK")
	if err != nil {
		logging.Warn("pgsession: rollback failed: %v", err)
	}
	s.state = TxnNone
}

// ApplySettings sets each (name, value) pair via SET [LOCAL] name TO
// 'value'. Pass local=true inside a transaction to scope the setting to
// that transaction only.
func (s *Session) ApplySettings(ctx context.Context, settings []Setting, local bool) error {
	return s.applySettings(ctx, settings, local)
}

func (s *Session) applySettings(ctx context.Context, settings []Setting, local bool) error {
	for _, st := range settings {
		kw := "SET"
		if local {
			kw = "SET LOCAL"
		}
		sql := fmt.Sprintf("%s %s TO %s", kw, model.QuoteIdentifier(st.Name), quoteLiteral(st.Value))
		if _, err := s.conn.Exec(ctx, sql); err != nil {
			return translate(err)
		}
	}
	return nil
}

// ExecTimed executes sql, recording its wall-clock duration under label
// in collector. On a DatabaseError, errs for the label is incremented and
// the label's rows contribution is not recorded.
func (s *Session) ExecTimed(ctx context.Context, label, sql string, collector *stats.Collector) (pgconn.CommandTag, error) {
	timer := collector.ScopedTimer(label)
	defer timer.Stop()

	tag, err := s.conn.Exec(ctx, sql)
	if err != nil {
		var dbErr *errs.DatabaseError
		translated := translate(err)
		if errors.As(translated, &dbErr) {
			collector.Incr(label, "errs", 1)
		}
		return tag, translated
	}
	return tag, nil
}

// quoteLiteral renders s as a single-quoted SQL string literal, doubling
// any embedded single quotes per the SQL standard.
func quoteLiteral(s string) string {
	var b []byte
	b = append(b, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			b = append(b, '\'', '\'')
		} else {
			b = append(b, s[i])
		}
	}
	b = append(b, '\'')
	return string(b)
}

// translate maps a pgx/pgconn-level error into the shared taxonomy.
// Everything PostgreSQL itself rejected (with a SQLSTATE) becomes
// DatabaseError and a timeout becomes ConnectError; any other error is
// returned unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &errs.DatabaseError{SQLState: pgErr.Code, Message: pgErr.Message}
	}
	if pgconn.Timeout(err) {
		return &errs.ConnectError{Err: err}
	}
	return err
}
