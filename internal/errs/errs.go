// Package errs defines the shared error taxonomy used across the reader,
// writer, schema orchestrator and pipeline runtime. Each type carries the
// fatal-vs-recoverable behavior described for it in call sites throughout
// the codebase; this package only defines the shapes, not the policy.
package errs

import (
	"errors"
	"fmt"
)

// ConnectError reports a failure to reach or authenticate against a
// database host. It is fatal wherever it is encountered.
type ConnectError struct {
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DatabaseError reports a DDL/DML/COPY failure reported by PostgreSQL,
// with the SQLSTATE preserved. Its
// fatal/recoverable status depends on the call site: recoverable in the
// writer (triggers batch split), fatal in schema prepare, and reported
// per-statement in schema complete and index builds.
type DatabaseError struct {
	SQLState string
	Message  string
}

func (e *DatabaseError) Error() string {
	if e.SQLState == "" {
		return e.Message
	}
	return fmt.Sprintf("[%s] %s", e.SQLState, e.Message)
}

// DecodeError reports a source-encoding issue (e.g. a byte sequence that is
// invalid in the configured charset). Always recoverable: the caller
// substitutes NULL for the offending cell, logs, and continues.
type DecodeError struct {
	Encoding string
	Position int
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at byte %d (encoding %s): %v", e.Position, e.Encoding, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ParseError reports a malformed source line (e.g. a fixed-width line that
// cannot be split into its declared fields). Always recoverable: the
// caller skips the row, logs, and continues.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NotFoundError reports that a table named by configuration is absent from
// the source. Recoverable at table granularity: the caller skips the
// table and logs at ERROR.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.What)
}

// CancelledError reports external or peer cancellation (a fatal writer
// error closing the queue, or a context cancellation). Terminal but
// clean: the caller rolls back any open transaction and returns without
// treating it as an application failure to report further.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "cancelled"
	}
	return fmt.Sprintf("cancelled: %s", e.Reason)
}

// IsFatal reports whether err belongs to a class that is unconditionally
// fatal regardless of call site (ConnectError), as opposed to the
// context-dependent DatabaseError.
func IsFatal(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}
