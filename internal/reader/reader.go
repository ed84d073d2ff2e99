// Package reader defines the abstract source Reader contract and its
// concrete implementations: a fixed-width text reader and a MySQL
// reader. Readers are constructed by a factory keyed on URI scheme.
package reader

import (
	"fmt"
	"strings"

	"github.com/jdauphine/loadpg/internal/model"
	"github.com/jdauphine/loadpg/internal/stats"
)

// EmitFunc receives one Row at a time from a Reader. It may block (this is
// the pipeline's backpressure mechanism) and returns true to signal the
// reader should keep going, or false to signal cancellation — the caller
// must then promptly release its source handle and return.
type EmitFunc func(model.Row) (continue_ bool)

// Reader drives traversal of one source, producing rows into emit.
// Implementations must:
//   - increment "read" on every row handed to emit, regardless of acceptance
//   - on a recoverable decode/parse error, increment "errs", log at ERROR,
//     and substitute a null row or null the offending cell rather than
//     aborting the source
//   - preserve row order
//   - stop promptly when emit returns false
type Reader interface {
	MapRows(emit EmitFunc) error

	// WithStats attaches the stats collector and label this reader reports
	// its read/errs counts under. Callers must invoke it before MapRows.
	WithStats(collector *stats.Collector, label string)
}

// Factory constructs a Reader for uri. Recognized schemes: "fixed://",
// "mysql://", "stdin", "inline:<text>", "http://", "https://", and bare
// paths (treated as filename globs).
func NewReader(uri string, opts Options) (Reader, error) {
	switch {
	case strings.HasPrefix(uri, "mysql://"):
		return NewMySQLReader(uri, opts)
	case strings.HasPrefix(uri, "fixed://"):
		return NewFixedWidthReader(strings.TrimPrefix(uri, "fixed://"), opts)
	case uri == "stdin", strings.HasPrefix(uri, "inline:"),
		strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return NewFixedWidthReader(uri, opts)
	default:
		// Bare path or glob: treat as a fixed-width source, the only
		// reader that accepts raw filesystem locations.
		return NewFixedWidthReader(uri, opts)
	}
}

// Options bundles the per-source configuration that both concrete readers
// need: the fixed-width field layout and the encoding/skip-lines for text
// sources, plus the column list and table name for the MySQL reader.
// Columns, when supplied, is consulted by position against each emitted
// row to apply a column's configured TransformFn to its cell.
type Options struct {
	Encoding   string
	SkipLines  int
	Fields     []FieldSpec
	TableName  string
	ColumnList []string
	Columns    []model.ColumnSpec
}

func validate(opts Options) error {
	if opts.Encoding == "" {
		opts.Encoding = "utf-8"
	}
	if opts.SkipLines < 0 {
		return fmt.Errorf("reader: skip-lines must be >= 0, got %d", opts.SkipLines)
	}
	return nil
}
