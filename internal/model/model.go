// Package model defines the data entities shared by every component of a
// migration run: connection specs, column/table/index specs, and the
// row/batch shapes that flow through the pipeline queue.
package model

import (
	"fmt"
	"strings"
)

// TLSMode selects how a ConnectionSpec negotiates transport security.
type TLSMode string

const (
	TLSOff     TLSMode = "off"
	TLSPrefer  TLSMode = "prefer"
	TLSRequire TLSMode = "require"
)

// ConnectionSpec identifies a database endpoint. It is immutable once
// constructed from a parsed URI or DSN.
type ConnectionSpec struct {
	Host     string // TCP host[:port], or "unix:/path/to/socket/dir"
	User     string
	Password string
	DBName   string
	TLSMode  TLSMode
}

// IsUnixSocket reports whether Host names a local socket directory rather
// than a TCP host.
func (c ConnectionSpec) IsUnixSocket() bool {
	return strings.HasPrefix(c.Host, "unix:")
}

// SocketDir returns the socket directory path when IsUnixSocket is true.
func (c ConnectionSpec) SocketDir() string {
	return strings.TrimPrefix(c.Host, "unix:")
}

// ColumnSpec describes one column of a target table and, where relevant,
// the source column it is populated from. TransformFn, when non-nil, is
// applied to each cell emitted for this column before it is framed into a
// Batch.
type ColumnSpec struct {
	Name        string
	SourceType  string
	TargetType  string
	Nullable    bool
	Default     string
	TransformFn func(string) string
}

// IndexSpec describes one index or constraint to be created on a table.
// Name may be rewritten to include the table's oid, to resolve cross-table
// name collisions (see Uniquify), before its index build is submitted.
type IndexSpec struct {
	Name           string
	Table          *TableSpec
	Primary        bool
	Unique         bool
	SQL            string // CREATE INDEX statement template; %s is replaced with the resolved, quoted index name
	ConstraintName string
	ConstraintDef  string // e.g. "PRIMARY KEY (id)" or "FOREIGN KEY (a) REFERENCES b(c)"
}

// Uniquify rewrites idx.Name to include the table's oid, guaranteeing
// schema-wide uniqueness once Table.OID has been assigned.
func (idx *IndexSpec) Uniquify() {
	if idx.Table == nil || idx.Table.OID == 0 {
		return
	}
	idx.Name = fmt.Sprintf("%s_%d", idx.Name, idx.Table.OID)
}

// TableSpec describes one target table: its qualified name, its columns in
// COPY order, and the indexes to be built after loading. OID is filled in
// once by the schema orchestrator after CREATE TABLE.
type TableSpec struct {
	Schema  string
	Name    string
	Columns []ColumnSpec
	Indexes []IndexSpec
	OID     uint32
}

// QualifiedName returns "schema.table", quoting each identifier.
func (t *TableSpec) QualifiedName() string {
	if t.Schema == "" {
		return QuoteIdentifier(t.Name)
	}
	return QuoteIdentifier(t.Schema) + "." + QuoteIdentifier(t.Name)
}

// ColumnNames returns the column names in COPY order, unquoted.
func (t *TableSpec) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// MaxIndexFanout returns the largest number of IndexSpecs on any one table
// across tables, used to size the index kernel's worker pool.
func MaxIndexFanout(tables []*TableSpec) int {
	max := 0
	for _, t := range tables {
		if n := len(t.Indexes); n > max {
			max = n
		}
	}
	return max
}

// Row is one ordered sequence of nullable cell values, already rendered to
// their textual COPY representation. A nil entry means SQL NULL.
type Row []*string

// Batch is a contiguous group of Rows loaded in a single transaction. The
// pipeline runtime closes a batch once it reaches its configured row or
// byte limit; Batch itself enforces no cap.
// StartOrdinal is the zero-based ordinal, within the table, of the first
// row in the batch; it is used only for error/log attribution.
type Batch struct {
	Rows         []Row
	StartOrdinal int64
	byteSize     int
}

// Len returns the number of rows currently buffered in the batch.
func (b *Batch) Len() int { return len(b.Rows) }

// ByteSize returns the running total of encoded payload bytes.
func (b *Batch) ByteSize() int { return b.byteSize }

// Append adds a row to the batch, tracking its approximate encoded size.
func (b *Batch) Append(r Row) {
	b.Rows = append(b.Rows, r)
	for _, cell := range r {
		if cell != nil {
			b.byteSize += len(*cell) + 1
		} else {
			b.byteSize += 2 // "\N"
		}
	}
}

// Split divides the batch into two halves of roughly equal length. It is
// only valid for batches of length > 1.
func (b *Batch) Split() (*Batch, *Batch) {
	mid := len(b.Rows) / 2
	left := &Batch{Rows: b.Rows[:mid], StartOrdinal: b.StartOrdinal}
	right := &Batch{Rows: b.Rows[mid:], StartOrdinal: b.StartOrdinal + int64(mid)}
	for _, r := range left.Rows {
		left.recount(r)
	}
	for _, r := range right.Rows {
		right.recount(r)
	}
	return left, right
}

func (b *Batch) recount(r Row) {
	for _, cell := range r {
		if cell != nil {
			b.byteSize += len(*cell) + 1
		} else {
			b.byteSize += 2
		}
	}
}

// StrPtr is a convenience constructor for a non-NULL Row cell.
func StrPtr(s string) *string { return &s }
