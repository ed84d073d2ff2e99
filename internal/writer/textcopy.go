package writer

import (
	"bytes"
	"io"

	"github.com/jdauphine/loadpg/internal/model"
)

// textCopyReader renders a Batch as PostgreSQL's text COPY format and
// exposes it through io.Reader, so it can be streamed directly into
// pgconn's raw CopyFrom without buffering the whole batch as one string.
// Each Row becomes one line of tab-separated cells; nil cells become the
// two-byte NULL marker \N; \t, \n, \r and \\ within a cell are escaped.
type textCopyReader struct {
	rows []model.Row
	buf  bytes.Buffer
	next int
}

func newTextCopyReader(rows []model.Row) *textCopyReader {
	return &textCopyReader{rows: rows}
}

func (r *textCopyReader) Read(p []byte) (int, error) {
	for r.buf.Len() == 0 {
		if r.next >= len(r.rows) {
			return 0, io.EOF
		}
		writeRow(&r.buf, r.rows[r.next])
		r.next++
	}
	return r.buf.Read(p)
}

func writeRow(buf *bytes.Buffer, row model.Row) {
	for i, cell := range row {
		if i > 0 {
			buf.WriteByte('\t')
		}
		if cell == nil {
			buf.WriteString(`\N`)
			continue
		}
		escapeCell(buf, *cell)
	}
	buf.WriteByte('\n')
}

// escapeCell appends s to buf with PostgreSQL text-format escaping applied:
// backslash, tab, newline and carriage return are each escaped with a
// leading backslash.
func escapeCell(buf *bytes.Buffer, s string) {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			buf.WriteString(`\\`)
		case '\t':
			buf.WriteString(`\t`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			buf.WriteByte(c)
		}
	}
}
