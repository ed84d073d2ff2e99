package reader

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/jdauphine/loadpg/internal/errs"
	"github.com/jdauphine/loadpg/internal/logging"
	"github.com/jdauphine/loadpg/internal/model"
	"github.com/jdauphine/loadpg/internal/stats"
)

// FieldSpec names one fixed-width field's byte range [Start, Start+Length)
// within a line.
type FieldSpec struct {
	Name   string
	Start  int
	Length int
}

// FixedWidthReader reads records from one or more encoded byte streams:
// stdin, an inline block, a filesystem path, an HTTP(S) URI, or a glob.
type FixedWidthReader struct {
	sources   []string // resolved list of paths/URIs/"stdin"/"inline" to read in order
	inline    string   // used when the input itself is the literal block, not a locator
	fields    []FieldSpec
	columns   []model.ColumnSpec // matched to fields by position, for per-column TransformFn
	skipLines int
	decoder   *encoding.Decoder
	stats     *stats.Collector
	label     string
}

// NewFixedWidthReader resolves loc (a path, glob, "stdin", "inline:<text>",
// or http(s):// URI) into a concrete FixedWidthReader.
func NewFixedWidthReader(loc string, opts Options) (*FixedWidthReader, error) {
	if err := validate(opts); err != nil {
		return nil, err
	}
	r := &FixedWidthReader{
		fields:    toFieldSpecs(opts.Fields),
		columns:   opts.Columns,
		skipLines: opts.SkipLines,
		decoder:   decoderFor(opts.Encoding),
	}

	switch {
	case strings.HasPrefix(loc, "inline:"):
		r.inline = strings.TrimPrefix(loc, "inline:")
	case loc == "stdin":
		r.sources = []string{"stdin"}
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		r.sources = []string{loc}
	default:
		matches, err := filepath.Glob(loc)
		if err != nil {
			return nil, fmt.Errorf("reader: invalid glob %q: %w", loc, err)
		}
		if len(matches) == 0 {
			matches = []string{loc}
		}
		r.sources = matches
	}
	return r, nil
}

func toFieldSpecs(fs []FieldSpec) []FieldSpec {
	out := make([]FieldSpec, len(fs))
	copy(out, fs)
	return out
}

func decoderFor(name string) *encoding.Decoder {
	switch strings.ToLower(name) {
	case "latin1", "iso-8859-1", "iso8859-1":
		return charmap.ISO8859_1.NewDecoder()
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder()
	default:
		return nil // utf-8 (and unrecognized names) pass through unchanged
	}
}

// WithStats implements Reader.
func (r *FixedWidthReader) WithStats(collector *stats.Collector, label string) {
	r.stats = collector
	r.label = label
}

// MapRows implements Reader.
func (r *FixedWidthReader) MapRows(emit EmitFunc) error {
	if r.inline != "" {
		return r.mapLines(strings.NewReader(r.inline), emit)
	}
	for _, src := range r.sources {
		if err := r.mapOneSource(src, emit); err != nil {
			return err
		}
	}
	return nil
}

func (r *FixedWidthReader) mapOneSource(src string, emit EmitFunc) error {
	rc, err := r.open(src)
	if err != nil {
		return err
	}
	defer rc.Close()
	return r.mapLines(rc, emit)
}

func (r *FixedWidthReader) open(src string) (io.ReadCloser, error) {
	switch {
	case src == "stdin":
		return io.NopCloser(os.Stdin), nil
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		resp, err := http.Get(src)
		if err != nil {
			return nil, &errs.ConnectError{Host: src, Err: err}
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, &errs.NotFoundError{What: src}
		}
		return resp.Body, nil
	default:
		f, err := os.Open(src)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &errs.NotFoundError{What: src}
			}
			return nil, err
		}
		return f, nil
	}
}

func (r *FixedWidthReader) mapLines(src io.Reader, emit EmitFunc) error {
	if r.decoder != nil {
		src = transform.NewReader(src, r.decoder)
	}
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= r.skipLines {
			continue
		}
		line := scanner.Text()
		if len(line) == 0 {
			logging.Error("reader: %v", &errs.ParseError{Line: lineNo, Err: fmt.Errorf("empty line cannot be split into declared fields")})
			r.incr("read", 1)
			r.incr("errs", 1)
			continue
		}
		row := r.parseLine(line, lineNo)
		r.incr("read", 1)
		if !emit(row) {
			return nil
		}
	}
	return scanner.Err()
}

// parseLine extracts each declared field from line. A field whose start is
// beyond the line's length yields NULL. A field whose declared range runs
// past the end of a too-short line takes the available ragged-right
// suffix instead of failing. A non-NULL cell is passed through the
// matching column's TransformFn, if one is configured.
func (r *FixedWidthReader) parseLine(line string, lineNo int) model.Row {
	row := make(model.Row, len(r.fields))
	for i, f := range r.fields {
		if f.Start >= len(line) {
			row[i] = nil
			continue
		}
		end := f.Start + f.Length
		if end > len(line) {
			end = len(line)
		}
		cell := line[f.Start:end]
		if fn := r.transformFor(i); fn != nil {
			cell = fn(cell)
		}
		row[i] = model.StrPtr(cell)
	}
	return row
}

// transformFor returns the TransformFn configured for the column at
// position i, matching columns to fields by order, or nil if none applies.
func (r *FixedWidthReader) transformFor(i int) func(string) string {
	if i >= len(r.columns) {
		return nil
	}
	return r.columns[i].TransformFn
}

func (r *FixedWidthReader) incr(field string, n int64) {
	if r.stats != nil {
		r.stats.Incr(r.label, field, n)
	}
}
