package reader

import (
	"testing"

	"github.com/jdauphine/loadpg/internal/model"
	"github.com/jdauphine/loadpg/internal/stats"
)

func cellsOf(t *testing.T, row model.Row) []string {
	t.Helper()
	out := make([]string, len(row))
	for i, c := range row {
		if c == nil {
			out[i] = "<NULL>"
		} else {
			out[i] = *c
		}
	}
	return out
}

func TestFixedWidthReaderParsesDeclaredFieldRanges(t *testing.T) {
	// fixed-width input with id@0 len 4, name@4 len 6, amount@10 len 5.
	r, err := NewFixedWidthReader("inline:0001ALICE 00030\n0002BOB   00045\n", Options{
		Fields: []FieldSpec{
			{Name: "id", Start: 0, Length: 4},
			{Name: "name", Start: 4, Length: 6},
			{Name: "amount", Start: 10, Length: 5},
		},
	})
	if err != nil {
		t.Fatalf("NewFixedWidthReader: %v", err)
	}

	var rows [][]string
	err = r.MapRows(func(row model.Row) bool {
		rows = append(rows, cellsOf(t, row))
		return true
	})
	if err != nil {
		t.Fatalf("MapRows: %v", err)
	}

	want := [][]string{
		{"0001", "ALICE ", "00030"},
		{"0002", "BOB   ", "00045"},
	}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows, want %d", len(rows), len(want))
	}
	for i := range want {
		for j := range want[i] {
			if rows[i][j] != want[i][j] {
				t.Errorf("row %d field %d = %q, want %q", i, j, rows[i][j], want[i][j])
			}
		}
	}
}

func TestFixedWidthReaderRaggedLineYieldsNull(t *testing.T) {
	// A line shorter than a declared field range yields NULL for any
	// field entirely beyond the line, and a ragged-right suffix for a
	// field that only partially overruns it.
	r, err := NewFixedWidthReader("inline:0001AL\n", Options{
		Fields: []FieldSpec{
			{Name: "id", Start: 0, Length: 4},
			{Name: "name", Start: 4, Length: 6},
			{Name: "amount", Start: 10, Length: 5},
		},
	})
	if err != nil {
		t.Fatalf("NewFixedWidthReader: %v", err)
	}

	var got model.Row
	err = r.MapRows(func(row model.Row) bool {
		got = row
		return true
	})
	if err != nil {
		t.Fatalf("MapRows: %v", err)
	}

	if got[0] == nil || *got[0] != "0001" {
		t.Errorf("id = %v, want 0001", got[0])
	}
	if got[1] == nil || *got[1] != "AL" {
		t.Errorf("name = %v, want ragged suffix %q", got[1], "AL")
	}
	if got[2] != nil {
		t.Errorf("amount = %v, want NULL", got[2])
	}
}

func TestFixedWidthReaderSkipLines(t *testing.T) {
	r, err := NewFixedWidthReader("inline:HEADER\n0001ALICE\n", Options{
		SkipLines: 1,
		Fields:    []FieldSpec{{Name: "id", Start: 0, Length: 4}},
	})
	if err != nil {
		t.Fatalf("NewFixedWidthReader: %v", err)
	}

	var count int
	err = r.MapRows(func(row model.Row) bool {
		count++
		if *row[0] != "0001" {
			t.Errorf("id = %v, want 0001", row[0])
		}
		return true
	})
	if err != nil {
		t.Fatalf("MapRows: %v", err)
	}
	if count != 1 {
		t.Errorf("emitted %d rows, want 1", count)
	}
}

func TestFixedWidthReaderIncrementsReadRegardlessOfAcceptance(t *testing.T) {
	c := stats.New()
	r, err := NewFixedWidthReader("inline:0001\n0002\n0003\n", Options{
		Fields: []FieldSpec{{Name: "id", Start: 0, Length: 4}},
	})
	if err != nil {
		t.Fatalf("NewFixedWidthReader: %v", err)
	}
	r.WithStats(c, "t")

	seen := 0
	err = r.MapRows(func(row model.Row) bool {
		seen++
		return seen < 2 // cancel after the second row
	})
	if err != nil {
		t.Fatalf("MapRows: %v", err)
	}
	if got := c.Snapshot("t").Read; got != 2 {
		t.Errorf("Read = %d, want 2 (stops promptly on cancellation)", got)
	}
}

func TestFixedWidthReaderSkipsEmptyLineAsParseError(t *testing.T) {
	c := stats.New()
	r, err := NewFixedWidthReader("inline:0001ALICE\n\n0002BOB\n", Options{
		Fields: []FieldSpec{{Name: "id", Start: 0, Length: 4}, {Name: "name", Start: 4, Length: 4}},
	})
	if err != nil {
		t.Fatalf("NewFixedWidthReader: %v", err)
	}
	r.WithStats(c, "t")

	var rows [][]string
	err = r.MapRows(func(row model.Row) bool {
		rows = append(rows, cellsOf(t, row))
		return true
	})
	if err != nil {
		t.Fatalf("MapRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 (the empty line is skipped, not emitted)", len(rows))
	}
	snap := c.Snapshot("t")
	if snap.Read != 3 {
		t.Errorf("Read = %d, want 3 (includes the skipped empty line)", snap.Read)
	}
	if snap.Errs != 1 {
		t.Errorf("Errs = %d, want 1", snap.Errs)
	}
}

func TestFixedWidthReaderRejectsNegativeSkipLines(t *testing.T) {
	if _, err := NewFixedWidthReader("inline:x\n", Options{SkipLines: -1}); err == nil {
		t.Fatal("expected error for negative skip-lines")
	}
}
