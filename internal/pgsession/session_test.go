package pgsession

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jdauphine/loadpg/internal/errs"
)

func TestQuoteLiteralDoublesEmbeddedQuotes(t *testing.T) {
	got := quoteLiteral("O'Brien")
	want := "'O''Brien'"
	if got != want {
		t.Errorf("quoteLiteral(%q) = %q, want %q", "O'Brien", got, want)
	}
}

func TestTranslateMapsPgErrorToDatabaseError(t *testing.T) {
	err := translate(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
	var dbErr *errs.DatabaseError
	if !errors.As(err, &dbErr) {
		t.Fatalf("translate did not produce a *errs.DatabaseError: %v", err)
	}
	if dbErr.SQLState != "23505" {
		t.Errorf("SQLState = %q, want %q", dbErr.SQLState, "23505")
	}
}

func TestTranslateNilIsNil(t *testing.T) {
	if translate(nil) != nil {
		t.Error("translate(nil) should return nil")
	}
}

func TestTranslatePassesThroughOtherErrors(t *testing.T) {
	plain := errors.New("boom")
	if got := translate(plain); got != plain {
		t.Errorf("translate(plain) = %v, want unchanged %v", got, plain)
	}
}
