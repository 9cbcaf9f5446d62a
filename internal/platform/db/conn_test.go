package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
)

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Fatalf("expected nil tx, got %v", tx)
	}
	if conn := ConnFromContext(context.Background()); conn != nil {
		t.Fatalf("expected nil conn, got %v", conn)
	}
}

func TestIsForeignKeyViolation(t *testing.T) {
	fk := &pgconn.PgError{Code: "23503"}
	if !IsForeignKeyViolation(fk) {
		t.Error("expected 23503 to be a foreign key violation")
	}
	if !IsForeignKeyViolation(fmt.Errorf("insert bill: %w", fk)) {
		t.Error("expected wrapped 23503 to be detected")
	}
	if IsForeignKeyViolation(&pgconn.PgError{Code: "23505"}) {
		t.Error("unique violation must not be reported as FK violation")
	}
	if IsForeignKeyViolation(errors.New("boom")) {
		t.Error("plain error must not be reported as FK violation")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Error("expected 23505 to be a unique violation")
	}
	if IsUniqueViolation(nil) {
		t.Error("nil must not be a unique violation")
	}
}

func TestSchemaPattern(t *testing.T) {
	valid := []string{"public", "clinic", "clinic_2024", "_staging"}
	for _, s := range valid {
		if !schemaPattern.MatchString(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	invalid := []string{"", "1clinic", "clinic;drop", "a-b", "x y"}
	for _, s := range invalid {
		if schemaPattern.MatchString(s) {
			t.Errorf("expected %q to be rejected", s)
		}
	}
}

func TestIsNumericOverflow(t *testing.T) {
	if !IsNumericOverflow(fmt.Errorf("recompute total: %w", &pgconn.PgError{Code: "22003"})) {
		t.Error("expected wrapped 22003 to be detected")
	}
	if IsNumericOverflow(&pgconn.PgError{Code: "23503"}) {
		t.Error("FK violation must not be reported as numeric overflow")
	}
	if IsNumericOverflow(errors.New("plain")) {
		t.Error("non-pg error must not be reported as numeric overflow")
	}
}

func TestConnMiddleware_SkippedPathLeavesContextAlone(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())

	// A nil pool would panic if the middleware tried to acquire.
	mw := ConnMiddleware(nil, "/health")
	err := mw(func(c echo.Context) error {
		if ConnFromContext(c.Request().Context()) != nil {
			t.Error("expected no connection on a skipped path")
		}
		return c.NoContent(http.StatusOK)
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
