package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		publicMsg string
		expose    bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, publicMsg: "validation failed", expose: true, detailsOK: true},
		{code: CodeUnauthorized, status: http.StatusUnauthorized, publicMsg: "authentication required", expose: true},
		{code: CodeNotFound, status: http.StatusNotFound, publicMsg: "resource not found", expose: true},
		{code: CodeConflict, status: http.StatusConflict, publicMsg: "conflict detected", expose: true},
		{code: CodeStateConflict, status: http.StatusUnprocessableEntity, publicMsg: "state transition disallowed", expose: true, detailsOK: true},
		{code: CodeRateLimit, status: http.StatusTooManyRequests, publicMsg: "rate limit exceeded", expose: true},
		{code: CodeTooLarge, status: http.StatusRequestEntityTooLarge, publicMsg: "payload too large", expose: true, detailsOK: true},
		{code: CodeDependency, status: http.StatusServiceUnavailable, publicMsg: "dependency unavailable", detailsOK: true},
		{code: CodeInternal, status: http.StatusInternalServerError, publicMsg: "internal server error"},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.PublicMessage != tt.publicMsg {
			t.Fatalf("code %s expected public message %q got %q", tt.code, tt.publicMsg, meta.PublicMessage)
		}
		if meta.ExposeMessage != tt.expose {
			t.Fatalf("code %s expected expose message %v got %v", tt.code, tt.expose, meta.ExposeMessage)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestErrorConstructors(t *testing.T) {
	base := New(CodeValidation, "missing foo")
	if base.Code() != CodeValidation {
		t.Fatalf("expected validation code, got %s", base.Code())
	}
	if base.Message() != "missing foo" {
		t.Fatalf("unexpected message %q", base.Message())
	}
	if base.Details() != nil {
		t.Fatalf("details should be nil by default")
	}

	detail := map[string]any{"field": "foo"}
	base.WithDetails(detail)
	if base.Details() == nil {
		t.Fatalf("details should be preserved")
	}

	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeConflict, cause, "ctx")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	if wrapped.Code() != CodeConflict {
		t.Fatalf("unexpected code %s", wrapped.Code())
	}
}

func TestAsReturnsTypedError(t *testing.T) {
	err := fmt.Errorf("load batch: %w", New(CodeNotFound, "batch not found"))
	if got := As(err); got == nil || got.Code() != CodeNotFound {
		t.Fatalf("As failed to return typed error")
	}
	if As(nil) != nil {
		t.Fatalf("As(nil) should return nil")
	}
}

func TestDumpCollectsChain(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := Wrap(CodeDependency, cause, "load batch")

	d := Dump(err)
	if d.Code != CodeDependency {
		t.Fatalf("expected dependency code, got %s", d.Code)
	}
	if len(d.Chain) != 2 {
		t.Fatalf("expected two chain entries, got %v", d.Chain)
	}
	if Dump(nil).TopMessage != "" {
		t.Fatalf("expected empty dump for nil error")
	}
}

func TestDumpFieldsIncludePGOnlyWhenPresent(t *testing.T) {
	plain := Dump(stdErrors.New("boom")).Fields()
	if _, ok := plain["pg_code"]; ok {
		t.Fatalf("expected no pg fields, got %v", plain)
	}

	pgErr := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23514", ConstraintName: "upload_batches_counters_check"})
	fields := Dump(pgErr).Fields()
	if fields["pg_code"] != "23514" || fields["pg_constraint"] != "upload_batches_counters_check" {
		t.Fatalf("unexpected pg fields %v", fields)
	}
}

func TestFromDBClassifies(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"missing row", gorm.ErrRecordNotFound, CodeNotFound},
		{"unique", &pgconn.PgError{Code: "23505"}, CodeConflict},
		{"check constraint", &pq.Error{Code: "23514"}, CodeStateConflict},
		{"connection", &pgconn.PgError{Code: "08006"}, CodeDependency},
		{"shutdown", &pgconn.PgError{Code: "57P01"}, CodeDependency},
		{"other", stdErrors.New("syntax"), CodeInternal},
		{"already typed", New(CodeUnauthorized, "nope"), CodeUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			typed := As(FromDB(tc.err, "upload not found", "load upload"))
			if typed == nil || typed.Code() != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, typed)
			}
		})
	}

	if FromDB(nil, "missing", "op") != nil {
		t.Fatal("expected nil for nil error")
	}
	if msg := As(FromDB(gorm.ErrRecordNotFound, "batch not found", "load batch")).Message(); msg != "batch not found" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	err := Wrap(CodeDependency, stdErrors.New("dial tcp: refused"), "enqueue batch")
	if got := err.Error(); got != "DEPENDENCY_ERROR: enqueue batch: dial tcp: refused" {
		t.Fatalf("unexpected error string %q", got)
	}
}
