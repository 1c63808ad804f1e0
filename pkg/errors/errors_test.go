package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"google.golang.org/api/googleapi"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		publicMsg string
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, publicMsg: "validation failed", detailsOK: true},
		{code: CodeNotFound, status: http.StatusNotFound, publicMsg: "resource not found"},
		{code: CodeConflict, status: http.StatusConflict, publicMsg: "conflict detected"},
		{code: CodeStateConflict, status: http.StatusUnprocessableEntity, publicMsg: "state transition disallowed", detailsOK: true},
		{code: CodeInvalidOperator, status: http.StatusUnprocessableEntity, publicMsg: "operator not applicable to property", detailsOK: true},
		{code: CodeCanceled, status: http.StatusConflict, publicMsg: "run canceled"},
		{code: CodeRateLimit, status: http.StatusTooManyRequests, publicMsg: "rate limit exceeded", retryable: true},
		{code: CodeInternal, status: http.StatusInternalServerError, publicMsg: "internal server error", retryable: true},
		{code: CodeDependency, status: http.StatusServiceUnavailable, publicMsg: "dependency unavailable", retryable: true, detailsOK: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.PublicMessage != tt.publicMsg {
			t.Fatalf("code %s expected public message %q got %q", tt.code, tt.publicMsg, meta.PublicMessage)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
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

func TestExposeMessageOnlyForCallerErrors(t *testing.T) {
	for _, code := range []Code{CodeValidation, CodeNotFound, CodeRateLimit, CodeInvalidOperator} {
		if !MetadataFor(code).ExposeMessage {
			t.Fatalf("code %s should expose its message", code)
		}
	}
	for _, code := range []Code{CodeInternal, CodeDependency, "SOMETHING_UNKNOWN"} {
		if MetadataFor(code).ExposeMessage {
			t.Fatalf("code %s must keep its public message", code)
		}
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	err := Wrap(CodeDependency, stdErrors.New("dial tcp: refused"), "read events")
	if got := err.Error(); got != "DEPENDENCY_ERROR: read events: dial tcp: refused" {
		t.Fatalf("unexpected error string %q", got)
	}
	if got := Errorf(CodeNotFound, "run %d", 7).Error(); got != "NOT_FOUND: run 7" {
		t.Fatalf("unexpected error string %q", got)
	}
}

func TestCodeOfAndRetryable(t *testing.T) {
	if CodeOf(stdErrors.New("plain")) != CodeInternal {
		t.Fatalf("untyped errors are internal")
	}
	if !Retryable(stdErrors.New("plain")) {
		t.Fatalf("untyped errors are retryable")
	}
	wrapped := fmt.Errorf("worker: %w", New(CodeInvalidOperator, "contains on number"))
	if CodeOf(wrapped) != CodeInvalidOperator || Retryable(wrapped) {
		t.Fatalf("definition errors are final")
	}
	if !Retryable(New(CodeRateLimit, "slow down")) {
		t.Fatalf("rate limits are retryable")
	}
}

func TestAsReturnsTypedError(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeInvalidOperator, "contains on number"))
	if got := As(err); got == nil || got.Code() != CodeInvalidOperator {
		t.Fatalf("As failed to return typed error")
	}
	if !HasCode(err, CodeInvalidOperator) {
		t.Fatalf("HasCode should match wrapped typed error")
	}
	if HasCode(stdErrors.New("plain"), CodeInternal) {
		t.Fatalf("HasCode should not match untyped errors")
	}
	if As(nil) != nil {
		t.Fatalf("As(nil) should return nil")
	}
}

func TestDumpCollectsChainAndPostgresFields(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "aggregate_snapshots_pkey", TableName: "aggregate_snapshots", Message: "duplicate key value"}
	err := Wrap(CodeDependency, fmt.Errorf("upsert snapshot: %w", pgErr), "commit aggregate")

	dump := Dump(err)
	if dump.Code != CodeDependency {
		t.Fatalf("expected dependency code, got %s", dump.Code)
	}
	if len(dump.Chain) != 3 {
		t.Fatalf("expected 3 chain entries, got %d: %v", len(dump.Chain), dump.Chain)
	}
	if dump.Store == nil || dump.Store.System != "postgres" || dump.Store.Code != "23505" || dump.Store.Table != "aggregate_snapshots" {
		t.Fatalf("expected pg fields to be decoded, got %+v", dump.Store)
	}
	if !dump.Retryable {
		t.Fatalf("dependency errors are retryable")
	}
	fields := dump.LogFields()
	if fields["store_system"] != "postgres" || fields["store_name"] != "aggregate_snapshots_pkey" {
		t.Fatalf("unexpected log fields %v", fields)
	}
	if Dump(nil).TopMessage != "" {
		t.Fatalf("expected empty dump for nil")
	}
}

func TestDumpDecodesWarehouseErrors(t *testing.T) {
	chErr := &clickhouse.Exception{Code: 60, Name: "DB::Exception", Message: "Table pulse.events does not exist"}
	dump := Dump(Wrap(CodeDependency, fmt.Errorf("scan events: %w", chErr), "read events"))
	if dump.Store == nil || dump.Store.System != "clickhouse" || dump.Store.Code != "60" {
		t.Fatalf("expected clickhouse fields, got %+v", dump.Store)
	}

	gErr := &googleapi.Error{Code: 403, Message: "quota exceeded", Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded", Message: "Exceeded rate limits"}}}
	dump = Dump(fmt.Errorf("bigquery read: %w", gErr))
	if dump.Store == nil || dump.Store.System != "bigquery" || dump.Store.Name != "quotaExceeded" {
		t.Fatalf("expected bigquery fields, got %+v", dump.Store)
	}
	if dump.Code != "" {
		t.Fatalf("untyped chain should carry no code, got %s", dump.Code)
	}
	if _, ok := dump.LogFields()["error_code"]; ok {
		t.Fatalf("error_code must be omitted for untyped errors")
	}

	if Dump(stdErrors.New("plain")).Store != nil {
		t.Fatalf("plain errors have no store details")
	}
}
