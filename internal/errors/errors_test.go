package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestIsMatchesCodeThroughWrapping(t *testing.T) {
	sentinel := New(CodeNotFound, "job not found")
	wrapped := fmt.Errorf("lookup: %w", Wrap(CodeStorageFailure, New(CodeNotFound, "row missing"), "query failed"))

	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("expected wrapped error to match NOT_FOUND sentinel")
	}
	if !HasCode(wrapped, CodeStorageFailure) {
		t.Fatalf("expected STORAGE_FAILURE in chain")
	}
	if HasCode(wrapped, CodeConflict) {
		t.Fatalf("unexpected CONFLICT in chain")
	}
	if got := CodeOf(wrapped); got != CodeStorageFailure {
		t.Fatalf("expected outermost code STORAGE_FAILURE, got %s", got)
	}
}

func TestAttributesOverride(t *testing.T) {
	err := New(CodeTimeout, "", WithRetryable(false), WithSeverity(SeverityCritical))
	if err.Retryable() {
		t.Fatalf("expected override to disable retry")
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("unexpected severity %s", err.Severity())
	}
	if err.Message() != "operation timed out" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if !RetryableError(New(CodeTimeout, "slow")) {
		t.Fatalf("expected TIMEOUT to be retryable by default")
	}
}

func TestRegisterAndFallback(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})
	if !RetryableError(New(code, "x")) {
		t.Fatalf("expected registered attributes to apply")
	}
	if attr := AttributesOf("MISSING_CODE"); attr.Severity != SeverityCritical {
		t.Fatalf("expected UNKNOWN fallback, got %+v", attr)
	}
	if MessageOf(Wrap(code, stdErrors.New("boom"), "outer")) != "outer" {
		t.Fatalf("expected MessageOf to strip cause")
	}
}
