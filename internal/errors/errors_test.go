package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ghlake/ghlake/pkg/types"
)

func TestPipelineError_Error(t *testing.T) {
	err := New(ErrCategoryStorage, CodeWriteFailed, "write failed")
	expected := "[STORAGE:WRITE_FAILED] write failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestPipelineError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryStorage, CodeWriteFailed, "write failed", cause)
	expected := "[STORAGE:WRITE_FAILED] write failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestPipelineError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryRetention, CodeDeleteFailed, "delete", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestPipelineError_Is(t *testing.T) {
	day := types.MustParseDay("2025-12-03")
	err1 := NewMissingUpstreamError(CodeMissingSilver, types.SilverKey(day))
	err2 := NewWriteError(types.GoldKey(day), fmt.Errorf("boom"))

	if !errors.Is(err1, ErrMissingSilver) {
		t.Error("missing silver error should match the sentinel")
	}
	if errors.Is(err1, ErrMissingGold) {
		t.Error("errors with different codes should not match via Is")
	}
	if !errors.Is(fmt.Errorf("gold: %w", err2), ErrWrite) {
		t.Error("wrapped write error should match the sentinel")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryFetch, CodeFetchFailed, true},
		{ErrCategoryStorage, CodeWriteFailed, true},
		{ErrCategoryStorage, CodeReadFailed, true},
		{ErrCategoryStorage, CodeEncodeFailed, false},
		{ErrCategoryUpstream, CodeMissingSilver, false},
		{ErrCategoryParse, CodeMalformedRecord, false},
		{ErrCategoryRetention, CodeDeleteFailed, true},
		{ErrCategoryLease, CodeLeaseHeld, true},
		{ErrCategoryFeatures, CodeNoHistory, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s:%s", tt.category, tt.code), func(t *testing.T) {
			err := New(tt.category, tt.code, "test")
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestIsRetryable_NonPipelineError(t *testing.T) {
	if IsRetryable(fmt.Errorf("plain error")) {
		t.Error("non-PipelineError should not be retryable")
	}
}

func TestNewFetchError_CarriesHour(t *testing.T) {
	day := types.MustParseDay("2025-12-03")
	err := NewFetchError(day, 13, fmt.Errorf("HTTP 404"))

	if GetCategory(err) != ErrCategoryFetch {
		t.Errorf("category = %q", GetCategory(err))
	}
	if err.Details["hour"] != 13 {
		t.Errorf("hour detail = %v, want 13", err.Details["hour"])
	}
	if err.Details["day"] != "2025-12-03" {
		t.Errorf("day detail = %v", err.Details["day"])
	}
}

func TestIsMissingUpstream(t *testing.T) {
	day := types.MustParseDay("2025-12-03")
	if !IsMissingUpstream(fmt.Errorf("wrapped: %w", NewMissingUpstreamError(CodeMissingSilver, types.SilverKey(day)))) {
		t.Error("expected missing upstream")
	}
	if IsMissingUpstream(NewWriteError(types.GoldKey(day), nil)) {
		t.Error("write error is not missing upstream")
	}
}

func TestGetCategoryAndCode_Plain(t *testing.T) {
	plain := fmt.Errorf("plain")
	if GetCategory(plain) != "" || GetCode(plain) != "" {
		t.Error("plain errors have no category or code")
	}
}
