package errors

import (
	"strings"
	"testing"
)

func TestErrorCodeRegistry_Completeness(t *testing.T) {
	codes := []ErrorCode{
		ErrTimeout, ErrRateLimit, ErrUpstreamUnavailable, ErrUpstreamAuth,
		ErrContextCancelled, ErrParseError, ErrStorageError, ErrProcessingError,
	}
	for _, code := range codes {
		info, ok := ErrorCodeRegistry[code]
		if !ok {
			t.Errorf("code %s missing from registry", code)
			continue
		}
		if info.Code != code {
			t.Errorf("registry entry %s has Code %s", code, info.Code)
		}
		if info.Description == "" {
			t.Errorf("code %s has no description", code)
		}
	}
	if len(ErrorCodeRegistry) != len(codes) {
		t.Errorf("registry has %d entries, want %d", len(ErrorCodeRegistry), len(codes))
	}
}

func TestIsRetryable_ErrorCode(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{ErrTimeout, true},
		{ErrRateLimit, true},
		{ErrUpstreamUnavailable, true},
		{ErrStorageError, true},
		{ErrUpstreamAuth, false},
		{ErrContextCancelled, false},
		{ErrParseError, false},
		{ErrProcessingError, false},
		{"unknown", false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.code); got != tt.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestSuggestedActionsNameCommands(t *testing.T) {
	for code, info := range ErrorCodeRegistry {
		if code == ErrContextCancelled || code == ErrProcessingError {
			continue
		}
		if !strings.Contains(info.SuggestedAction, "ftm ") {
			t.Errorf("action for %s should name an ftm command: %q", code, info.SuggestedAction)
		}
	}
	if GetSuggestedAction("unknown") != "" || GetDescription("unknown") != "" {
		t.Error("unknown codes should have empty metadata")
	}
	if GetDescription(ErrRateLimit) == "" {
		t.Error("expected description for rate_limit")
	}
}
