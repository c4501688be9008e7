package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents a classified sync failure.
type ErrorCode string

const (
	ErrTimeout             ErrorCode = "timeout"
	ErrRateLimit           ErrorCode = "rate_limit"
	ErrUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrUpstreamAuth        ErrorCode = "upstream_auth"
	ErrContextCancelled    ErrorCode = "context_cancelled"
	ErrParseError          ErrorCode = "parse_error"
	ErrStorageError        ErrorCode = "storage_error"
	ErrProcessingError     ErrorCode = "processing_error"
)

// Stages used when classifying sync failures.
const (
	StageFetch  = "fetch"
	StageMap    = "map"
	StageStore  = "store"
	StageRepair = "repair"
)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// SyncError is a classified failure from one stage of a sync or repair run.
type SyncError struct {
	Code    ErrorCode
	Stage   string
	Message string
	Cause   error
}

func (e *SyncError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// ClassifyError maps err to a *SyncError. Context errors are checked first, then an
// HTTP status carried by the error, then well-known message patterns. Anything else is
// ErrProcessingError. An error that is already a *SyncError is returned unchanged.
func ClassifyError(err error, stage string) *SyncError {
	if err == nil {
		return nil
	}

	var existing *SyncError
	if errors.As(err, &existing) {
		return existing
	}

	se := &SyncError{Stage: stage, Cause: err, Message: err.Error()}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		se.Code = ErrTimeout
		se.Message = "operation timed out"
		return se
	case errors.Is(err, context.Canceled):
		se.Code = ErrContextCancelled
		se.Message = "operation cancelled"
		return se
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if code, ok := codeForStatus(sc.StatusCode()); ok {
			se.Code = code
			return se
		}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, "rate limit", "429", "too many requests"):
		se.Code = ErrRateLimit
	case containsAny(lower, "401", "403", "unauthorized", "forbidden", "invalid api key"):
		se.Code = ErrUpstreamAuth
	case containsAny(lower, "connection refused", "no such host", "unavailable", "503", "502", "504", "connection reset", "eof"):
		se.Code = ErrUpstreamUnavailable
	case containsAny(lower, "timeout", "timed out", "deadline"):
		se.Code = ErrTimeout
	case containsAny(lower, "unmarshal", "invalid character", "cannot parse", "parsing time"):
		se.Code = ErrParseError
	case containsAny(lower, "sqlstate", "pgx", "pool", "duplicate key", "violates"):
		se.Code = ErrStorageError
	default:
		se.Code = ErrProcessingError
	}
	return se
}

func codeForStatus(status int) (ErrorCode, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimit, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUpstreamAuth, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrTimeout, true
	case status >= 500:
		return ErrUpstreamUnavailable, true
	}
	return "", false
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// CodeOf returns the classified code of err, or "" when err is not a *SyncError.
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsErrorRetryable reports whether err is a classified failure worth retrying.
func IsErrorRetryable(err error) bool {
	code := CodeOf(err)
	if code == "" {
		return false
	}
	return IsRetryable(code)
}
