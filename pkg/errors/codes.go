package errors

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code            ErrorCode
	Retryable       bool
	Description     string
	SuggestedAction string
}

// ErrorCodeRegistry maps error codes to their metadata.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	ErrTimeout: {
		Code:            ErrTimeout,
		Retryable:       true,
		Description:     "Request to Fathom or the database exceeded its time limit",
		SuggestedAction: "Retry with: ftm sync, or raise fathom.timeout in ~/.ftm/config.yaml",
	},
	ErrRateLimit: {
		Code:            ErrRateLimit,
		Retryable:       true,
		Description:     "Fathom API rate limit exceeded",
		SuggestedAction: "Lower fathom.requests_per_minute and rerun: ftm sync",
	},
	ErrUpstreamUnavailable: {
		Code:            ErrUpstreamUnavailable,
		Retryable:       true,
		Description:     "Fathom API unreachable or returning server errors",
		SuggestedAction: "Check connectivity with: ftm sync --test",
	},
	ErrUpstreamAuth: {
		Code:            ErrUpstreamAuth,
		Retryable:       false,
		Description:     "Fathom rejected the API key",
		SuggestedAction: "Store a valid key with: ftm auth login",
	},
	ErrContextCancelled: {
		Code:            ErrContextCancelled,
		Retryable:       false,
		Description:     "Operation cancelled by user or shutdown",
		SuggestedAction: "Rerun the sync; completed meetings are kept",
	},
	ErrParseError: {
		Code:            ErrParseError,
		Retryable:       false,
		Description:     "Meeting record could not be decoded",
		SuggestedAction: "Inspect the stored errors with: ftm sync status -o json",
	},
	ErrStorageError: {
		Code:            ErrStorageError,
		Retryable:       true,
		Description:     "Database write or read failed",
		SuggestedAction: "Check database health with: ftm db status",
	},
	ErrProcessingError: {
		Code:            ErrProcessingError,
		Retryable:       false,
		Description:     "Unclassified processing failure",
		SuggestedAction: "Rerun with --log-level debug and inspect the logs",
	},
}

// IsRetryable reports whether failures with code are transient.
func IsRetryable(code ErrorCode) bool {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Retryable
	}
	return false
}

// GetSuggestedAction returns the remediation hint for code.
func GetSuggestedAction(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.SuggestedAction
	}
	return ""
}

// GetDescription returns a human-readable description of code.
func GetDescription(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Description
	}
	return ""
}
