// Package errors provides domain error types shared across the transcript manager.
//
// Sentinel errors describe conditions such as "not found" or "conflict" and are checked
// with errors.Is. Sync failures are classified into an ErrorCode by ClassifyError so they
// can be stored, counted and retried consistently.
//
// Usage:
//
//	import pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
//
//	return nil, fmt.Errorf("meeting %d: %w", id, pferrors.ErrNotFound)
//
//	if pferrors.IsNotFound(err) {
//	    // respond 404
//	}
package errors

import "errors"

var (
	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the operation collides with current state, such as a sync
	// that is already running.
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("validation error")

	// ErrUnauthorized indicates missing or rejected credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether any error in err's chain is ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsUnauthorized reports whether any error in err's chain is ErrUnauthorized.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
