// Package apperr defines the error taxonomy shared by all money-moving
// operations. Callers branch on these sentinels with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means a referenced payment, booking or entitlement is absent.
	// Surfaced to the caller, never retried.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized means the actor is not the tenant, provider or owner of
	// the resource.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidState means the operation conflicts with the current state of
	// the resource (confirming a cancelled booking, overdrawing a balance).
	// The enclosing transaction is rolled back with no partial effect.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnmatched means an upstream callback references a transaction we
	// cannot attribute to exactly one pending payment. Recorded for manual
	// reconciliation, never dropped and never surfaced to the gateway.
	ErrUnmatched = errors.New("unmatched upstream reference")
)

// NotFound wraps ErrNotFound with a resource description.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Unauthorized wraps ErrUnauthorized with a reason.
func Unauthorized(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrUnauthorized)
}

// InvalidState wraps ErrInvalidState with a reason.
func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidState)
}

// Unmatched wraps ErrUnmatched with the offending reference.
func Unmatched(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrUnmatched)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnauthorized reports whether err is an authorization error.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsInvalidState reports whether err is a state-conflict error.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsUnmatched reports whether err is an unmatched-callback error.
func IsUnmatched(err error) bool { return errors.Is(err, ErrUnmatched) }
