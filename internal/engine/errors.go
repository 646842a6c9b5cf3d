// Package engine holds the error taxonomy shared by the layout and permission
// components. Every component wraps one of the sentinel kinds below so callers
// can branch with errors.Is regardless of which layer produced the failure.
package engine

import (
	"errors"
	"fmt"
)

// Sentinel error kinds
var (
	// ErrValidation is returned for missing or malformed input (entity type,
	// layout type, payload shape). It is raised before any lookup happens.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when no metadata exists for an entity type
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied is returned when the principal lacks the required grant
	ErrPermissionDenied = errors.New("permission denied")

	// ErrVersionConflict is returned when a save carries a stale version
	ErrVersionConflict = errors.New("version conflict")

	// ErrUpstreamUnavailable is returned when a metadata, permission or
	// layout-store lookup times out or fails
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrTrackingFailure marks interaction/feedback write failures. These are
	// logged by the tracker and never returned to request handlers.
	ErrTrackingFailure = errors.New("tracking failure")
)

// Error decorates a sentinel kind with the operation that failed
type Error struct {
	Kind error
	Op   string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap lets errors.Is match both the kind and the underlying cause
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// E builds an *Error for the given kind and operation
func E(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf is a shorthand for validation errors with a formatted message
func Validationf(op, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err is of the given kind
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}

// KindOf returns the sentinel kind carried by err, or nil if err is not
// part of the taxonomy
func KindOf(err error) error {
	for _, kind := range []error{
		ErrValidation,
		ErrNotFound,
		ErrPermissionDenied,
		ErrVersionConflict,
		ErrUpstreamUnavailable,
		ErrTrackingFailure,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
