package errs

import (
	"context"
	"errors"
	"fmt"
)

// The closed set of error kinds that cross component boundaries. Callers
// classify with errors.Is against these sentinels; the HTTP layer maps them
// to status codes.
var (
	// ErrInvalid marks malformed input: offset violations, empty selections,
	// unknown content types.
	ErrInvalid = errors.New("invalid")
	// ErrNotFound marks a referenced entity that does not exist under the
	// current scope.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks name collisions, duplicate deterministic IDs, and
	// state-machine violations.
	ErrConflict = errors.New("conflict")
	// ErrForbidden marks tenant-isolation breaches, demo-mode writes, and
	// denylisted hosts.
	ErrForbidden = errors.New("forbidden")
	// ErrUnavailable marks an unreachable backing store or dependency.
	ErrUnavailable = errors.New("unavailable")
	// ErrCanceled marks deadline expiry or explicit cancellation.
	ErrCanceled = errors.New("canceled")
	// ErrInternal marks everything else.
	ErrInternal = errors.New("internal")
)

// Wrap builds an error of the given kind with a formatted message. The kind
// is recoverable via errors.Is.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{kind}, args...)...)
}

// WithKind attaches a kind to an existing error, preserving the original
// chain for errors.Is / errors.As.
func WithKind(kind error, err error) error {
	if err == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Kind returns the sentinel for err, normalizing context errors to
// ErrCanceled and unknown errors to ErrInternal. A nil err returns nil.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrInvalid):
		return ErrInvalid
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrConflict):
		return ErrConflict
	case errors.Is(err, ErrForbidden):
		return ErrForbidden
	case errors.Is(err, ErrUnavailable):
		return ErrUnavailable
	case errors.Is(err, ErrCanceled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ErrCanceled
	default:
		return ErrInternal
	}
}
