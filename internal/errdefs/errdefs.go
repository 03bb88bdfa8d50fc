// Package errdefs defines the error taxonomy shared by threadgate packages.
//
// Callers test for a class with errors.Is; constructors wrap the sentinel
// with a formatted detail.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated means no valid caller identity was presented.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotFound means the resource does not exist or is not visible to
	// the caller's tenant.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the resource is not in a state that allows the
	// requested transition.
	ErrConflict = errors.New("conflict")

	// ErrValidation means the request is malformed.
	ErrValidation = errors.New("validation failed")

	// ErrExecution means an approved side effect failed.
	ErrExecution = errors.New("execution failed")
)

// Unauthenticatedf wraps ErrUnauthenticated.
func Unauthenticatedf(format string, args ...any) error {
	return wrap(ErrUnauthenticated, format, args...)
}

// NotFoundf wraps ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// Conflictf wraps ErrConflict.
func Conflictf(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

// Validationf wraps ErrValidation.
func Validationf(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

// Executionf wraps ErrExecution.
func Executionf(format string, args ...any) error {
	return wrap(ErrExecution, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind returns the taxonomy sentinel err belongs to, or nil.
func Kind(err error) error {
	for _, kind := range []error{ErrUnauthenticated, ErrNotFound, ErrConflict, ErrValidation, ErrExecution} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
