package availability

import (
	"errors"
	"fmt"

	"salonavail/backend/internal/store"
)

type ValidationError struct {
	msg string
	err error
}

func (e *ValidationError) Error() string {
	return e.msg
}

func (e *ValidationError) Unwrap() error {
	return e.err
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

func wrapValidation(err error) error {
	return &ValidationError{msg: err.Error(), err: err}
}

// failClosed maps anything that is not an expected outcome to
// store.ErrUnavailable so callers never read an infrastructure failure as a
// free slot.
func failClosed(err error) error {
	if err == nil {
		return nil
	}
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrIdempotencyConflict),
		errors.Is(err, store.ErrUnavailable):
		return err
	}
	return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
}
