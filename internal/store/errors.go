package store

import "errors"

var (
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("not found")
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
	// ErrUnavailable means the index could not be read or written in time. A
	// caller must treat it as "availability unknown", never as free.
	ErrUnavailable = errors.New("appointment store unavailable")
)
