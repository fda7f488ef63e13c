package store

import "errors"

var (
	// ErrNotFound is returned when a schedule, run or dispatch does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable is returned when the backend cannot be reached. Callers
	// treat it as transient and surface it as a 503, never as data loss.
	ErrUnavailable = errors.New("store: storage unavailable")
)
