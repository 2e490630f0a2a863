package storage

import "errors"

var (
	// ErrNotFound is returned when the requested key does not exist in the
	// shared store, e.g. reading the pool state before it was bootstrapped
	// or popping from an empty waitlist.
	ErrNotFound = errors.New("key not found")

	// ErrVersionConflict is returned when a compare-and-swap observed a
	// stored version different from the expected one. The write was not
	// applied; the caller should re-read and retry.
	ErrVersionConflict = errors.New("state version conflict")

	// ErrUnavailable is returned when the shared store cannot be reached.
	// The operation may have had no effect; reads may be served from caches
	// marked as stale instead.
	ErrUnavailable = errors.New("store unavailable")
)
