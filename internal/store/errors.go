package store

import "errors"

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert loses to an existing row on a
	// unique key. Detection is explicit: inserts that participate in dedupe
	// use INSERT OR IGNORE and check RowsAffected, never driver error text.
	ErrDuplicate = errors.New("duplicate")
)
