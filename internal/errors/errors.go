// Package errors holds sentinel errors shared by storage callers.
package errors

import "errors"

var (
	// ErrDuplicateKey is returned when a unique column already holds the value.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
)
