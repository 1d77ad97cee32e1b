// Package common holds the value/key model and sentinel errors shared by
// every storage-engine package (prime table, expire table, DbSlice,
// snapshot producer, pub/sub store).
package common

import "errors"

// Error kinds returned by core operations, per the error handling design.
var (
	ErrKeyNotFound     = errors.New("key not found")
	ErrWrongType       = errors.New("wrong type for key")
	ErrOutOfMemory     = errors.New("out of memory")
	ErrOutOfRange      = errors.New("value out of range")
	ErrInvalidInt      = errors.New("value is not an integer")
	ErrInvalidFloat    = errors.New("value is not a float")
	ErrInvalidValue    = errors.New("invalid value")
	ErrSkipped         = errors.New("operation skipped")
	ErrBusy            = errors.New("resource busy")
	ErrEmptyKey        = errors.New("empty key")
	ErrUpdaterReleased = errors.New("scoped updater already released")
)
