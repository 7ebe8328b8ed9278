package store

import "errors"

var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrLeaseHeld is returned when a refresh lease is already held by
	// another caller.
	ErrLeaseHeld = errors.New("credits refresh already in progress")
)
