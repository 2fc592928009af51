// Package errs holds the error kinds shared by every layer of the store.
package errs

import "errors"

var (
	// ErrNotFound is returned when a stream, event or snapshot is not found
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when a stream already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput is returned when request data is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized is returned when access is not authorized
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when an action is forbidden
	ErrForbidden = errors.New("forbidden")

	// ErrConcurrentModification is returned when a version conflict occurs
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInternal is returned for persistence or transport failures
	ErrInternal = errors.New("internal error")
)
