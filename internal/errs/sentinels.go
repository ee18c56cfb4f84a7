// Package errs contains sentinel errors shared across store and transport
// layers for stable error mapping.
package errs

import "errors"

var (
	// ErrNotFound indicates the referenced slide, comment, user or
	// notification does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates an ownership or role check failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict indicates a uniqueness violation, e.g. duplicate slide
	// coordinates.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates a malformed or unsupported payload rejected
	// before any backend call.
	ErrInvalidInput = errors.New("invalid input")
)
