package domain

import "errors"

var (
	// ErrValidation marks malformed input rejected before it reaches the store.
	ErrValidation = errors.New("validation failed")
	// ErrConflict is returned when a short code or alias is already taken.
	ErrConflict = errors.New("short code already exists")
	// ErrNotFound is returned for unknown, deleted or stale short codes.
	ErrNotFound = errors.New("link not found")
	// ErrExhausted is returned when no free short code was found within the retry bound.
	ErrExhausted = errors.New("short code generation exhausted")
	// ErrTransientStorage wraps backend failures that are safe to retry.
	ErrTransientStorage = errors.New("transient storage error")
)
