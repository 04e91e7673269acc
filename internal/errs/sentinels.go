// Package errs defines sentinel errors shared across the sync core.
package errs

import "errors"

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("record not found")
