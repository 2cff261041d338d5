package transfer

import (
	"errors"

	"pinrelay/internal/keys"
)

var (
	// ErrInvalidKey is returned for any key that does not resolve to a live
	// transfer. Lookups fail closed to it.
	ErrInvalidKey = errors.New("invalid key")

	ErrKeySpaceExhausted = keys.ErrKeySpaceExhausted
)

// UploadError reports that a staged upload could not be moved to storage.
// The staged file at Path is left in place.
type UploadError struct {
	Key  string
	Path string
	Err  error
}

func (e *UploadError) Error() string {
	return "upload " + e.Key + ": " + e.Err.Error()
}

func (e *UploadError) Unwrap() error { return e.Err }
