package files

import (
	"context"
	"errors"
	"io"
	"regexp"
	"time"
)

var (
	ErrNotFound  = errors.New("file not found")
	ErrInvalidID = errors.New("invalid file name")
)

// validNamePattern matches stored names such as "K7M3Q-<id>" and their
// archive names (no path traversal possible)
var validNamePattern = regexp.MustCompile(`^[a-zA-Z0-9]+(-[a-zA-Z0-9]+)?(\.zip)?$`)

func validateName(name string) error {
	if name == "" || len(name) > 128 || !validNamePattern.MatchString(name) {
		return ErrInvalidID
	}
	return nil
}

// Object is an opened stored file.
type Object struct {
	io.ReadSeekCloser
	Size    int64
	ModTime time.Time
}

// Storage defines the interface for the medium transfer files live on.
// Save returns the location of the stored file; Open and Remove take it back.
// Callers give every upload a fresh name; FSStorage refuses to overwrite.
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) (location string, size int64, err error)
	Open(ctx context.Context, location string) (*Object, error)
	Remove(ctx context.Context, location string) error
}
