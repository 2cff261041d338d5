package store

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("key already held by an active transfer")
	ErrClosed       = errors.New("store is closed")
)

// ConnectionError reports that the database could not be reached.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return "database unavailable: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PersistenceError reports a failed read or write on a reachable database.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is or wraps a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
