package store

import (
	"context"
	"time"
)

// Transfer is the metadata record of one uploaded file.
type Transfer struct {
	ID        string
	Key       string
	Location  string
	Size      int64
	CreatedAt time.Time
	Removed   bool
}

// Expired reports whether the transfer has lived for at least ttl at now.
func (t *Transfer) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(t.CreatedAt) >= ttl
}

// Filter selects transfers by their removed flag. A nil Removed matches all.
type Filter struct {
	Removed *bool
}

func (f Filter) matches(t *Transfer) bool {
	return f.Removed == nil || *f.Removed == t.Removed
}

var (
	removedTrue  = true
	removedFalse = false
)

// All matches every transfer.
func All() Filter { return Filter{} }

// Active matches transfers that have not been removed.
func Active() Filter { return Filter{Removed: &removedFalse} }

// RemovedOnly matches transfers that have been removed.
func RemovedOnly() Filter { return Filter{Removed: &removedTrue} }

// Stats contains aggregate statistics about stored transfers.
type Stats struct {
	TotalTransfers   int
	ActiveTransfers  int
	RemovedTransfers int
	TotalBytes       int64
	ActiveBytes      int64
	OldestTransfer   time.Time
	NewestTransfer   time.Time
}

// Store defines the interface for transfer persistence.
//
// Insert fails with ErrDuplicateKey when a transfer that is not removed
// already holds the key. Update only ever moves Removed from false to true,
// so applying it twice is a no-op.
type Store interface {
	Ping(ctx context.Context) error
	FindAll(ctx context.Context, filter Filter) ([]*Transfer, error)
	FindOne(ctx context.Context, key string) (*Transfer, error)
	Insert(ctx context.Context, t *Transfer) error
	Update(ctx context.Context, t *Transfer) error
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
