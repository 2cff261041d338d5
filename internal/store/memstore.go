package store

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	memdb "github.com/hashicorp/go-memdb"
)

const transfersTable = "transfers"

var memSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		transfersTable: {
			Name: transfersTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"key": {
					Name:    "key",
					Indexer: &memdb.StringFieldIndex{Field: "Key"},
				},
				"removed": {
					Name:    "removed",
					Indexer: &memdb.BoolFieldIndex{Field: "Removed"},
				},
				"key_removed": {
					Name: "key_removed",
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Key"},
							&memdb.BoolFieldIndex{Field: "Removed"},
						},
					},
				},
			},
		},
	},
}

// MemStore is an in-memory implementation of Store backed by go-memdb,
// best suited for testing and throwaway deployments.
type MemStore struct {
	db     *memdb.MemDB
	closed atomic.Bool
}

// NewMemStore returns a ready-to-use MemStore.
func NewMemStore() (*MemStore, error) {
	db, err := memdb.NewMemDB(memSchema)
	if err != nil {
		return nil, err
	}
	return &MemStore{db: db}, nil
}

func (m *MemStore) check() error {
	if m.closed.Load() {
		return &ConnectionError{Err: ErrClosed}
	}
	return nil
}

func (m *MemStore) Ping(ctx context.Context) error {
	return m.check()
}

// Records stored in memdb must never be mutated, so callers always get copies.
func clone(t *Transfer) *Transfer {
	c := *t
	return &c
}

func (m *MemStore) FindAll(ctx context.Context, filter Filter) ([]*Transfer, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	txn := m.db.Txn(false)
	defer txn.Abort()

	var (
		it  memdb.ResultIterator
		err error
	)
	if filter.Removed != nil {
		it, err = txn.Get(transfersTable, "removed", *filter.Removed)
	} else {
		it, err = txn.Get(transfersTable, "id")
	}
	if err != nil {
		return nil, &PersistenceError{Op: "find transfers", Err: err}
	}

	var transfers []*Transfer
	for obj := it.Next(); obj != nil; obj = it.Next() {
		transfers = append(transfers, clone(obj.(*Transfer)))
	}
	sort.Slice(transfers, func(i, j int) bool {
		return transfers[i].CreatedAt.Before(transfers[j].CreatedAt)
	})
	return transfers, nil
}

func (m *MemStore) FindOne(ctx context.Context, key string) (*Transfer, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	txn := m.db.Txn(false)
	defer txn.Abort()

	active, err := txn.First(transfersTable, "key_removed", key, false)
	if err != nil {
		return nil, &PersistenceError{Op: "find transfer", Err: err}
	}
	if active != nil {
		return clone(active.(*Transfer)), nil
	}

	it, err := txn.Get(transfersTable, "key", key)
	if err != nil {
		return nil, &PersistenceError{Op: "find transfer", Err: err}
	}
	var newest *Transfer
	for obj := it.Next(); obj != nil; obj = it.Next() {
		t := obj.(*Transfer)
		if newest == nil || t.CreatedAt.After(newest.CreatedAt) {
			newest = t
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return clone(newest), nil
}

func (m *MemStore) Insert(ctx context.Context, t *Transfer) error {
	if err := m.check(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	txn := m.db.Txn(true)
	defer txn.Abort()

	if !t.Removed {
		existing, err := txn.First(transfersTable, "key_removed", t.Key, false)
		if err != nil {
			return &PersistenceError{Op: "insert transfer", Err: err}
		}
		if existing != nil {
			return &PersistenceError{Op: "insert transfer", Err: ErrDuplicateKey}
		}
	}
	if existing, err := txn.First(transfersTable, "id", t.ID); err != nil {
		return &PersistenceError{Op: "insert transfer", Err: err}
	} else if existing != nil {
		return &PersistenceError{Op: "insert transfer", Err: ErrDuplicateKey}
	}

	if err := txn.Insert(transfersTable, clone(t)); err != nil {
		return &PersistenceError{Op: "insert transfer", Err: err}
	}
	txn.Commit()
	return nil
}

func (m *MemStore) Update(ctx context.Context, t *Transfer) error {
	if err := m.check(); err != nil {
		return err
	}
	txn := m.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(transfersTable, "id", t.ID)
	if err != nil {
		return &PersistenceError{Op: "update transfer", Err: err}
	}
	if obj == nil {
		return ErrNotFound
	}
	current := obj.(*Transfer)
	if current.Removed || !t.Removed {
		return nil
	}

	updated := clone(current)
	updated.Removed = true
	if err := txn.Insert(transfersTable, updated); err != nil {
		return &PersistenceError{Op: "update transfer", Err: err}
	}
	txn.Commit()
	return nil
}

func (m *MemStore) Stats(ctx context.Context) (*Stats, error) {
	transfers, err := m.FindAll(ctx, All())
	if err != nil {
		return nil, err
	}
	stats := &Stats{}
	for _, t := range transfers {
		stats.TotalTransfers++
		stats.TotalBytes += t.Size
		if t.Removed {
			stats.RemovedTransfers++
		} else {
			stats.ActiveTransfers++
			stats.ActiveBytes += t.Size
		}
		if stats.OldestTransfer.IsZero() || t.CreatedAt.Before(stats.OldestTransfer) {
			stats.OldestTransfer = t.CreatedAt
		}
		if t.CreatedAt.After(stats.NewestTransfer) {
			stats.NewestTransfer = t.CreatedAt
		}
	}
	return stats, nil
}

func (m *MemStore) Close() error {
	m.closed.Store(true)
	return nil
}
