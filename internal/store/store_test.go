package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestMemStore(t *testing.T) *MemStore {
	t.Helper()
	st, err := NewMemStore()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// Both backends must satisfy the same contract.
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
	t.Run("memdb", func(t *testing.T) { fn(t, newTestMemStore(t)) })
}

func newTransfer(key string, createdAt time.Time) *Transfer {
	return &Transfer{
		Key:       key,
		Location:  "/data/" + key,
		Size:      128,
		CreatedAt: time.UnixMilli(createdAt.UnixMilli()),
	}
}

func TestStore_InsertAndFindOne(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		tr := newTransfer("K7M3Q", time.Now())

		require.NoError(t, st.Insert(ctx, tr))
		assert.NotEmpty(t, tr.ID)

		got, err := st.FindOne(ctx, "K7M3Q")
		require.NoError(t, err)
		assert.Equal(t, tr.ID, got.ID)
		assert.Equal(t, "/data/K7M3Q", got.Location)
		assert.Equal(t, int64(128), got.Size)
		assert.False(t, got.Removed)
		assert.True(t, tr.CreatedAt.Equal(got.CreatedAt), "created %v, got %v", tr.CreatedAt, got.CreatedAt)
	})
}

func TestStore_FindOneNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		_, err := st.FindOne(context.Background(), "ZZZZZ")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_InsertDuplicateActiveKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Insert(ctx, newTransfer("AAAAA", time.Now())))

		err := st.Insert(ctx, newTransfer("AAAAA", time.Now()))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicateKey)

		var pe *PersistenceError
		assert.True(t, errors.As(err, &pe))
	})
}

func TestStore_KeyReusableAfterRemoval(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		old := newTransfer("BBBBB", time.Now().Add(-2*time.Hour))
		require.NoError(t, st.Insert(ctx, old))

		old.Removed = true
		require.NoError(t, st.Update(ctx, old))

		fresh := newTransfer("BBBBB", time.Now())
		fresh.Location = "/data/BBBBB-new"
		require.NoError(t, st.Insert(ctx, fresh))

		got, err := st.FindOne(ctx, "BBBBB")
		require.NoError(t, err)
		assert.Equal(t, fresh.ID, got.ID)
		assert.False(t, got.Removed)
	})
}

func TestStore_UpdateIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		tr := newTransfer("CCCCC", time.Now())
		require.NoError(t, st.Insert(ctx, tr))

		tr.Removed = true
		require.NoError(t, st.Update(ctx, tr))
		require.NoError(t, st.Update(ctx, tr))

		got, err := st.FindOne(ctx, "CCCCC")
		require.NoError(t, err)
		assert.True(t, got.Removed)

		removed, err := st.FindAll(ctx, RemovedOnly())
		require.NoError(t, err)
		assert.Len(t, removed, 1)
	})
}

func TestStore_UpdateNeverRestores(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		tr := newTransfer("DDDDD", time.Now())
		require.NoError(t, st.Insert(ctx, tr))

		tr.Removed = true
		require.NoError(t, st.Update(ctx, tr))

		tr.Removed = false
		require.NoError(t, st.Update(ctx, tr))

		got, err := st.FindOne(ctx, "DDDDD")
		require.NoError(t, err)
		assert.True(t, got.Removed)
	})
}

func TestStore_UpdateUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		err := st.Update(context.Background(), &Transfer{ID: "missing", Removed: true})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_FindAllFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()
		a := newTransfer("AAAAA", now.Add(-3*time.Minute))
		b := newTransfer("BBBBB", now.Add(-2*time.Minute))
		c := newTransfer("CCCCC", now.Add(-1*time.Minute))
		for _, tr := range []*Transfer{a, b, c} {
			require.NoError(t, st.Insert(ctx, tr))
		}
		b.Removed = true
		require.NoError(t, st.Update(ctx, b))

		active, err := st.FindAll(ctx, Active())
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, "AAAAA", active[0].Key)
		assert.Equal(t, "CCCCC", active[1].Key)

		removed, err := st.FindAll(ctx, RemovedOnly())
		require.NoError(t, err)
		require.Len(t, removed, 1)
		assert.Equal(t, "BBBBB", removed[0].Key)

		all, err := st.FindAll(ctx, All())
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestStore_Stats(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		empty, err := st.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, empty.TotalTransfers)
		assert.True(t, empty.OldestTransfer.IsZero())

		now := time.Now()
		a := newTransfer("AAAAA", now.Add(-time.Hour))
		b := newTransfer("BBBBB", now)
		require.NoError(t, st.Insert(ctx, a))
		require.NoError(t, st.Insert(ctx, b))
		a.Removed = true
		require.NoError(t, st.Update(ctx, a))

		stats, err := st.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.TotalTransfers)
		assert.Equal(t, 1, stats.ActiveTransfers)
		assert.Equal(t, 1, stats.RemovedTransfers)
		assert.Equal(t, int64(256), stats.TotalBytes)
		assert.Equal(t, int64(128), stats.ActiveBytes)
		assert.True(t, stats.OldestTransfer.Equal(a.CreatedAt))
		assert.True(t, stats.NewestTransfer.Equal(b.CreatedAt))
	})
}

func TestStore_PingAfterClose(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Ping(ctx))
		require.NoError(t, st.Close())

		err := st.Ping(ctx)
		require.Error(t, err)
		assert.True(t, IsConnectionError(err))
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	st, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, st.Insert(ctx, newTransfer("EEEEE", time.Now())))
	require.NoError(t, st.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	active, err := reopened.FindAll(ctx, Active())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "EEEEE", active[0].Key)
}

func TestSQLiteStore_UnreachableDatabase(t *testing.T) {
	_, err := NewSQLiteStore(filepath.Join(t.TempDir(), "missing", "dir", "relay.db"))
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}

func TestTransfer_ExpiredBoundary(t *testing.T) {
	created := time.UnixMilli(1_700_000_000_000)
	tr := &Transfer{CreatedAt: created}
	ttl := time.Hour

	assert.False(t, tr.Expired(created.Add(ttl-time.Millisecond), ttl))
	assert.True(t, tr.Expired(created.Add(ttl), ttl))
	assert.True(t, tr.Expired(created.Add(ttl+time.Millisecond), ttl))
}
