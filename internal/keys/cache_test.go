package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pinrelay/internal/store"
)

type fakeLister struct {
	transfers []*store.Transfer
	err       error
	filter    store.Filter
}

func (f *fakeLister) FindAll(ctx context.Context, filter store.Filter) ([]*store.Transfer, error) {
	f.filter = filter
	return f.transfers, f.err
}

// sequence returns the given candidates in order, then falls back to a counter.
func sequence(candidates ...string) Generator {
	var mu sync.Mutex
	i := 0
	return GeneratorFunc(func(length int) string {
		mu.Lock()
		defer mu.Unlock()
		i++
		if i <= len(candidates) {
			return candidates[i-1]
		}
		return fmt.Sprintf("%05d", i)
	})
}

func TestCache_LoadActiveKeys(t *testing.T) {
	c := NewCache()
	src := &fakeLister{transfers: []*store.Transfer{{Key: "AAAAA"}, {Key: "BBBBB"}}}

	require.NoError(t, c.Load(context.Background(), src))

	require.NotNil(t, src.filter.Removed)
	assert.False(t, *src.filter.Removed)
	assert.True(t, c.Contains("AAAAA"))
	assert.True(t, c.Contains("BBBBB"))
	assert.False(t, c.Contains("CCCCC"))
	assert.Equal(t, 2, c.Len())
}

func TestCache_LoadFailureLeavesEmpty(t *testing.T) {
	c := NewCache()
	c.MarkActive("AAAAA")

	err := c.Load(context.Background(), &fakeLister{err: errors.New("db down")})
	require.Error(t, err)
	assert.Zero(t, c.Len())
	assert.False(t, c.Contains("AAAAA"))
}

func TestCache_ReserveSkipsTakenKeys(t *testing.T) {
	c := NewCache()
	c.MarkActive("AAAAA")

	key, err := c.Reserve(sequence("AAAAA", "AAAAA", "BBBBB"), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, "BBBBB", key)
	assert.True(t, c.Contains("BBBBB"))
	assert.Equal(t, 1, c.Pending())
}

func TestCache_ReserveGivesUp(t *testing.T) {
	c := NewCache()
	c.MarkActive("AAAAA")

	_, err := c.Reserve(GeneratorFunc(func(int) string { return "AAAAA" }), 5, 10)
	assert.ErrorIs(t, err, ErrKeySpaceExhausted)
}

func TestCache_ConcurrentReserveNeverCollides(t *testing.T) {
	c := NewCache()

	// A shrinking pool of candidates full of duplicates.
	var mu sync.Mutex
	pool := []string{}
	for i := 0; i < 200; i++ {
		pool = append(pool, fmt.Sprintf("K%04d", i%50))
	}
	gen := GeneratorFunc(func(int) string {
		mu.Lock()
		defer mu.Unlock()
		if len(pool) == 0 {
			return fmt.Sprintf("X%04d", time.Now().UnixNano()%10000)
		}
		k := pool[len(pool)-1]
		pool = pool[:len(pool)-1]
		return k
	})

	const workers = 40
	results := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := c.Reserve(gen, 5, 0)
			if err == nil {
				results <- key
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for key := range results {
		assert.False(t, seen[key], "key %s issued twice", key)
		seen[key] = true
	}
	assert.Len(t, seen, workers)
}

func TestCache_CommitKeepsKeyPastSweep(t *testing.T) {
	c := NewCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	committed, err := c.Reserve(sequence("AAAAA"), 5, 0)
	require.NoError(t, err)
	abandoned, err := c.Reserve(sequence("BBBBB"), 5, 0)
	require.NoError(t, err)
	c.Commit(committed)

	now = now.Add(20 * time.Minute)
	swept := c.SweepPending(15 * time.Minute)

	assert.Equal(t, []string{abandoned}, swept)
	assert.True(t, c.Contains(committed))
	assert.False(t, c.Contains(abandoned))
}

func TestCache_SweepKeepsFreshReservations(t *testing.T) {
	c := NewCache()
	_, err := c.Reserve(sequence("AAAAA"), 5, 0)
	require.NoError(t, err)

	assert.Empty(t, c.SweepPending(time.Minute))
	assert.True(t, c.Contains("AAAAA"))
}

func TestCache_Refresh(t *testing.T) {
	c := NewCache()
	c.MarkActive("AAAAA")
	c.MarkActive("BBBBB")

	c.Refresh([]string{"AAAAA", "ZZZZZ"})

	assert.False(t, c.Contains("AAAAA"))
	assert.True(t, c.Contains("BBBBB"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_MergeKeepsReservations(t *testing.T) {
	c := NewCache()
	require.Error(t, c.Load(context.Background(), &fakeLister{err: errors.New("connection refused")}))
	reserved, err := c.Reserve(sequence("CCCCC"), 5, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Merge([]string{"AAAAA", "BBBBB"}))
	assert.Equal(t, 0, c.Merge([]string{"AAAAA"}), "already active")

	assert.True(t, c.Contains("AAAAA"))
	assert.True(t, c.Contains("BBBBB"))
	assert.True(t, c.Contains(reserved))
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 1, c.Pending())
}

func TestCache_MergePromotesReservedKey(t *testing.T) {
	c := NewCache()
	key, err := c.Reserve(sequence("AAAAA"), 5, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, c.Merge([]string{key}))
	assert.Equal(t, 0, c.Pending())
	assert.False(t, c.Release(key), "store holds it, so it stays")
	assert.True(t, c.Contains(key))
}

func TestCache_Release(t *testing.T) {
	c := NewCache()
	key, err := c.Reserve(sequence("AAAAA"), 5, 0)
	require.NoError(t, err)
	c.MarkActive("BBBBB")

	assert.True(t, c.Release(key))
	assert.False(t, c.Contains(key))
	assert.False(t, c.Release(key))
	assert.False(t, c.Release("BBBBB"))
	assert.True(t, c.Contains("BBBBB"))
}
