package keys

import (
	"context"
	"errors"
	"sync"
	"time"

	"pinrelay/internal/store"
)

// ErrKeySpaceExhausted is returned when Reserve gives up finding a free key.
var ErrKeySpaceExhausted = errors.New("no free key found")

type state uint8

const (
	// pending keys are reserved for an upload that has not been persisted yet.
	pending state = iota + 1
	active
)

type entry struct {
	state      state
	reservedAt time.Time
}

// Lister is the part of store.Store the cache loads from.
type Lister interface {
	FindAll(ctx context.Context, filter store.Filter) ([]*store.Transfer, error)
}

// Cache is the in-memory set of keys that currently resolve, or are about
// to resolve, to a transfer. It is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Load replaces the cache with the keys of every transfer that has not
// been removed. On failure the cache is left empty.
func (c *Cache) Load(ctx context.Context, src Lister) error {
	transfers, err := src.FindAll(ctx, store.Active())

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]entry, len(transfers))
	if err != nil {
		return err
	}
	for _, t := range transfers {
		c.entries[t.Key] = entry{state: active}
	}
	return nil
}

// Merge marks every key in live as active without dropping anything
// already cached, and returns how many keys were not active before.
// Reservations in progress survive it, unlike Load.
func (c *Cache) Merge(live []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	added := 0
	for _, key := range live {
		if e, ok := c.entries[key]; ok && e.state == active {
			continue
		}
		c.entries[key] = entry{state: active}
		added++
	}
	return added
}

// Contains reports whether key is active or reserved.
func (c *Cache) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok
}

// MarkActive inserts key as active.
func (c *Cache) MarkActive(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{state: active}
}

// Reserve draws candidates from gen until one is not in the cache, marks it
// pending and returns it. Generation, lookup and marking happen under one
// lock, so concurrent callers never receive the same key. maxAttempts <= 0
// means no limit.
func (c *Cache) Reserve(gen Generator, length, maxAttempts int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; maxAttempts <= 0 || attempt < maxAttempts; attempt++ {
		key := gen.Generate(length)
		if _, taken := c.entries[key]; taken {
			continue
		}
		c.entries[key] = entry{state: pending, reservedAt: c.now()}
		return key, nil
	}
	return "", ErrKeySpaceExhausted
}

// Commit promotes a reserved key to active once its transfer is persisted.
func (c *Cache) Commit(key string) {
	c.MarkActive(key)
}

// Release drops key if it is still only reserved. Active keys are kept.
func (c *Cache) Release(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.state == pending {
		delete(c.entries, key)
		return true
	}
	return false
}

// Refresh drops every key in removed.
func (c *Cache) Refresh(removed []string) {
	if len(removed) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range removed {
		delete(c.entries, key)
	}
}

// SweepPending drops reservations older than olderThan that never became
// active and returns their keys.
func (c *Cache) SweepPending(olderThan time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-olderThan)
	var swept []string
	for key, e := range c.entries {
		if e.state == pending && !e.reservedAt.After(cutoff) {
			delete(c.entries, key)
			swept = append(swept, key)
		}
	}
	return swept
}

// Len returns the number of active and reserved keys.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Pending returns the number of reserved keys not yet active.
func (c *Cache) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.entries {
		if e.state == pending {
			n++
		}
	}
	return n
}
