// Package transfer issues keys for uploads, records completed transfers and
// resolves keys back to stored files.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"pinrelay/internal/files"
	"pinrelay/internal/keys"
	"pinrelay/internal/logging"
	"pinrelay/internal/metrics"
	"pinrelay/internal/store"
)

// Options tunes a Manager.
type Options struct {
	KeyLength int
	// MaxReserveAttempts bounds the candidates drawn per reservation; 0 means no limit.
	MaxReserveAttempts int
	// MaxActiveKeys is the ceiling reported by Full; 0 disables it.
	MaxActiveKeys int
	Metrics       metrics.Recorder
}

// Manager owns the lifecycle of a transfer from key reservation to download.
type Manager struct {
	gen     keys.Generator
	cache   *keys.Cache
	store   store.Store
	storage files.Storage
	staging afero.Fs
	opts    Options
	now     func() time.Time
}

// NewManager creates a Manager. staging is the filesystem that uploads are
// written to before CompleteUpload moves them into storage.
func NewManager(gen keys.Generator, cache *keys.Cache, st store.Store, storage files.Storage, staging afero.Fs, opts Options) *Manager {
	if opts.KeyLength <= 0 {
		opts.KeyLength = keys.DefaultLength
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Manager{
		gen:     gen,
		cache:   cache,
		store:   st,
		storage: storage,
		staging: staging,
		opts:    opts,
		now:     time.Now,
	}
}

// ReserveKey returns a fresh key and marks it in the cache before returning,
// so no concurrent caller can be handed the same key.
func (m *Manager) ReserveKey() (string, error) {
	key, err := m.cache.Reserve(m.gen, m.opts.KeyLength, m.opts.MaxReserveAttempts)
	if err != nil {
		logging.Internal.Errorf("key reservation failed after %d attempts: %v", m.opts.MaxReserveAttempts, err)
		return "", err
	}
	m.opts.Metrics.SetActiveKeys(m.cache.Len())
	return key, nil
}

// ReleaseKey gives back a reservation whose upload will never complete.
// Keys that already became active are left alone.
func (m *Manager) ReleaseKey(key string) {
	if m.cache.Release(key) {
		m.opts.Metrics.SetActiveKeys(m.cache.Len())
	}
}

// storedName is the storage name for one upload under key. Every upload
// gets its own name, so a late or colliding upload can never replace the
// file of another transfer.
func storedName(key string) string {
	return key + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CompleteUpload moves the staged file at sourcePath into storage under a
// name derived from key, removes the staged copy and persists the transfer
// record.
//
// A failed move returns *UploadError and keeps the staged file. A failed
// insert removes the newly stored file and returns the store error; the key
// stays reserved until released or swept.
func (m *Manager) CompleteUpload(ctx context.Context, key, sourcePath string) (*store.Transfer, error) {
	src, err := m.staging.Open(sourcePath)
	if err != nil {
		logging.Internal.Errorf("upload %s: cannot open staged file: %v", key, err)
		return nil, &UploadError{Key: key, Path: sourcePath, Err: err}
	}
	location, size, err := m.storage.Save(ctx, storedName(key), src)
	src.Close()
	if err != nil {
		logging.Internal.Errorf("upload %s: storing file failed, staged copy kept at %s: %v", key, sourcePath, err)
		m.opts.Metrics.IncUploads(metrics.OutcomeError)
		return nil, &UploadError{Key: key, Path: sourcePath, Err: err}
	}

	if err := m.staging.Remove(sourcePath); err != nil {
		logging.Internal.Warnf("upload %s: failed to remove staged file %s: %v", key, sourcePath, err)
	}

	t := &store.Transfer{
		Key:       key,
		Location:  location,
		Size:      size,
		CreatedAt: m.now().Truncate(time.Millisecond),
	}
	if err := m.store.Insert(ctx, t); err != nil {
		m.opts.Metrics.IncUploads(metrics.OutcomeError)
		if errors.Is(err, store.ErrDuplicateKey) {
			// The store already holds an active transfer under this key; the
			// cache had lost it. That transfer and its file stay as they are.
			m.cache.MarkActive(key)
			logging.Internal.Errorf("upload %s: key already active in store: %v", key, err)
		} else {
			logging.Internal.Errorf("upload %s: saving record failed: %v", key, err)
		}
		if rerr := m.storage.Remove(ctx, location); rerr != nil {
			logging.Internal.Warnf("upload %s: failed to remove stored file after insert failure: %v", key, rerr)
		}
		return nil, err
	}

	m.cache.Commit(key)
	m.opts.Metrics.IncUploads(metrics.OutcomeOK)
	logging.Internal.Printf("transfer %s stored (%d bytes)", key, size)
	return t, nil
}

// IsKeyValid reports whether key is active or reserved. It never touches
// the store.
func (m *Manager) IsKeyValid(key string) bool {
	return m.cache.Contains(key)
}

// ResolveDownload returns the storage location of key's transfer.
// Unknown, unpersisted and removed keys give ErrInvalidKey; store failures
// are returned wrapped.
func (m *Manager) ResolveDownload(ctx context.Context, key string) (string, error) {
	if !m.IsKeyValid(key) {
		return "", ErrInvalidKey
	}
	t, err := m.store.FindOne(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", key, err)
	}
	if t.Removed {
		return "", ErrInvalidKey
	}
	return t.Location, nil
}

// Open resolves key and opens its stored file.
func (m *Manager) Open(ctx context.Context, key string) (*files.Object, error) {
	location, err := m.ResolveDownload(ctx, key)
	if err != nil {
		return nil, err
	}
	obj, err := m.storage.Open(ctx, location)
	if errors.Is(err, files.ErrNotFound) {
		logging.Internal.Warnf("transfer %s has a record but no stored file", key)
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return obj, nil
}

// Full reports whether the active key count reached MaxActiveKeys.
func (m *Manager) Full() bool {
	return m.opts.MaxActiveKeys > 0 && m.cache.Len() >= m.opts.MaxActiveKeys
}

// Ping checks that the store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// KeyCounts returns the number of keys in the cache and how many of them
// are reserved but not yet persisted.
func (m *Manager) KeyCounts() (total, pending int) {
	return m.cache.Len(), m.cache.Pending()
}
