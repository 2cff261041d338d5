// Package cleanup expires transfers on a timer.
package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pinrelay/internal/files"
	"pinrelay/internal/keys"
	"pinrelay/internal/logging"
	"pinrelay/internal/metrics"
	"pinrelay/internal/store"
)

const jobName = "transfer-cleanup"

// Config controls expiry and tick timing.
type Config struct {
	TTL      time.Duration
	Interval time.Duration
	// PendingGrace is how long a reserved key may wait for its upload
	// before a tick reclaims it. 0 disables the sweep.
	PendingGrace time.Duration
	// Concurrency bounds parallel file removals within a tick.
	Concurrency int
}

// Stats describes the most recent tick.
type Stats struct {
	Name           string        `json:"name"`
	Running        bool          `json:"running"`
	LastStart      time.Time     `json:"last_start"`
	LastDuration   time.Duration `json:"-"`
	LastDurationMS int64         `json:"last_duration_ms"`
	LastRemoved    int           `json:"last_removed"`
	LastFailures   int           `json:"last_failures"`
	LastSwept      int           `json:"last_swept"`
	LastRestored   int           `json:"last_restored"`
	Runs           int           `json:"runs"`
	Skipped        int           `json:"skipped"`
}

// Hook is called after every completed tick.
type Hook func(ctx context.Context)

// Scheduler periodically removes expired transfers.
type Scheduler struct {
	cfg     Config
	store   store.Store
	storage files.Storage
	cache   *keys.Cache
	metrics metrics.Recorder
	now     func() time.Time

	// tick is held for the whole of a tick; overlapping ticks are skipped.
	tick sync.Mutex

	mu    sync.Mutex
	stats Stats
	hooks []Hook

	wg sync.WaitGroup
}

// New creates a Scheduler. rec may be nil.
func New(cfg Config, st store.Store, storage files.Storage, cache *keys.Cache, rec metrics.Recorder) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		storage: storage,
		cache:   cache,
		metrics: rec,
		now:     time.Now,
		stats:   Stats{Name: jobName},
	}
}

// AddHook registers fn to run after each tick.
func (s *Scheduler) AddHook(fn Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Stats returns a snapshot of the scheduler state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Start runs a tick immediately and then every Interval until ctx is done.
// Wait blocks until the loop and any in-flight tick have returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Wait blocks until a started scheduler has stopped.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	logging.Cleanup.Printf("started (interval %s, ttl %s)", s.cfg.Interval, s.cfg.TTL)
	s.Tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Cleanup.Printf("stopped")
			return
		case <-ticker.C:
			// Ticks run off the timer goroutine so a slow one surfaces as a skip.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.Tick(ctx)
			}()
		}
	}
}

// Tick runs one cleanup pass. It reports false when skipped because
// another tick was still running.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.tick.TryLock() {
		logging.Cleanup.Warnf("previous tick still running, skipping")
		s.mu.Lock()
		s.stats.Skipped++
		s.mu.Unlock()
		s.metrics.IncCleanupSkipped()
		return false
	}
	defer s.tick.Unlock()

	start := s.now()
	s.mu.Lock()
	s.stats.Running = true
	s.stats.LastStart = start
	hooks := append([]Hook(nil), s.hooks...)
	s.mu.Unlock()

	removed, kept, failures := s.expire(ctx, start)
	s.cache.Refresh(removed)

	// Keys the cache lost, e.g. after a failed startup load.
	restored := s.cache.Merge(kept)
	if restored > 0 {
		logging.Cleanup.Printf("restored %d active keys missing from the cache", restored)
	}

	var swept []string
	if s.cfg.PendingGrace > 0 {
		swept = s.cache.SweepPending(s.cfg.PendingGrace)
		if len(swept) > 0 {
			logging.Cleanup.Printf("released %d reservations that never completed", len(swept))
		}
	}

	for _, hook := range hooks {
		hook(ctx)
	}

	elapsed := s.now().Sub(start)
	s.mu.Lock()
	s.stats.Running = false
	s.stats.LastDuration = elapsed
	s.stats.LastDurationMS = elapsed.Milliseconds()
	s.stats.LastRestored = restored
	s.stats.LastRemoved = len(removed)
	s.stats.LastFailures = failures
	s.stats.LastSwept = len(swept)
	s.stats.Runs++
	s.mu.Unlock()

	s.metrics.ObserveCleanup(elapsed, len(removed), failures)
	s.metrics.SetActiveKeys(s.cache.Len())
	if len(removed) > 0 || failures > 0 {
		logging.Cleanup.Printf("removed %d expired transfers (%d failures) in %s", len(removed), failures, elapsed)
	}
	return true
}

// expire removes the files of expired transfers and marks them removed.
// A record is only updated after its own file removal has been attempted,
// whether or not that removal succeeded. kept lists the keys that are
// still live.
func (s *Scheduler) expire(ctx context.Context, now time.Time) (removed, kept []string, failures int) {
	live, err := s.store.FindAll(ctx, store.Active())
	if err != nil {
		logging.Cleanup.Errorf("listing transfers failed: %v", err)
		return nil, nil, 1
	}

	var mu sync.Mutex
	fail := func() {
		mu.Lock()
		failures++
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, t := range live {
		if !t.Expired(now, s.cfg.TTL) {
			kept = append(kept, t.Key)
			continue
		}
		g.Go(func() error {
			if err := s.storage.Remove(ctx, t.Location); err != nil && !errors.Is(err, files.ErrNotFound) {
				logging.Cleanup.Errorf("failed to remove file for %s: %v", t.Key, err)
				fail()
			}

			t.Removed = true
			if err := s.store.Update(ctx, t); err != nil {
				logging.Cleanup.Errorf("failed to mark %s removed: %v", t.Key, err)
				fail()
				return nil
			}

			mu.Lock()
			removed = append(removed, t.Key)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return removed, kept, failures
}
