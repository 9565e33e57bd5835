package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/honeypot-sentry/sentryd/internal/domain/cache"
)

// TieredCache composes a bounded in-memory tier with a persistent on-disk
// tier, implementing cache.Cache (§4.10): reads check memory first, falling
// back to disk and repopulating memory on a disk hit; writes go to both
// tiers, with disk-tier failures logged rather than surfaced.
type TieredCache struct {
	mem  *memoryTier
	disk *diskTier

	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	stopOnce      sync.Once
}

// Options configures a TieredCache.
type Options struct {
	MemorySize    int           // LRU entry capacity for the memory tier
	DiskPath      string        // sqlite file path; ":memory:" for tests
	SweepInterval time.Duration // how often the disk sweeper reaps expired rows
}

// New builds a TieredCache and starts its background sweeper.
func New(ctx context.Context, opts Options) (*TieredCache, error) {
	mem, err := newMemoryTier(opts.MemorySize)
	if err != nil {
		return nil, err
	}
	disk, err := newDiskTier(opts.DiskPath)
	if err != nil {
		return nil, err
	}

	interval := opts.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	tc := &TieredCache{
		mem:           mem,
		disk:          disk,
		sweepInterval: interval,
		stopCh:        make(chan struct{}),
	}
	tc.startSweeper(ctx)
	return tc, nil
}

var _ cache.Cache = (*TieredCache)(nil)

// Get implements cache.Cache.
func (tc *TieredCache) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	if e, ok := tc.mem.get(key); ok {
		return e, true, nil
	}
	e, ok, err := tc.disk.get(ctx, key)
	if err != nil {
		return cache.Entry{}, false, err
	}
	if !ok {
		return cache.Entry{}, false, nil
	}
	tc.mem.set(key, e.Value, e.ExpiresAt)
	return e, true, nil
}

// Set implements cache.Cache.
func (tc *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	expiresAt := now.Add(ttl)
	tc.mem.set(key, value, expiresAt)
	if err := tc.disk.set(ctx, key, value, now, expiresAt); err != nil {
		slog.Warn("cache: disk tier write failed", "key", key, "error", err)
	}
	return nil
}

// Delete implements cache.Cache.
func (tc *TieredCache) Delete(ctx context.Context, key string) error {
	tc.mem.delete(key)
	return tc.disk.delete(ctx, key)
}

// Close implements cache.Cache.
func (tc *TieredCache) Close() error {
	tc.stopOnce.Do(func() { close(tc.stopCh) })
	tc.wg.Wait()
	return tc.disk.close()
}

func (tc *TieredCache) startSweeper(ctx context.Context) {
	tc.wg.Add(1)
	go func() {
		defer tc.wg.Done()
		ticker := time.NewTicker(tc.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := tc.disk.sweepExpired(ctx)
				if err != nil {
					slog.Warn("cache: sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Debug("cache: swept expired entries", "count", n)
				}
			case <-tc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}
