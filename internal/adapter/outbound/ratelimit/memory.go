// Package ratelimit provides the in-process rate limiter (C6): three GCRA
// token-bucket layers (global, per-connection, per-API-key), a 1-minute
// sliding-window statistics counter, and an administrator block-list.
// All state is in-process; the spec explicitly forbids an external
// coordinator for this concern (§4.3).
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/honeypot-sentry/sentryd/internal/domain/ratelimit"
)

// MemoryRateLimiter implements ratelimit.RateLimiter using GCRA for token
// buckets plus an independent sliding-window counter and block-list.
type MemoryRateLimiter struct {
	mu    sync.Mutex
	cells map[string]time.Time // Theoretical Arrival Time per key

	windowMu sync.Mutex
	windows  map[string]*windowState

	blockMu sync.Mutex
	blocked map[string]ratelimit.BlockEntry

	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
}

type windowState struct {
	start    time.Time
	requests int
	rejected int
}

// NewRateLimiter creates a limiter with default cleanup settings (5 minute
// sweep, 1 hour max idle key age), matching the teacher's defaults.
func NewRateLimiter() *MemoryRateLimiter {
	return NewRateLimiterWithConfig(5*time.Minute, time.Hour)
}

// NewRateLimiterWithConfig creates a limiter with custom cleanup settings.
func NewRateLimiterWithConfig(cleanupInterval, maxTTL time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		cells:           make(map[string]time.Time),
		windows:         make(map[string]*windowState),
		blocked:         make(map[string]ratelimit.BlockEntry),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
	}
}

// Allow checks key against both the block-list and the GCRA token bucket,
// recording the outcome in the sliding window regardless of admission.
func (r *MemoryRateLimiter) Allow(ctx context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	if blocked, err := r.IsBlocked(ctx, key); err != nil {
		return ratelimit.RateLimitResult{}, err
	} else if blocked {
		r.recordWindow(key, false)
		return ratelimit.RateLimitResult{Allowed: false, RetryAfter: -1}, nil
	}

	result := r.allowGCRA(key, config)
	r.recordWindow(key, result.Allowed)
	return result, nil
}

func (r *MemoryRateLimiter) allowGCRA(key string, config ratelimit.RateLimitConfig) ratelimit.RateLimitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if config.Rate <= 0 {
		config.Rate = 1
	}
	emission := config.Period / time.Duration(config.Rate)

	if config.Burst <= 0 {
		config.Burst = config.Rate
	}
	burstOffset := time.Duration(config.Burst) * emission

	tat, exists := r.cells[key]
	if !exists || tat.Before(now) {
		tat = now
	}

	allowAt := tat.Add(-burstOffset)

	if now.Before(allowAt) {
		return ratelimit.RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: allowAt.Sub(now),
			ResetAfter: tat.Sub(now),
		}
	}

	newTAT := tat.Add(emission)
	if newTAT.Before(now) {
		newTAT = now.Add(emission)
	}
	r.cells[key] = newTAT

	remaining := int((burstOffset - newTAT.Sub(now)) / emission)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > config.Burst {
		remaining = config.Burst
	}

	return ratelimit.RateLimitResult{
		Allowed:    true,
		Remaining:  remaining,
		RetryAfter: 0,
		ResetAfter: newTAT.Sub(now),
	}
}

func (r *MemoryRateLimiter) recordWindow(key string, allowed bool) {
	r.windowMu.Lock()
	defer r.windowMu.Unlock()

	now := time.Now()
	w, ok := r.windows[key]
	if !ok || now.Sub(w.start) >= time.Minute {
		w = &windowState{start: now}
		r.windows[key] = w
	}
	w.requests++
	if !allowed {
		w.rejected++
	}
}

// Stats returns the current 1-minute sliding-window counters for key.
func (r *MemoryRateLimiter) Stats(ctx context.Context, key string) (ratelimit.WindowStats, error) {
	r.windowMu.Lock()
	defer r.windowMu.Unlock()

	w, ok := r.windows[key]
	if !ok {
		return ratelimit.WindowStats{WindowStart: time.Now()}, nil
	}
	return ratelimit.WindowStats{
		WindowStart:   w.start,
		RequestCount:  w.requests,
		RejectedCount: w.rejected,
	}, nil
}

// Block marks key as administrator-blocked.
func (r *MemoryRateLimiter) Block(ctx context.Context, key, reason string) error {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()
	r.blocked[key] = ratelimit.BlockEntry{Key: key, Reason: reason, BlockedAt: time.Now()}
	return nil
}

// Unblock clears an administrator block on key.
func (r *MemoryRateLimiter) Unblock(ctx context.Context, key string) error {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()
	delete(r.blocked, key)
	return nil
}

// IsBlocked reports whether key is currently administrator-blocked.
func (r *MemoryRateLimiter) IsBlocked(ctx context.Context, key string) (bool, error) {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()
	_, ok := r.blocked[key]
	return ok, nil
}

// StartCleanup starts the background sweep goroutine for idle GCRA cells
// and stale sliding windows. Stops when ctx is cancelled or Stop is called.
func (r *MemoryRateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

func (r *MemoryRateLimiter) cleanup() {
	now := time.Now()
	cutoff := now.Add(-r.maxTTL)

	r.mu.Lock()
	cleaned := 0
	for key, tat := range r.cells {
		if tat.Before(cutoff) {
			delete(r.cells, key)
			cleaned++
		}
	}
	r.mu.Unlock()

	r.windowMu.Lock()
	for key, w := range r.windows {
		if now.Sub(w.start) > 2*time.Minute {
			delete(r.windows, key)
		}
	}
	r.windowMu.Unlock()

	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed", "cleaned_keys", cleaned)
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call multiple times.
func (r *MemoryRateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked GCRA keys, for tests/monitoring.
func (r *MemoryRateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cells)
}

var _ ratelimit.RateLimiter = (*MemoryRateLimiter)(nil)
