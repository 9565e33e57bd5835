package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/honeypot-sentry/sentryd/internal/domain/ratelimit"
)

func TestMemoryRateLimiter_Allow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	defer limiter.Stop()

	config := ratelimit.RateLimitConfig{Rate: 10, Burst: 5, Period: time.Second}

	result, err := limiter.Allow(ctx, "test-key", config)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !result.Allowed {
		t.Error("first request should be allowed")
	}
}

func TestMemoryRateLimiter_BurstThenExhaust(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	defer limiter.Stop()

	config := ratelimit.RateLimitConfig{Rate: 1, Burst: 3, Period: time.Second}

	allowed := 0
	for i := 0; i < 10; i++ {
		result, err := limiter.Allow(ctx, "burst-key", config)
		if err != nil {
			t.Fatalf("Allow() error on request %d: %v", i, err)
		}
		if result.Allowed {
			allowed++
		}
	}
	if allowed < 3 {
		t.Errorf("expected at least 3 allowed requests (burst), got %d", allowed)
	}
	if allowed >= 10 {
		t.Errorf("expected exhaustion before 10 requests, got %d allowed", allowed)
	}
}

func TestMemoryRateLimiter_BlockOverridesTokens(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	defer limiter.Stop()

	config := ratelimit.RateLimitConfig{Rate: 100, Burst: 100, Period: time.Second}

	if err := limiter.Block(ctx, "blocked-key", "admin revoked"); err != nil {
		t.Fatalf("Block() error: %v", err)
	}

	result, err := limiter.Allow(ctx, "blocked-key", config)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if result.Allowed {
		t.Error("blocked key must never be allowed regardless of available tokens")
	}

	if err := limiter.Unblock(ctx, "blocked-key"); err != nil {
		t.Fatalf("Unblock() error: %v", err)
	}
	result, err = limiter.Allow(ctx, "blocked-key", config)
	if err != nil {
		t.Fatalf("Allow() error after unblock: %v", err)
	}
	if !result.Allowed {
		t.Error("request should be allowed after unblock")
	}
}

func TestMemoryRateLimiter_StatsTracksRejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	defer limiter.Stop()

	config := ratelimit.RateLimitConfig{Rate: 1, Burst: 1, Period: time.Minute}

	for i := 0; i < 5; i++ {
		if _, err := limiter.Allow(ctx, "stats-key", config); err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
	}

	stats, err := limiter.Stats(ctx, "stats-key")
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if stats.RequestCount != 5 {
		t.Errorf("RequestCount = %d, want 5", stats.RequestCount)
	}
	if stats.RejectedCount == 0 {
		t.Error("expected at least one rejection with burst=1 and 5 rapid requests")
	}
}

func TestMemoryRateLimiter_Monotonicity(t *testing.T) {
	// Property (§8 #4): a client that never exceeds rate_limit requests per
	// minute over any sliding 60s window is never rejected.
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	defer limiter.Stop()

	config := ratelimit.RateLimitConfig{Rate: 60, Burst: 60, Period: time.Minute}

	for i := 0; i < 60; i++ {
		result, err := limiter.Allow(ctx, "steady-key", config)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("request %d rejected while within declared rate", i)
		}
	}
}
