// Package breaker implements the breaker.Breaker port (C5) over
// sony/gobreaker, one instance per protected outbound dependency (SIEM
// store, each threat-intel source, the secret store).
package breaker

import (
	"context"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"

	domainbreaker "github.com/honeypot-sentry/sentryd/internal/domain/breaker"
)

// consecutiveFailureThreshold and cooldown implement spec.md §4.4's
// CLOSED→OPEN (5 consecutive failures) / OPEN→HALF_OPEN (30s) transitions.
const (
	consecutiveFailureThreshold = 5
	cooldown                    = 30 * time.Second
)

// GoBreaker adapts gobreaker.CircuitBreaker to the domain Breaker port.
type GoBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New constructs a breaker guarding the dependency named name.
func New(name string) *GoBreaker {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: cooldown, // how long the breaker stays OPEN before probing
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailureThreshold
		},
		// Exactly one trial request in HALF_OPEN, per spec.md §3's invariant.
		MaxRequests: 1,
	}
	return &GoBreaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

var _ domainbreaker.Breaker = (*GoBreaker)(nil)

// Name implements breaker.Breaker.
func (g *GoBreaker) Name() string { return g.name }

// Execute implements breaker.Breaker.
func (g *GoBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	result, err := g.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, domainbreaker.ErrOpen
	}
	return result, err
}

// Snapshot implements breaker.Breaker.
func (g *GoBreaker) Snapshot() domainbreaker.Snapshot {
	counts := g.cb.Counts()
	snap := domainbreaker.Snapshot{
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
	switch g.cb.State() {
	case gobreaker.StateClosed:
		snap.State = domainbreaker.StateClosed
	case gobreaker.StateOpen:
		snap.State = domainbreaker.StateOpen
	case gobreaker.StateHalfOpen:
		snap.State = domainbreaker.StateHalfOpen
	}
	return snap
}

// Backoff computes the delay before retry attempt n (1-indexed) using
// exponential backoff with full jitter, capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base << (n - 1)
	if d <= 0 || d > max {
		d = max
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
