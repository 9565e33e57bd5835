// Package breaker defines the circuit-breaker port (C5) and its state
// value type. Implementations live under internal/adapter/outbound/breaker,
// wrapping sony/gobreaker.
package breaker

import (
	"context"
	"time"
)

// State is the breaker's externally observable state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of a breaker's state, for health/metrics
// reporting.
type Snapshot struct {
	State              State
	ConsecutiveFailures uint32
	LastFailureTime    time.Time
	OpenUntil          time.Time
}

// Breaker guards calls to one outbound dependency. While Open, Execute must
// fail fast with ErrOpen without invoking fn.
type Breaker interface {
	// Execute runs fn if the breaker allows it, recording the outcome.
	Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error)
	// Snapshot returns the current state for health reporting.
	Snapshot() Snapshot
	// Name identifies the protected dependency.
	Name() string
}

// ErrOpen is returned by Execute when the breaker is Open.
var ErrOpen = openError{}

type openError struct{}

func (openError) Error() string { return "breaker: circuit open" }
