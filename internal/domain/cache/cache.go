// Package cache defines the dual-tier cache port (C4): an in-memory TTL+LRU
// tier backed by an on-disk tier with an expiry index. Implementations live
// under internal/adapter/outbound/cache.
package cache

import (
	"context"
	"time"
)

// Entry is a stored value plus its validity window. Invariant: ExpiresAt
// must be strictly after InsertedAt, and any Entry returned by Get must
// satisfy ExpiresAt > now at the moment of return.
type Entry struct {
	Key        string
	Value      []byte
	InsertedAt time.Time
	ExpiresAt  time.Time
}

// Cache is the dual-tier read/write port consumed by the threat-intel
// orchestrator (C14) and the SIEM client's index-pattern discovery cache.
type Cache interface {
	// Get returns the entry for key, or ok=false on miss or expiry.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Set writes to both tiers; disk-tier failures are logged, not returned.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key from both tiers.
	Delete(ctx context.Context, key string) error
	// Close stops any background sweeper and releases resources.
	Close() error
}
