// Package ratelimit provides rate-limiting domain types shared by the
// three limiter layers from §4.3: global, per-connection, per-API-key.
package ratelimit

import (
	"fmt"
	"time"
)

// RateLimitConfig defines the token-bucket parameters: capacity = Burst,
// refill rate = Rate per Period.
type RateLimitConfig struct {
	Rate   int
	Burst  int
	Period time.Duration
}

// RateLimitResult is the outcome of a single bucket check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAfter time.Duration
}

// KeyType identifies which layer a rate-limit key belongs to.
type KeyType string

const (
	KeyTypeIP         KeyType = "ip"
	KeyTypeUser       KeyType = "user"
	KeyTypeGlobal     KeyType = "global"
	KeyTypeConnection KeyType = "connection"
	KeyTypeAPIKey     KeyType = "api_key"
)

const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key: "ratelimit:{type}:{value}".
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}

// WindowStats is the 1-minute sliding-window view backing admin statistics
// and blocking decisions, kept independently of the token-bucket admission
// decision per §4.3 ("a separate sliding-window counter... backs statistics
// and blocking decisions").
type WindowStats struct {
	WindowStart   time.Time
	RequestCount  int
	RejectedCount int
}

// BlockEntry records an administrator-imposed block on a key, which applies
// regardless of remaining tokens.
type BlockEntry struct {
	Key      string
	Reason   string
	BlockedAt time.Time
}
