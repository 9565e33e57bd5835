package auth

import (
	"sync"
	"time"
)

// validationCache bounds Validate's latency with a short TTL cache keyed by
// raw key value. A nil *APIKey entry records a known-invalid key (negative
// cache), so repeated invalid attempts don't force a full store scan.
type validationCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]cacheEntry
}

type cacheEntry struct {
	key       *APIKey
	expiresAt time.Time
}

func newValidationCache(ttl time.Duration) *validationCache {
	return &validationCache{ttl: ttl, m: make(map[string]cacheEntry)}
}

func (c *validationCache) get(rawKey string) (*APIKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.m[rawKey]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.key, true
}

func (c *validationCache) put(rawKey string, key *APIKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[rawKey] = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl)}
}

// evictByKeyID removes every cache entry resolving to keyID, used on
// revocation so cached validity doesn't outlive the revoke call.
func (c *validationCache) evictByKeyID(keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for raw, e := range c.m {
		if e.key != nil && e.key.KeyID == keyID {
			delete(c.m, raw)
		}
	}
}
