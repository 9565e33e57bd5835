// Package cache implements the dual-tier cache.Cache port (C4): an
// in-memory LRU+TTL tier in front of an on-disk sqlite tier with an expiry
// index and background sweeper.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/honeypot-sentry/sentryd/internal/domain/cache"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// memoryTier is the fast, bounded-size first tier.
type memoryTier struct {
	cache *lru.Cache[string, memEntry]
}

func newMemoryTier(size int) (*memoryTier, error) {
	if size <= 0 {
		size = 10000
	}
	c, err := lru.New[string, memEntry](size)
	if err != nil {
		return nil, err
	}
	return &memoryTier{cache: c}, nil
}

func (m *memoryTier) get(key string) (cache.Entry, bool) {
	e, ok := m.cache.Get(key)
	if !ok {
		return cache.Entry{}, false
	}
	if time.Now().After(e.expiresAt) {
		m.cache.Remove(key)
		return cache.Entry{}, false
	}
	return cache.Entry{Key: key, Value: e.value, ExpiresAt: e.expiresAt}, true
}

func (m *memoryTier) set(key string, value []byte, expiresAt time.Time) {
	m.cache.Add(key, memEntry{value: value, expiresAt: expiresAt})
}

func (m *memoryTier) delete(key string) {
	m.cache.Remove(key)
}
