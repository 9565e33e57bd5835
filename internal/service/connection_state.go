package service

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/honeypot-sentry/sentryd/internal/domain/auth"
)

// ConnectionState tracks one transport connection's authentication status.
// A connection starts unauthenticated and gains an API key only through a
// successful `auth` call (§6); every other method is gated on Authenticated().
type ConnectionState struct {
	ID        string
	CreatedAt time.Time

	mu  sync.RWMutex
	key *auth.APIKey
}

// NewConnectionState creates a fresh, unauthenticated connection record.
func NewConnectionState() *ConnectionState {
	return &ConnectionState{ID: uuid.NewString(), CreatedAt: time.Now()}
}

// Authenticate binds key to this connection.
func (c *ConnectionState) Authenticate(key *auth.APIKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
}

// Authenticated reports whether a key has been bound.
func (c *ConnectionState) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key != nil
}

// Key returns the bound key, or nil if unauthenticated.
func (c *ConnectionState) Key() *auth.APIKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// KeyID returns the bound key's id, or "" if unauthenticated.
func (c *ConnectionState) KeyID() string {
	k := c.Key()
	if k == nil {
		return ""
	}
	return k.KeyID
}
