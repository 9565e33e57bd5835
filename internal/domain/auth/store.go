package auth

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidKey is returned when an API key is invalid (expired or revoked).
var ErrInvalidKey = errors.New("invalid api key")

// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// ErrKeyNotFound is returned when a key id does not exist.
var ErrKeyNotFound = errors.New("api key not found")

// Store is the persistence port for API keys (C8), backed in production by
// a secret-store-addressed implementation and locally by sqlite.
type Store interface {
	// GetByHash retrieves a key by its stored hash (SHA-256 fast path).
	GetByHash(ctx context.Context, keyHash string) (*APIKey, error)
	// GetByID retrieves a key by its KeyID.
	GetByID(ctx context.Context, keyID string) (*APIKey, error)
	// List returns all stored keys for iteration-based (Argon2id) verification
	// and for admin listing.
	List(ctx context.Context) ([]*APIKey, error)
	// Create persists a new key.
	Create(ctx context.Context, key *APIKey) error
	// Revoke marks a key revoked; callers must also terminate live sessions.
	Revoke(ctx context.Context, keyID string) error
	// Delete permanently removes a key record.
	Delete(ctx context.Context, keyID string) error
	// IncrementUsage bumps the usage counter for keyID, best-effort.
	IncrementUsage(ctx context.Context, keyID string) error
}

// RevocationNotifier is implemented by whatever owns live connections
// (the TCP transport) so the auth service can terminate sessions the
// instant a key is revoked or deleted (§4.12, property #6).
type RevocationNotifier interface {
	// TerminateSessionsForKey closes every connection authenticated with
	// keyID and returns how many it closed. The sockets are closed at once:
	// a request still in flight on one of them is not waited for and gets
	// no response.
	TerminateSessionsForKey(ctx context.Context, keyID string) int
}

// AuthCacheTTL is the default validation cache TTL (§4.12).
const AuthCacheTTL = 60 * time.Second
