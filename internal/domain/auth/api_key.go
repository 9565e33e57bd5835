package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
)

// KeyService creates, validates and revokes API keys (§4.12) with an
// in-memory validation cache bounding per-request latency. Retrieval,
// listing and deletion go through the Store directly.
type KeyService struct {
	store Store
	cache *validationCache
}

// NewKeyService creates a KeyService with the default 60s validation cache
// TTL (§4.12).
func NewKeyService(store Store) *KeyService {
	return &KeyService{store: store, cache: newValidationCache(AuthCacheTTL)}
}

// Create generates 256 bits of random key material, stores its Argon2id
// hash, and returns the APIKey record plus the one-time raw key value the
// caller must hand to the client (never stored).
func (s *KeyService) Create(ctx context.Context, displayName string, permissions map[string]bool, rateLimit int, expiresIn time.Duration) (*APIKey, string, error) {
	raw, err := generateRawKey()
	if err != nil {
		return nil, "", fmt.Errorf("auth: generate key material: %w", err)
	}

	hash, err := HashKeyArgon2id(raw)
	if err != nil {
		return nil, "", fmt.Errorf("auth: hash key: %w", err)
	}

	var expiresAt *time.Time
	if expiresIn > 0 {
		t := time.Now().UTC().Add(expiresIn)
		expiresAt = &t
	}

	key := &APIKey{
		KeyID:              uuid.NewString(),
		Key:                hash,
		DisplayName:        displayName,
		CreatedAt:          time.Now().UTC(),
		ExpiresAt:          expiresAt,
		Permissions:        permissions,
		RateLimitPerMinute: rateLimit,
	}

	if err := s.store.Create(ctx, key); err != nil {
		return nil, "", err
	}
	return key, raw, nil
}

// generateRawKey returns a URL-safe, 256-bit-entropy key with a fixed label
// prefix for at-a-glance identification in logs (never logged raw, only
// the prefix).
func generateRawKey() (string, error) {
	buf := make([]byte, 32) // 256 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sntry_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Validate resolves a raw key to its APIKey record, using the in-memory
// cache first, then the SHA-256 fast path, then an Argon2id scan.
// Returns ErrInvalidKey if the key is unknown, expired, or revoked.
func (s *KeyService) Validate(ctx context.Context, rawKey string) (*APIKey, error) {
	if key, ok := s.cache.get(rawKey); ok {
		if key == nil || !key.IsValid() {
			return nil, ErrInvalidKey
		}
		return key, nil
	}

	key, err := s.validateUncached(ctx, rawKey)
	if err != nil {
		s.cache.put(rawKey, nil)
		return nil, err
	}
	s.cache.put(rawKey, key)
	return key, nil
}

func (s *KeyService) validateUncached(ctx context.Context, rawKey string) (*APIKey, error) {
	keyHash := HashKey(rawKey)
	if key, err := s.store.GetByHash(ctx, keyHash); err == nil {
		return validOrInvalid(key)
	}

	allKeys, err := s.store.List(ctx)
	if err != nil {
		return nil, ErrInvalidKey
	}
	for _, candidate := range allKeys {
		match, verifyErr := VerifyKey(rawKey, candidate.Key)
		if verifyErr != nil {
			continue
		}
		if match {
			return validOrInvalid(candidate)
		}
	}
	return nil, ErrInvalidKey
}

func validOrInvalid(key *APIKey) (*APIKey, error) {
	if !key.IsValid() {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// Revoke revokes keyID and evicts it from the validation cache
// immediately, so property #6 (revocation within AuthCacheTTL+1s) holds
// even for entries cached just before revocation.
func (s *KeyService) Revoke(ctx context.Context, keyID string) error {
	if err := s.store.Revoke(ctx, keyID); err != nil {
		return err
	}
	s.cache.evictByKeyID(keyID)
	return nil
}

// HashKey returns the SHA-256 hex hash of the raw key (legacy fast path for
// pre-seeded, non-Argon2id keys).
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// argon2idParams applies the OWASP minimum parameters for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024, // 47 MiB (OWASP minimum: 46 MiB)
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKeyArgon2id returns an Argon2id PHC-format hash of rawKey.
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// DetectHashType identifies the stored hash's algorithm.
func DetectHashType(storedHash string) string {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(storedHash, "sha256:") {
		return "sha256"
	}
	if len(storedHash) == 64 && isHexString(storedHash) {
		return "sha256"
	}
	return "unknown"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// VerifyKey verifies rawKey against storedHash, dispatching by detected
// hash type. SHA-256 comparison is constant-time.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return safeArgon2idCompare(rawKey, storedHash)
	case "sha256":
		expected := strings.TrimPrefix(storedHash, "sha256:")
		computed := HashKey(rawKey)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil
	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare recovers from the library's panic on malformed hash
// parameters, converting it to an error so VerifyKey never panics.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}
