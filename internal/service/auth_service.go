package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeypot-sentry/sentryd/internal/domain/auth"
)

// AuthAdminService is the administrative surface over API-key lifecycle
// (§4.12): create, list, revoke. Revoke additionally terminates every live
// connection bound to the revoked key, satisfying property #6 ("revocation
// takes effect within AuthCacheTTL + 1s" — here, effectively immediately,
// since the transport is told directly rather than waiting for cache
// expiry).
type AuthAdminService struct {
	keys     *auth.KeyService
	store    auth.Store
	notifier auth.RevocationNotifier
	logger   *slog.Logger
}

// NewAuthAdminService wires admin key-lifecycle operations. notifier may be
// nil (e.g. the STDIO transport, which has nothing to terminate).
func NewAuthAdminService(keys *auth.KeyService, store auth.Store, notifier auth.RevocationNotifier, logger *slog.Logger) *AuthAdminService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthAdminService{keys: keys, store: store, notifier: notifier, logger: logger}
}

// CreateKey provisions a new API key. expiresIn of zero means no expiry.
func (s *AuthAdminService) CreateKey(ctx context.Context, displayName string, permissions map[string]bool, rateLimitPerMinute int, expiresIn time.Duration) (*auth.APIKey, string, error) {
	return s.keys.Create(ctx, displayName, permissions, rateLimitPerMinute, expiresIn)
}

// ListKeys returns every stored key record (hashes, never raw key material).
func (s *AuthAdminService) ListKeys(ctx context.Context) ([]*auth.APIKey, error) {
	return s.store.List(ctx)
}

// RevokeKey revokes keyID and force-closes any connection currently
// authenticated with it.
func (s *AuthAdminService) RevokeKey(ctx context.Context, keyID string) error {
	if err := s.keys.Revoke(ctx, keyID); err != nil {
		return fmt.Errorf("auth: revoke %s: %w", keyID, err)
	}
	if s.notifier != nil {
		n := s.notifier.TerminateSessionsForKey(ctx, keyID)
		s.logger.Info("revoked api key", "key_id", keyID, "terminated_connections", n)
	}
	return nil
}

// DeleteKey permanently removes a key record (distinct from Revoke, which
// only marks the key invalid and is preferred for audit continuity).
func (s *AuthAdminService) DeleteKey(ctx context.Context, keyID string) error {
	if s.notifier != nil {
		s.notifier.TerminateSessionsForKey(ctx, keyID)
	}
	return s.store.Delete(ctx, keyID)
}
