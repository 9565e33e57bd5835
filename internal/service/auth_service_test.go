package service

import (
	"context"
	"testing"

	"github.com/honeypot-sentry/sentryd/internal/adapter/outbound/authstore"
	"github.com/honeypot-sentry/sentryd/internal/domain/auth"
)

type fakeNotifier struct {
	terminated []string
}

func (f *fakeNotifier) TerminateSessionsForKey(ctx context.Context, keyID string) int {
	f.terminated = append(f.terminated, keyID)
	return 1
}

func newTestAuthAdminService(t *testing.T) (*AuthAdminService, *fakeNotifier) {
	t.Helper()
	store, err := authstore.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	notifier := &fakeNotifier{}
	keys := auth.NewKeyService(store)
	return NewAuthAdminService(keys, store, notifier, nil), notifier
}

func TestAuthAdminService_RevokeTerminatesLiveSessions(t *testing.T) {
	svc, notifier := newTestAuthAdminService(t)

	key, _, err := svc.CreateKey(context.Background(), "test-key", map[string]bool{"*": true}, 60, 0)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	if err := svc.RevokeKey(context.Background(), key.KeyID); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if len(notifier.terminated) != 1 || notifier.terminated[0] != key.KeyID {
		t.Errorf("expected RevocationNotifier to be called with %s, got %v", key.KeyID, notifier.terminated)
	}

	keys, err := svc.ListKeys(context.Background())
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	found := false
	for _, k := range keys {
		if k.KeyID == key.KeyID {
			found = true
			if !k.Revoked {
				t.Error("expected key to be marked revoked")
			}
		}
	}
	if !found {
		t.Error("expected revoked key to still be listed")
	}
}
