// Package authstore implements the auth.Store port (C8) backed by sqlite,
// the same persistence idiom as the dual-tier cache's disk layer.
package authstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/honeypot-sentry/sentryd/internal/domain/auth"
)

// Store is a sqlite-backed auth.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the API-key database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("authstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	key_id        TEXT PRIMARY KEY,
	key_hash      TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER,
	permissions   TEXT NOT NULL,
	rate_limit    INTEGER NOT NULL,
	revoked       INTEGER NOT NULL DEFAULT 0,
	usage_count   INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("authstore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

var _ auth.Store = (*Store)(nil)

// Create implements auth.Store.
func (s *Store) Create(ctx context.Context, key *auth.APIKey) error {
	perms, err := json.Marshal(key.Permissions)
	if err != nil {
		return fmt.Errorf("authstore: marshal permissions: %w", err)
	}
	var expiresAt sql.NullInt64
	if key.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: key.ExpiresAt.UnixNano(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_id, key_hash, display_name, created_at, expires_at, permissions, rate_limit, revoked, usage_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		key.KeyID, key.Key, key.DisplayName, key.CreatedAt.UnixNano(), expiresAt, string(perms), key.RateLimitPerMinute)
	if err != nil {
		return fmt.Errorf("authstore: insert key: %w", err)
	}
	return nil
}

// GetByHash implements auth.Store.
func (s *Store) GetByHash(ctx context.Context, keyHash string) (*auth.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key_id, key_hash, display_name, created_at, expires_at, permissions, rate_limit, revoked, usage_count
		 FROM api_keys WHERE key_hash = ?`, keyHash)
	return scanKey(row)
}

// GetByID implements auth.Store.
func (s *Store) GetByID(ctx context.Context, keyID string) (*auth.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key_id, key_hash, display_name, created_at, expires_at, permissions, rate_limit, revoked, usage_count
		 FROM api_keys WHERE key_id = ?`, keyID)
	return scanKey(row)
}

// List implements auth.Store.
func (s *Store) List(ctx context.Context) ([]*auth.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key_id, key_hash, display_name, created_at, expires_at, permissions, rate_limit, revoked, usage_count FROM api_keys`)
	if err != nil {
		return nil, fmt.Errorf("authstore: list keys: %w", err)
	}
	defer rows.Close()

	var out []*auth.APIKey
	for rows.Next() {
		k, err := scanKeyRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Revoke implements auth.Store.
func (s *Store) Revoke(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked = 1 WHERE key_id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("authstore: revoke key: %w", err)
	}
	return checkAffected(res)
}

// Delete implements auth.Store.
func (s *Store) Delete(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE key_id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("authstore: delete key: %w", err)
	}
	return checkAffected(res)
}

// IncrementUsage implements auth.Store.
func (s *Store) IncrementUsage(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET usage_count = usage_count + 1 WHERE key_id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("authstore: increment usage: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("authstore: rows affected: %w", err)
	}
	if n == 0 {
		return auth.ErrKeyNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row *sql.Row) (*auth.APIKey, error) {
	return scanKeyGeneric(row)
}

func scanKeyRows(rows *sql.Rows) (*auth.APIKey, error) {
	return scanKeyGeneric(rows)
}

func scanKeyGeneric(s rowScanner) (*auth.APIKey, error) {
	var (
		k           auth.APIKey
		createdAt   int64
		expiresAt   sql.NullInt64
		permissions string
		revoked     int
	)
	if err := s.Scan(&k.KeyID, &k.Key, &k.DisplayName, &createdAt, &expiresAt, &permissions, &k.RateLimitPerMinute, &revoked, &k.UsageCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, auth.ErrKeyNotFound
		}
		return nil, fmt.Errorf("authstore: scan key: %w", err)
	}
	k.CreatedAt = time.Unix(0, createdAt).UTC()
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		k.ExpiresAt = &t
	}
	k.Revoked = revoked != 0
	if err := json.Unmarshal([]byte(permissions), &k.Permissions); err != nil {
		return nil, fmt.Errorf("authstore: unmarshal permissions: %w", err)
	}
	return &k, nil
}
