package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/honeypot-sentry/sentryd/internal/domain/cache"
)

// diskTier is the persistent, unbounded-size second tier. Entries survive a
// process restart; a background sweeper reaps expired rows.
type diskTier struct {
	db *sql.DB
}

func newDiskTier(path string) (*diskTier, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer connection avoids SQLITE_BUSY

	const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key         TEXT PRIMARY KEY,
	value       BLOB NOT NULL,
	inserted_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create schema: %w", err)
	}
	return &diskTier{db: db}, nil
}

func (d *diskTier) get(ctx context.Context, key string) (cache.Entry, bool, error) {
	var value []byte
	var insertedAt, expiresAt int64
	row := d.db.QueryRowContext(ctx,
		`SELECT value, inserted_at, expires_at FROM cache_entries WHERE key = ?`, key)
	if err := row.Scan(&value, &insertedAt, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return cache.Entry{}, false, nil
		}
		return cache.Entry{}, false, fmt.Errorf("cache: query disk tier: %w", err)
	}
	expiry := time.Unix(0, expiresAt)
	if time.Now().After(expiry) {
		_, _ = d.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return cache.Entry{}, false, nil
	}
	return cache.Entry{
		Key:        key,
		Value:      value,
		InsertedAt: time.Unix(0, insertedAt),
		ExpiresAt:  expiry,
	}, true, nil
}

func (d *diskTier) set(ctx context.Context, key string, value []byte, insertedAt, expiresAt time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, inserted_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, inserted_at = excluded.inserted_at, expires_at = excluded.expires_at`,
		key, value, insertedAt.UnixNano(), expiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("cache: write disk tier: %w", err)
	}
	return nil
}

func (d *diskTier) delete(ctx context.Context, key string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("cache: delete from disk tier: %w", err)
	}
	return nil
}

func (d *diskTier) sweepExpired(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cache: sweep disk tier: %w", err)
	}
	return res.RowsAffected()
}

func (d *diskTier) close() error {
	return d.db.Close()
}
