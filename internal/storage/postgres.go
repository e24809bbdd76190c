package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of *pgxpool.Pool used by PostgresStore.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a Store backed by the cache_entries table.
type PostgresStore struct {
	pool PgxPool
}

// NewPostgresStore creates a store using the given pool.
func NewPostgresStore(pool PgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the cache_entries table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cache_entries (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("migrate cache_entries: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM cache_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO cache_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("set cache entry %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = ANY($1)`, keys); err != nil {
		return fmt.Errorf("delete cache entries: %w", err)
	}
	return nil
}

// Keys lists keys by literal prefix. LIKE is avoided since '_' is a wildcard there.
func (s *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key FROM cache_entries
		WHERE left(key, length($1)) = $1
		  AND (expires_at IS NULL OR expires_at > now())`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list cache entries %s: %w", prefix, err)
	}

	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan cache entries: %w", err)
	}
	return keys, nil
}
