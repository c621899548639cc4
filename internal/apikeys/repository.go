package apikeys

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/barline-hq/barline/internal/platform/httpx"
)

// Repository persists API keys in postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores a new key and returns it with id and created_at set.
func (r *Repository) Insert(ctx context.Context, key Key) (Key, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO api_keys (name, prefix, hash)
VALUES ($1, $2, $3) RETURNING id, created_at`,
		key.Name, key.Prefix, key.Hash).Scan(&key.ID, &key.CreatedAt)
	if err != nil {
		return Key{}, fmt.Errorf("insert api key: %w", err)
	}
	return key, nil
}

// FindByPrefix returns the active key with the given prefix.
func (r *Repository) FindByPrefix(ctx context.Context, prefix string) (*Key, error) {
	var key Key
	err := r.pool.QueryRow(ctx, `SELECT id, name, prefix, hash, created_at, revoked_at
FROM api_keys WHERE prefix = $1 AND revoked_at IS NULL`, prefix).Scan(
		&key.ID, &key.Name, &key.Prefix, &key.Hash, &key.CreatedAt, &key.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, httpx.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find api key: %w", err)
	}
	return &key, nil
}

// Revoke marks a key revoked.
func (r *Repository) Revoke(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE api_keys SET revoked_at = NOW()
WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

// List returns all keys, newest first.
func (r *Repository) List(ctx context.Context) ([]Key, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, prefix, hash, created_at, revoked_at
FROM api_keys ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.ID, &key.Name, &key.Prefix, &key.Hash, &key.CreatedAt, &key.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
