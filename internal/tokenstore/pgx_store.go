package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxStore persists token material in PostgreSQL through a pgx pool.
type PgxStore struct {
	pool *pgxpool.Pool
}

// BuildPool creates a pgx pool with sane defaults.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(normalizePgxURL(databaseURL))
	if err != nil {
		return nil, err
	}
	config.MinConns = 1
	config.MaxConns = 4
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	return pgxpool.NewWithConfig(ctx, config)
}

// EnsureSchema creates the token table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS storefront_tokens (
    token_key TEXT PRIMARY KEY,
    token_value TEXT NOT NULL,
    updated_at_unix BIGINT NOT NULL
);
`)
	return err
}

// NewPgxStore connects the pool and ensures the schema.
func NewPgxStore(ctx context.Context, databaseURL string) (*PgxStore, error) {
	pool, err := BuildPool(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("token_store.pgx.pool: %w", err)
	}
	if schemaErr := EnsureSchema(ctx, pool); schemaErr != nil {
		pool.Close()
		return nil, fmt.Errorf("token_store.pgx.schema: %w", schemaErr)
	}
	return &PgxStore{pool: pool}, nil
}

// Get loads the value stored under key.
func (store *PgxStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	row := store.pool.QueryRow(ctx, `SELECT token_value FROM storefront_tokens WHERE token_key = $1`, key)
	if scanErr := row.Scan(&value); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", fmt.Errorf("token_store.get.pgx: %w", ErrNotFound)
		}
		return "", fmt.Errorf("token_store.get.pgx: %w", scanErr)
	}
	return value, nil
}

// Set upserts value under key.
func (store *PgxStore) Set(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("token_store.set.pgx: %w", ErrEmptyKey)
	}
	_, err := store.pool.Exec(ctx, `
INSERT INTO storefront_tokens (token_key, token_value, updated_at_unix)
VALUES ($1, $2, $3)
ON CONFLICT (token_key) DO UPDATE SET token_value = EXCLUDED.token_value, updated_at_unix = EXCLUDED.updated_at_unix
`, key, value, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("token_store.set.pgx: %w", err)
	}
	return nil
}

// Remove deletes the row stored under key.
func (store *PgxStore) Remove(ctx context.Context, key string) error {
	if _, err := store.pool.Exec(ctx, `DELETE FROM storefront_tokens WHERE token_key = $1`, key); err != nil {
		return fmt.Errorf("token_store.remove.pgx: %w", err)
	}
	return nil
}

// Close releases the pool.
func (store *PgxStore) Close() error {
	store.pool.Close()
	return nil
}

func normalizePgxURL(databaseURL string) string {
	parsed, err := url.Parse(databaseURL)
	if err != nil || !strings.EqualFold(parsed.Scheme, "pgx") {
		return databaseURL
	}
	parsed.Scheme = "postgres"
	return parsed.String()
}
