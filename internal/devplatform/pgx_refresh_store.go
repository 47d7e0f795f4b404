package devplatform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/storefront/internal/tokenstore"
)

// PgxRefreshTokenStore persists rotating refresh tokens in PostgreSQL through a pgx pool.
type PgxRefreshTokenStore struct {
	pool       *pgxpool.Pool
	sequenceID atomic.Uint64
}

// EnsureRefreshSchema creates the refresh token table if it does not exist.
func EnsureRefreshSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS platform_refresh_tokens (
    token_id TEXT PRIMARY KEY,
    subject TEXT NOT NULL,
    token_hash TEXT NOT NULL UNIQUE,
    expires_unix BIGINT NOT NULL,
    revoked_at_unix BIGINT NOT NULL DEFAULT 0,
    previous_token_id TEXT NOT NULL DEFAULT '',
    issued_at_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_platform_refresh_tokens_subject ON platform_refresh_tokens (subject);
`)
	return err
}

// NewPgxRefreshTokenStore connects a pool for databaseURL and ensures the schema.
func NewPgxRefreshTokenStore(ctx context.Context, databaseURL string) (*PgxRefreshTokenStore, error) {
	pool, err := tokenstore.BuildPool(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("refresh_store.pgx.pool: %w", err)
	}
	if schemaErr := EnsureRefreshSchema(ctx, pool); schemaErr != nil {
		pool.Close()
		return nil, fmt.Errorf("refresh_store.pgx.schema: %w", schemaErr)
	}
	return &PgxRefreshTokenStore{pool: pool}, nil
}

// Issue inserts a new token row and returns token id and opaque token.
func (store *PgxRefreshTokenStore) Issue(ctx context.Context, subject string, expiresUnix int64, previousTokenID string) (string, string, error) {
	now := time.Now().UTC()
	tokenID := newRefreshTokenID(now, store.sequenceID.Add(1))
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return "", "", fmt.Errorf("refresh_store.issue.pgx: %w", err)
	}
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO platform_refresh_tokens (token_id, subject, token_hash, expires_unix, revoked_at_unix, previous_token_id, issued_at_unix)
VALUES ($1, $2, $3, $4, 0, $5, $6)
`, tokenID, subject, hashValue, expiresUnix, previousTokenID, now.Unix())
	if execErr != nil {
		return "", "", fmt.Errorf("refresh_store.issue.pgx: %w", execErr)
	}
	return tokenID, opaque, nil
}

// Validate checks the opaque token and returns subject, token id, and expiry.
func (store *PgxRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, fmt.Errorf("refresh_store.validate.pgx: %w", ErrRefreshTokenEmptyOpaque)
	}
	var subject string
	var tokenID string
	var expiresUnix int64
	var revokedAt int64
	row := store.pool.QueryRow(ctx, `
SELECT subject, token_id, expires_unix, revoked_at_unix
FROM platform_refresh_tokens
WHERE token_hash = $1
`, hashOpaque(tokenOpaque))
	if scanErr := row.Scan(&subject, &tokenID, &expiresUnix, &revokedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", "", 0, fmt.Errorf("refresh_store.validate.pgx: %w", ErrRefreshTokenNotFound)
		}
		return "", "", 0, fmt.Errorf("refresh_store.validate.pgx: %w", scanErr)
	}
	if revokedAt != 0 {
		return "", "", 0, fmt.Errorf("refresh_store.validate.pgx: %w", ErrRefreshTokenRevoked)
	}
	if time.Unix(expiresUnix, 0).Before(time.Now().UTC()) {
		return "", "", 0, fmt.Errorf("refresh_store.validate.pgx: %w", ErrRefreshTokenExpired)
	}
	return subject, tokenID, expiresUnix, nil
}

// Revoke marks a token as revoked.
func (store *PgxRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	tag, err := store.pool.Exec(ctx, `
UPDATE platform_refresh_tokens
SET revoked_at_unix = $1
WHERE token_id = $2 AND revoked_at_unix = 0
`, time.Now().UTC().Unix(), tokenID)
	if err != nil {
		return fmt.Errorf("refresh_store.revoke.pgx: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if scanErr := store.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM platform_refresh_tokens WHERE token_id = $1)`, tokenID).Scan(&exists); scanErr != nil {
		return fmt.Errorf("refresh_store.revoke.pgx: %w", scanErr)
	}
	if !exists {
		return fmt.Errorf("refresh_store.revoke.pgx: %w", ErrRefreshTokenNotFound)
	}
	return fmt.Errorf("refresh_store.revoke.pgx: %w", ErrRefreshTokenAlreadyRevoked)
}

// Close releases the pool.
func (store *PgxRefreshTokenStore) Close() {
	store.pool.Close()
}
