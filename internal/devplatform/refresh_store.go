package devplatform

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	// ErrRefreshTokenNotFound indicates no refresh token matched the provided identifier.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenRevoked indicates the refresh token has been revoked.
	ErrRefreshTokenRevoked = errors.New("refresh_store.revoked")
	// ErrRefreshTokenExpired indicates the refresh token has exceeded its expiry.
	ErrRefreshTokenExpired = errors.New("refresh_store.expired")
	// ErrRefreshTokenAlreadyRevoked signals an idempotent revoke call on an already-revoked token.
	ErrRefreshTokenAlreadyRevoked = errors.New("refresh_store.already_revoked")
	// ErrRefreshTokenEmptyOpaque indicates that the provided opaque token text is empty.
	ErrRefreshTokenEmptyOpaque = errors.New("refresh_store.empty_token")
)

// RefreshTokenStore manages long-lived, rotating refresh tokens. The subject
// names the session owner, e.g. "customer:<id>" or "anonymous:<id>".
type RefreshTokenStore interface {
	Issue(ctx context.Context, subject string, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (subject string, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
}

const refreshOpaqueByteLength = 32

// refreshTokenRandomSource feeds opaque token generation; tests replace it.
var refreshTokenRandomSource io.Reader = rand.Reader

func newRefreshTokenID(now time.Time, sequence uint64) string {
	nowString := now.UTC().Format(time.RFC3339Nano)
	return fmt.Sprintf("%s-%d", base64.RawURLEncoding.EncodeToString([]byte(nowString)), sequence)
}

func generateRefreshOpaque() (string, string, error) {
	randomBytes := make([]byte, refreshOpaqueByteLength)
	if _, err := io.ReadFull(refreshTokenRandomSource, randomBytes); err != nil {
		return "", "", fmt.Errorf("refresh_store.random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// OpenRefreshTokenStore selects a store by URL: empty for memory, pgx:// for a
// pgx pool, anything dbconn understands for GORM.
func OpenRefreshTokenStore(ctx context.Context, databaseURL string) (RefreshTokenStore, string, error) {
	trimmed := strings.TrimSpace(databaseURL)
	switch {
	case trimmed == "":
		return NewMemoryRefreshTokenStore(), "memory", nil
	case strings.HasPrefix(strings.ToLower(trimmed), "pgx://"):
		store, err := NewPgxRefreshTokenStore(ctx, trimmed)
		if err != nil {
			return nil, "", err
		}
		return store, "pgx", nil
	default:
		store, err := NewDatabaseRefreshTokenStore(ctx, trimmed)
		if err != nil {
			return nil, "", err
		}
		return store, "gorm." + store.Driver(), nil
	}
}
