package tokenstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Open selects a backend by URL scheme; an empty URL yields a MemoryStore.
// The returned label names the backend for logging.
func Open(ctx context.Context, storeURL string) (Store, string, error) {
	if strings.TrimSpace(storeURL) == "" {
		return NewMemoryStore(), "memory", nil
	}
	parsed, err := url.Parse(storeURL)
	if err != nil {
		return nil, "", fmt.Errorf("token_store.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "sqlite", "sqlite3", "postgres", "postgresql":
		store, openErr := NewDatabaseStore(ctx, storeURL)
		if openErr != nil {
			return nil, "", openErr
		}
		return store, "gorm." + store.Driver(), nil
	case "pgx":
		store, openErr := NewPgxStore(ctx, storeURL)
		if openErr != nil {
			return nil, "", openErr
		}
		return store, "pgx", nil
	case "redis", "rediss":
		store, openErr := NewRedisStore(ctx, storeURL)
		if openErr != nil {
			return nil, "", openErr
		}
		return store, "redis", nil
	default:
		return nil, "", fmt.Errorf("token_store.open.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedScheme)
	}
}
