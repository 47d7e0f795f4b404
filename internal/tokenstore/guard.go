package tokenstore

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Guard shields callers from storage failures. Reads of unavailable or missing
// keys yield "", writes never fail. Swallowed errors are logged only outside production.
type Guard struct {
	store      Store
	logger     *zap.Logger
	production bool
}

// NewGuard wraps store.
func NewGuard(store Store, logger *zap.Logger, production bool) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Guard{store: store, logger: logger, production: production}
}

// Get returns the stored value or "".
func (guard *Guard) Get(ctx context.Context, key string) string {
	value, err := guard.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			guard.report("token_store.read_failed", key, err)
		}
		return ""
	}
	return value
}

// Set stores value; an empty value removes the key instead.
func (guard *Guard) Set(ctx context.Context, key string, value string) {
	if value == "" {
		guard.Remove(ctx, key)
		return
	}
	if err := guard.store.Set(ctx, key, value); err != nil {
		guard.report("token_store.write_failed", key, err)
	}
}

// Remove deletes every key, continuing past failures.
func (guard *Guard) Remove(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if err := guard.store.Remove(ctx, key); err != nil {
			guard.report("token_store.remove_failed", key, err)
		}
	}
}

func (guard *Guard) report(code string, key string, err error) {
	if guard.production {
		return
	}
	guard.logger.Warn("token storage unavailable",
		zap.String("code", code),
		zap.String("key", key),
		zap.Error(err))
}
