package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

const defaultRedisKeyPrefix = "storefront:token:"

// RedisStore persists token material in Redis under a key prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore parses a redis:// URL and pings the server.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("token_store.redis.parse_url: %w", err)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("token_store.redis.ping: %w", pingErr)
	}
	return NewRedisStoreWithClient(client, defaultRedisKeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get loads the value stored under key.
func (store *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := store.client.Get(ctx, store.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("token_store.get.redis: %w", ErrNotFound)
		}
		return "", fmt.Errorf("token_store.get.redis: %w", err)
	}
	return value, nil
}

// Set stores value under key without expiry.
func (store *RedisStore) Set(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("token_store.set.redis: %w", ErrEmptyKey)
	}
	if err := store.client.Set(ctx, store.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("token_store.set.redis: %w", err)
	}
	return nil
}

// Remove deletes key.
func (store *RedisStore) Remove(ctx context.Context, key string) error {
	if err := store.client.Del(ctx, store.prefix+key).Err(); err != nil {
		return fmt.Errorf("token_store.remove.redis: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (store *RedisStore) Close() error {
	return store.client.Close()
}
