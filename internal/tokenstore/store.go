package tokenstore

import (
	"context"
	"errors"
)

// Keys under which token material is persisted between process restarts.
const (
	KeyBasicToken            = "basic_token"
	KeyUserToken             = "user_token"
	KeyUserRefreshToken      = "user_refresh_token"
	KeyAnonymousToken        = "anonymous_token"
	KeyAnonymousRefreshToken = "anonymous_refresh_token"
	KeyAnonymousID           = "anonymous_id"
)

var (
	// ErrNotFound indicates that no value is stored under the key.
	ErrNotFound = errors.New("token_store.not_found")
	// ErrUnsupportedScheme indicates that no backend serves the store URL scheme.
	ErrUnsupportedScheme = errors.New("token_store.unsupported_scheme")
	// ErrEmptyKey indicates a blank key was supplied.
	ErrEmptyKey = errors.New("token_store.empty_key")
)

// Store is a string-valued key-value persistence for token material.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	// Remove deletes the key; removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Close releases connections held by the backend.
	Close() error
}
