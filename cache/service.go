package cache

import (
	"context"
	"errors"
)

// ErrInvalidResultType is returned when a cached value does not match the requested type.
var ErrInvalidResultType = errors.New("cache: cached value has unexpected type")

// KeySerializer builds a cache key from an action name and the values of its cache keys.
// Keys must be stable across calls and processes so remote nodes can clean them by prefix.
type KeySerializer interface {
	SerializeKey(action string, args ...any) string
}

// FetchFn is the function signature CacheService expects when fetching from the source of truth.
type FetchFn[T any] func(ctx context.Context) (T, error)

// CacheService exposes the read-through and invalidation operations the broker and the
// repository decorator need.
type CacheService interface {
	GetOrFetch(ctx context.Context, key string, fetchFn any) (any, error)
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	// Clean removes entries matching pattern. A trailing "*" matches any suffix,
	// "*" alone clears everything, anything else is an exact key.
	Clean(ctx context.Context, pattern string) error
}

// GetOrFetch is a type-safe wrapper function that provides generic support for CacheService.
func GetOrFetch[T any](ctx context.Context, service CacheService, key string, fetchFn FetchFn[T]) (T, error) {
	var zero T
	result, err := service.GetOrFetch(ctx, key, fetchFn)
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, ErrInvalidResultType
	}
	return typed, nil
}
