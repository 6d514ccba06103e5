package cache

import (
	"context"
)

// TokenCache stores values of type T against string keys. Implementations
// must make Get, Set and Invalidate atomic with respect to each other.
type TokenCache[T any] interface {
	// Get returns the value stored for key, and whether one was present.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set replaces any value stored for key.
	Set(ctx context.Context, key string, value T) error

	// Invalidate removes the value stored for key. Removing an absent key is
	// not an error.
	Invalidate(ctx context.Context, key string) error

	// InvalidateIf removes the value stored for key only while match reports
	// true for it, and returns whether a value was removed. The check and the
	// removal happen as one step.
	InvalidateIf(ctx context.Context, key string, match func(T) bool) (bool, error)

	// Close releases any resources held by the cache.
	Close() error
}
