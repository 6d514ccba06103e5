package identity

import (
	"context"

	"github.com/tradedemo/identity-bridge/internal/cache"
)

// Store holds at most one TokenEntry per audience. Freshness is not
// considered: Get returns whatever was last stored.
type Store struct {
	cache cache.TokenCache[TokenEntry]
}

func NewStore(c cache.TokenCache[TokenEntry]) *Store {
	return &Store{cache: c}
}

// NewMemoryStore creates an instrumented in-process store for up to
// maxAudiences audiences.
func NewMemoryStore(maxAudiences int) (*Store, error) {
	memory, err := cache.NewMemory[TokenEntry](maxAudiences)
	if err != nil {
		return nil, err
	}

	return NewStore(cache.NewInstrumented[TokenEntry](memory, "memory")), nil
}

func (s *Store) Get(ctx context.Context, audience string) (TokenEntry, bool, error) {
	return s.cache.Get(ctx, audience)
}

// Put replaces any entry stored for the audience.
func (s *Store) Put(ctx context.Context, audience string, entry TokenEntry) error {
	return s.cache.Set(ctx, audience, entry)
}

// Evict removes the audience's entry. Evicting an empty slot is not an error.
func (s *Store) Evict(ctx context.Context, audience string) error {
	return s.cache.Invalidate(ctx, audience)
}

// EvictIfValue removes the audience's entry only while it still holds token.
// It reports whether an entry was removed.
func (s *Store) EvictIfValue(ctx context.Context, audience, token string) (bool, error) {
	return s.cache.InvalidateIf(ctx, audience, func(entry TokenEntry) bool {
		return entry.Value() == token
	})
}

func (s *Store) Close() error {
	return s.cache.Close()
}
