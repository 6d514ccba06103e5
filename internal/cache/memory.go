package cache

import (
	"context"
	"fmt"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// Memory is an in-process cache backed by otter. Entries never expire on a
// timer: they are replaced by Set or removed by Invalidate, and the oldest
// keys are only dropped when more than maxKeys distinct keys are in use.
type Memory[T any] struct {
	cache   *otter.Cache[string, T]
	counter *stats.Counter
}

// NewMemory creates an in-process cache holding at most maxKeys keys.
func NewMemory[T any](maxKeys int) (*Memory[T], error) {
	if maxKeys <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxKeys)
	}

	counter := stats.NewCounter()
	c := otter.Must(&otter.Options[string, T]{
		MaximumSize:   maxKeys,
		StatsRecorder: counter,
	})

	return &Memory[T]{
		cache:   c,
		counter: counter,
	}, nil
}

func (m *Memory[T]) Get(_ context.Context, key string) (T, bool, error) {
	entry, ok := m.cache.GetEntry(key)
	if !ok {
		var zero T
		return zero, false, nil
	}

	return entry.Value, true, nil
}

func (m *Memory[T]) Set(_ context.Context, key string, value T) error {
	m.cache.Set(key, value)
	return nil
}

func (m *Memory[T]) Invalidate(_ context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

func (m *Memory[T]) InvalidateIf(_ context.Context, key string, match func(T) bool) (bool, error) {
	removed := false
	m.cache.Compute(key, func(old T, found bool) (T, otter.ComputeOp) {
		if found && match(old) {
			removed = true
			return old, otter.InvalidateOp
		}
		return old, otter.CancelOp
	})

	return removed, nil
}

// Stats is a snapshot of the lookups served since the cache was created.
func (m *Memory[T]) Stats() stats.Stats {
	return m.counter.Snapshot()
}

// Close is a no-op: the otter cache owns no external resources.
func (m *Memory[T]) Close() error {
	return nil
}
