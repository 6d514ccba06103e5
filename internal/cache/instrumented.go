package cache

import (
	"context"
	"sync"
	"time"

	"github.com/maypok86/otter/v2/stats"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/tradedemo/identity-bridge/internal/cache"

var (
	metricsOnce     sync.Once
	cacheOperations metric.Int64Counter
	cacheDuration   metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)

		var err error
		cacheOperations, err = meter.Int64Counter(
			"cache.operations",
			metric.WithDescription("Total cache operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheDuration, err = meter.Float64Histogram(
			"cache.operation.duration",
			metric.WithDescription("Cache operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented records metrics and span attributes for every operation on
// the wrapped cache. Results are passed through unchanged.
type Instrumented[T any] struct {
	wrapped      TokenCache[T]
	cacheType    string
	registration metric.Registration
}

// statsSource is implemented by caches that count their own hits and misses.
type statsSource interface {
	Stats() stats.Stats
}

// NewInstrumented wraps a cache. When the wrapped cache keeps lookup
// statistics, its hit ratio is also reported as the cache.hit_ratio gauge
// until Close.
func NewInstrumented[T any](wrapped TokenCache[T], cacheType string) *Instrumented[T] {
	initMetrics()
	i := &Instrumented[T]{
		wrapped:   wrapped,
		cacheType: cacheType,
	}

	if src, ok := wrapped.(statsSource); ok {
		i.registration = registerHitRatio(src, cacheType)
	}

	return i
}

func registerHitRatio(src statsSource, cacheType string) metric.Registration {
	meter := otel.Meter(instrumentationName)

	gauge, err := meter.Float64ObservableGauge(
		"cache.hit_ratio",
		metric.WithDescription("Fraction of cache lookups that found a value"),
	)
	if err != nil {
		otel.Handle(err)
		return nil
	}

	typeAttr := metric.WithAttributes(attribute.String("cache.type", cacheType))
	registration, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(gauge, src.Stats().HitRatio(), typeAttr)
		return nil
	}, gauge)
	if err != nil {
		otel.Handle(err)
		return nil
	}

	return registration
}

func (i *Instrumented[T]) Get(ctx context.Context, key string) (T, bool, error) {
	start := time.Now()
	value, found, err := i.wrapped.Get(ctx, key)

	status := "miss"
	switch {
	case err != nil:
		status = "error"
	case found:
		status = "hit"
	}
	i.observe(ctx, "get", status, time.Since(start))

	return value, found, err
}

func (i *Instrumented[T]) Set(ctx context.Context, key string, value T) error {
	start := time.Now()
	err := i.wrapped.Set(ctx, key, value)
	i.observe(ctx, "set", outcome(err), time.Since(start))
	return err
}

func (i *Instrumented[T]) Invalidate(ctx context.Context, key string) error {
	start := time.Now()
	err := i.wrapped.Invalidate(ctx, key)
	i.observe(ctx, "invalidate", outcome(err), time.Since(start))
	return err
}

func (i *Instrumented[T]) InvalidateIf(ctx context.Context, key string, match func(T) bool) (bool, error) {
	start := time.Now()
	removed, err := i.wrapped.InvalidateIf(ctx, key, match)

	status := "kept"
	switch {
	case err != nil:
		status = "error"
	case removed:
		status = "removed"
	}
	i.observe(ctx, "invalidate_if", status, time.Since(start))

	return removed, err
}

func (i *Instrumented[T]) Close() error {
	if i.registration != nil {
		if err := i.registration.Unregister(); err != nil {
			otel.Handle(err)
		}
	}
	return i.wrapped.Close()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (i *Instrumented[T]) observe(ctx context.Context, operation, status string, duration time.Duration) {
	typeAttr := attribute.String("cache.type", i.cacheType)
	opAttr := attribute.String("cache.operation", operation)

	if cacheOperations != nil {
		cacheOperations.Add(ctx, 1, metric.WithAttributes(
			typeAttr, opAttr, attribute.String("cache.status", status),
		))
	}
	if cacheDuration != nil {
		cacheDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(typeAttr, opAttr))
	}

	trace.SpanFromContext(ctx).SetAttributes(
		typeAttr,
		attribute.String("cache."+operation+".status", status),
		attribute.Float64("cache."+operation+".duration", duration.Seconds()),
	)
}
