package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CacheMetrics counts cache hits, misses and evictions per named cache.
// It satisfies cache.Recorder.
type CacheMetrics struct {
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
}

// NewCacheMetrics creates the cache instruments on meter.
func NewCacheMetrics(meter metric.Meter) (*CacheMetrics, error) {
	hits, err := meter.Int64Counter(
		"saferoute.cache.hits",
		metric.WithDescription("Number of cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"saferoute.cache.misses",
		metric.WithDescription("Number of cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"saferoute.cache.evictions",
		metric.WithDescription("Number of cache entries removed by expiry, corruption, capacity or invalidation"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	return &CacheMetrics{hits: hits, misses: misses, evictions: evictions}, nil
}

// RecordHit records a hit on the named cache.
func (m *CacheMetrics) RecordHit(ctx context.Context, cache string) {
	m.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.name", cache)))
}

// RecordMiss records a miss on the named cache.
func (m *CacheMetrics) RecordMiss(ctx context.Context, cache string) {
	m.misses.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.name", cache)))
}

// RecordEviction records n entries removed from the named cache for reason.
func (m *CacheMetrics) RecordEviction(ctx context.Context, cache, reason string, n int) {
	if n <= 0 {
		return
	}
	m.evictions.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("cache.name", cache),
		attribute.String("cache.eviction_reason", reason),
	))
}

// SizeFunc reports the current number of entries in a cache.
type SizeFunc func(ctx context.Context) (int, error)

// ObserveCacheSizes registers an asynchronous gauge reporting the size of
// each named cache at collection time. Caches whose SizeFunc fails are
// skipped for that collection.
func ObserveCacheSizes(meter metric.Meter, sizes map[string]SizeFunc) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge(
		"saferoute.cache.entries",
		metric.WithDescription("Number of entries currently held by each cache"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		for name, size := range sizes {
			n, err := size(ctx)
			if err != nil {
				continue
			}
			o.ObserveInt64(gauge, int64(n), metric.WithAttributes(attribute.String("cache.name", name)))
		}
		return nil
	}, gauge)
}
