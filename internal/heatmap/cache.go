package heatmap

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/cache"
	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/storage"
)

// CachePrefix namespaces heatmap entries in the store.
const CachePrefix = "heatmap_cache_"

// Defaults for CacheConfig.
const (
	DefaultCacheTTL   = 10 * time.Minute
	DefaultMaxEntries = 20
)

// CacheConfig configures the heatmap cache.
type CacheConfig struct {
	Store      storage.Store
	Logger     zerolog.Logger
	TTL        time.Duration
	MaxEntries int
	Recorder   cache.Recorder
	Now        func() time.Time
}

// Cache stores zones per viewport. Keys round every edge to 3 decimal places
// so small pans reuse the same entry. The entry cap is enforced after every
// Set and on Cleanup, evicting the oldest entries first.
type Cache struct {
	entries *cache.Persistent[[]Zone]
}

// NewCache creates a heatmap cache.
func NewCache(cfg CacheConfig) *Cache {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	maxEntries := cfg.MaxEntries
	if maxEntries == 0 {
		maxEntries = DefaultMaxEntries
	}

	return &Cache{
		entries: cache.New[[]Zone](cache.Config{
			Name:            "heatmap",
			Prefix:          CachePrefix,
			TTL:             ttl,
			MaxEntries:      maxEntries,
			EnforceCapOnSet: true,
			Store:           cfg.Store,
			Logger:          cfg.Logger,
			Recorder:        cfg.Recorder,
			Now:             cfg.Now,
		}),
	}
}

// Key returns the cache key for bounds.
func Key(bounds geo.Bounds) string {
	return bounds.Format(3)
}

// Get returns the cached zones for bounds.
func (c *Cache) Get(ctx context.Context, bounds geo.Bounds) ([]Zone, bool) {
	return c.entries.Get(ctx, Key(bounds))
}

// Set stores zones for bounds.
func (c *Cache) Set(ctx context.Context, bounds geo.Bounds, zones []Zone) error {
	return c.entries.Set(ctx, Key(bounds), zones, &bounds)
}

// Cleanup removes expired and corrupt entries and enforces the entry cap.
func (c *Cache) Cleanup(ctx context.Context) (cache.SweepResult, error) {
	return c.entries.Sweep(ctx)
}

// Clear drops every heatmap entry.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	return c.entries.Clear(ctx)
}

// Len returns the number of stored entries.
func (c *Cache) Len(ctx context.Context) (int, error) {
	return c.entries.Len(ctx)
}
