// Package cache implements the TTL cache persisted in a storage.Store that
// backs both the tip and heatmap caches.
//
// Each entry is stored as JSON {"payload": ..., "timestamp": <unix ms>,
// "bounds": ...}. An entry is valid while now-timestamp < TTL. Entries that
// fail to parse are deleted as soon as they are seen and never reach callers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/storage"
)

// Eviction reasons reported to the Recorder.
const (
	ReasonExpired    = "expired"
	ReasonCorrupt    = "corrupt"
	ReasonCapacity   = "capacity"
	ReasonInvalidate = "invalidate"
)

// Recorder receives cache hit, miss and eviction events.
type Recorder interface {
	RecordHit(ctx context.Context, cache string)
	RecordMiss(ctx context.Context, cache string)
	RecordEviction(ctx context.Context, cache, reason string, n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordHit(context.Context, string)                   {}
func (nopRecorder) RecordMiss(context.Context, string)                  {}
func (nopRecorder) RecordEviction(context.Context, string, string, int) {}

// Entry is the persisted form of a cached value.
type Entry[T any] struct {
	Payload   T           `json:"payload"`
	Timestamp int64       `json:"timestamp"`
	Bounds    *geo.Bounds `json:"bounds,omitempty"`
}

// Config configures a Persistent cache.
type Config struct {
	// Name identifies the cache in logs and metrics.
	Name string

	// Prefix namespaces every key written by this cache.
	Prefix string

	// TTL is how long an entry stays valid.
	TTL time.Duration

	// MaxEntries bounds the entry count during Sweep. Zero means unbounded.
	MaxEntries int

	// EnforceCapOnSet runs a Sweep after every Set.
	EnforceCapOnSet bool

	Store    storage.Store
	Logger   zerolog.Logger
	Recorder Recorder

	// Now overrides the clock (default time.Now).
	Now func() time.Time
}

// Persistent is a namespaced TTL cache over a storage.Store.
// It is safe for concurrent use; the store provides the synchronization.
type Persistent[T any] struct {
	name            string
	prefix          string
	ttl             time.Duration
	maxEntries      int
	enforceCapOnSet bool
	store           storage.Store
	logger          zerolog.Logger
	recorder        Recorder
	now             func() time.Time
}

// New creates a Persistent cache.
func New[T any](cfg Config) *Persistent[T] {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Persistent[T]{
		name:            cfg.Name,
		prefix:          cfg.Prefix,
		ttl:             cfg.TTL,
		maxEntries:      cfg.MaxEntries,
		enforceCapOnSet: cfg.EnforceCapOnSet,
		store:           cfg.Store,
		logger:          cfg.Logger.With().Str("cache", cfg.Name).Logger(),
		recorder:        recorder,
		now:             now,
	}
}

// Key returns the full storage key for a cache-local key.
func (c *Persistent[T]) Key(key string) string {
	return c.prefix + key
}

// Get returns the payload stored under key when present and unexpired.
// Store failures are logged and reported as a miss.
func (c *Persistent[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	full := c.Key(key)

	entry, ok := c.load(ctx, full)
	if !ok {
		c.recorder.RecordMiss(ctx, c.name)
		return zero, false
	}

	if !c.fresh(entry.Timestamp) {
		c.remove(ctx, ReasonExpired, full)
		c.recorder.RecordMiss(ctx, c.name)
		return zero, false
	}

	c.recorder.RecordHit(ctx, c.name)
	return entry.Payload, true
}

// Set stores payload under key, stamped with the current time.
func (c *Persistent[T]) Set(ctx context.Context, key string, payload T, bounds *geo.Bounds) error {
	entry := Entry[T]{
		Payload:   payload,
		Timestamp: c.now().UnixMilli(),
		Bounds:    bounds,
	}

	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := c.store.Set(ctx, c.Key(key), b, c.ttl); err != nil {
		return err
	}

	if c.enforceCapOnSet {
		if _, err := c.Sweep(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("cap enforcement after set failed")
		}
	}
	return nil
}

// Clear deletes every entry under the cache prefix and returns how many were removed.
func (c *Persistent[T]) Clear(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx, c.prefix)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	c.recorder.RecordEviction(ctx, c.name, ReasonInvalidate, len(keys))
	return len(keys), nil
}

// SweepResult summarizes a Sweep.
type SweepResult struct {
	Expired   int
	Corrupt   int
	Evicted   int
	Remaining int
}

// Removed returns the total number of entries deleted.
func (r SweepResult) Removed() int {
	return r.Expired + r.Corrupt + r.Evicted
}

type stamped struct {
	key       string
	timestamp int64
}

// Sweep deletes expired and unparseable entries, then evicts the oldest
// entries by timestamp until at most MaxEntries remain. Sweeping an empty
// cache is a no-op.
func (c *Persistent[T]) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	keys, err := c.store.Keys(ctx, c.prefix)
	if err != nil {
		return result, err
	}

	live := make([]stamped, 0, len(keys))
	var expired, corrupt []string

	for _, key := range keys {
		raw, err := c.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return result, err
		}

		var entry Entry[json.RawMessage]
		if err := json.Unmarshal(raw, &entry); err != nil {
			corrupt = append(corrupt, key)
			continue
		}
		if !c.fresh(entry.Timestamp) {
			expired = append(expired, key)
			continue
		}
		live = append(live, stamped{key: key, timestamp: entry.Timestamp})
	}

	var evicted []string
	if c.maxEntries > 0 && len(live) > c.maxEntries {
		sort.Slice(live, func(i, j int) bool {
			if live[i].timestamp != live[j].timestamp {
				return live[i].timestamp < live[j].timestamp
			}
			return live[i].key < live[j].key
		})
		excess := len(live) - c.maxEntries
		for _, s := range live[:excess] {
			evicted = append(evicted, s.key)
		}
		live = live[excess:]
	}

	c.remove(ctx, ReasonExpired, expired...)
	c.remove(ctx, ReasonCorrupt, corrupt...)
	c.remove(ctx, ReasonCapacity, evicted...)

	result = SweepResult{
		Expired:   len(expired),
		Corrupt:   len(corrupt),
		Evicted:   len(evicted),
		Remaining: len(live),
	}

	if result.Removed() > 0 {
		c.logger.Debug().
			Int("expired", result.Expired).
			Int("corrupt", result.Corrupt).
			Int("evicted", result.Evicted).
			Int("remaining", result.Remaining).
			Msg("cache swept")
	}
	return result, nil
}

// Len returns the number of keys under the prefix, valid or not.
func (c *Persistent[T]) Len(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx, c.prefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (c *Persistent[T]) load(ctx context.Context, key string) (Entry[T], bool) {
	var entry Entry[T]

	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		return entry, false
	}

	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding corrupt cache entry")
		c.remove(ctx, ReasonCorrupt, key)
		return entry, false
	}
	return entry, true
}

func (c *Persistent[T]) fresh(timestamp int64) bool {
	return c.now().Sub(time.UnixMilli(timestamp)) < c.ttl
}

func (c *Persistent[T]) remove(ctx context.Context, reason string, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		c.logger.Warn().Err(err).Str("reason", reason).Msg("cache delete failed")
		return
	}
	c.recorder.RecordEviction(ctx, c.name, reason, len(keys))
}
