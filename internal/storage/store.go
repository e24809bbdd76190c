// Package storage provides the key-value backends that persist cache entries.
//
// Keys are namespaced by prefix (tips_cache_, heatmap_cache_) and values are
// opaque byte slices. Expiry is enforced by the cache layer from the stored
// timestamp; the ttl passed to Set is only a retention hint so backends can
// reclaim entries that are never read again.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// Store is a prefix-scannable key-value store.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl keeps the entry until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Keys lists all keys starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Backend names accepted by CACHE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)
