package heatmap_test

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferoute/saferoute/internal/apierror"
	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/heatmap"
	"github.com/saferoute/saferoute/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mockProvider struct {
	payload *heatmap.Payload
	err     error
	calls   atomic.Int32
}

func (m *mockProvider) FetchHeatmap(_ context.Context, _ geo.Bounds) (*heatmap.Payload, error) {
	m.calls.Add(1)
	return m.payload, m.err
}

var viewport = geo.Bounds{South: 52.3501, West: 4.8502, North: 52.4003, East: 4.9504}

func zones() []heatmap.Zone {
	return []heatmap.Zone{
		{ID: "z1", Lat: 52.37, Lon: 4.89, Radius: 250, Intensity: 0.8, TipCount: 12, DominantCategory: "lighting"},
		{ID: "z2", Lat: 52.38, Lon: 4.91, Radius: 150, Intensity: 0.3, TipCount: 3},
	}
}

func newCache(store storage.Store, clk *clock) *heatmap.Cache {
	return heatmap.NewCache(heatmap.CacheConfig{
		Store:  store,
		Logger: zerolog.Nop(),
		Now:    clk.Now,
	})
}

func testClock() *clock {
	return &clock{now: time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)}
}

func TestKey_RoundsToThreeDecimals(t *testing.T) {
	assert.Equal(t, "52.350,4.850,52.400,4.950", heatmap.Key(viewport))

	jittered := viewport
	jittered.South += 0.0003
	jittered.East -= 0.0002
	assert.Equal(t, heatmap.Key(viewport), heatmap.Key(jittered))
}

func TestCache_GetSetExpiry(t *testing.T) {
	ctx := context.Background()
	clk := testClock()
	c := newCache(storage.NewMemoryStore(), clk)

	_, ok := c.Get(ctx, viewport)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, viewport, zones()))
	got, ok := c.Get(ctx, viewport)
	require.True(t, ok)
	assert.Equal(t, zones(), got)

	clk.Advance(heatmap.DefaultCacheTTL)
	_, ok = c.Get(ctx, viewport)
	assert.False(t, ok, "entry is absent once TTL has elapsed")
}

func TestCache_EvictsOldestAfterSet(t *testing.T) {
	ctx := context.Background()
	clk := testClock()
	c := newCache(storage.NewMemoryStore(), clk)

	for i := 0; i < heatmap.DefaultMaxEntries+1; i++ {
		b := geo.Bounds{South: float64(i), West: 0, North: float64(i) + 0.5, East: 1}
		require.NoError(t, c.Set(ctx, b, zones()))
		clk.Advance(time.Second)
	}

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, heatmap.DefaultMaxEntries, n)

	_, ok := c.Get(ctx, geo.Bounds{South: 0, West: 0, North: 0.5, East: 1})
	assert.False(t, ok, "oldest entry is evicted")
	_, ok = c.Get(ctx, geo.Bounds{South: 1, West: 0, North: 1.5, East: 1})
	assert.True(t, ok)
}

func TestCache_CleanupRemovesCorruptAndExpired(t *testing.T) {
	ctx := context.Background()
	clk := testClock()
	store := storage.NewMemoryStore()
	c := newCache(store, clk)

	require.NoError(t, c.Set(ctx, viewport, zones()))
	clk.Advance(11 * time.Minute)
	require.NoError(t, store.Set(ctx, heatmap.CachePrefix+"broken", []byte(`{"payload":`), 0))

	result, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 1, result.Corrupt)
	assert.Zero(t, result.Remaining)
	assert.Zero(t, store.Len())

	// Cleanup on an already clean cache is a no-op.
	result, err = c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Removed())
}

func TestService_GetZones_CachesSuccess(t *testing.T) {
	provider := &mockProvider{payload: &heatmap.Payload{Success: true, Zones: zones()}}
	svc := heatmap.NewService(heatmap.ServiceConfig{
		Provider: provider,
		Cache:    newCache(storage.NewMemoryStore(), testClock()),
		Logger:   zerolog.Nop(),
	})
	ctx := context.Background()

	got, err := svc.GetZones(ctx, viewport)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = svc.GetZones(ctx, viewport)
	require.NoError(t, err)
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestService_GetZones_UnsuccessfulIsEmptyNotError(t *testing.T) {
	tests := []struct {
		name     string
		provider *mockProvider
	}{
		{"success false", &mockProvider{payload: &heatmap.Payload{Success: false}}},
		{"malformed", &mockProvider{err: heatmap.ErrMalformedPayload}},
		{"nil payload", &mockProvider{}},
		{"only invalid zones", &mockProvider{payload: &heatmap.Payload{Success: true, Zones: []heatmap.Zone{{ID: "bad", Lat: math.NaN()}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCache(storage.NewMemoryStore(), testClock())
			svc := heatmap.NewService(heatmap.ServiceConfig{Provider: tt.provider, Cache: c, Logger: zerolog.Nop()})

			got, err := svc.GetZones(context.Background(), viewport)
			require.NoError(t, err)
			assert.Empty(t, got)

			n, err := c.Len(context.Background())
			require.NoError(t, err)
			assert.Zero(t, n, "empty results are not cached")
		})
	}
}

func TestService_GetZones_TransportErrorPropagates(t *testing.T) {
	provider := &mockProvider{err: apierror.Network("connection refused")}
	svc := heatmap.NewService(heatmap.ServiceConfig{
		Provider: provider,
		Cache:    newCache(storage.NewMemoryStore(), testClock()),
		Logger:   zerolog.Nop(),
	})

	_, err := svc.GetZones(context.Background(), viewport)
	assert.ErrorIs(t, err, apierror.ErrNetwork)
}
