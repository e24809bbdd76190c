package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferoute/saferoute/internal/cache"
	"github.com/saferoute/saferoute/internal/cluster"
	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/heatmap"
	"github.com/saferoute/saferoute/internal/tips"
	"github.com/saferoute/saferoute/internal/worker"
)

type stubTips struct {
	calls  atomic.Int32
	failAt map[geo.Point]bool
}

func (s *stubTips) FetchTips(_ context.Context, q tips.Query) ([]tips.Tip, error) {
	s.calls.Add(1)
	if s.failAt[q.Center] {
		return nil, errors.New("upstream down")
	}
	return []tips.Tip{{ID: "1"}, {ID: "2"}}, nil
}

type stubZones struct {
	mu     sync.Mutex
	bounds []geo.Bounds
}

func (s *stubZones) GetZones(_ context.Context, b geo.Bounds) ([]heatmap.Zone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounds = append(s.bounds, b)
	return []heatmap.Zone{{ID: "z"}}, nil
}

func TestParseHotspots(t *testing.T) {
	hotspots, err := worker.ParseHotspots(" Mission: 37.76,-122.42 ; Downtown:37.79,-122.40:2;")
	require.NoError(t, err)
	require.Len(t, hotspots, 2)
	assert.Equal(t, "Mission", hotspots[0].Name)
	assert.Equal(t, geo.Point{Lat: 37.76, Lon: -122.42}, hotspots[0].Center)
	assert.Equal(t, 1, hotspots[0].Priority)
	assert.Equal(t, 2, hotspots[1].Priority)

	empty, err := worker.ParseHotspots("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, bad := range []string{"nocoords", "a:1", "a:x,2", "a:1,y", "a:91,0", "a:1,2:p", "a:1,2:3:4"} {
		_, err := worker.ParseHotspots(bad)
		assert.Error(t, err, bad)
	}
}

func TestWarmupJob_Run(t *testing.T) {
	failing := geo.Point{Lat: 2, Lon: 2}
	tipStub := &stubTips{failAt: map[geo.Point]bool{failing: true}}
	zoneStub := &stubZones{}

	job := worker.NewWarmupJob(worker.WarmupJobConfig{
		Config: worker.WarmupConfig{
			Hotspots: []worker.Hotspot{
				{Name: "a", Center: geo.Point{Lat: 1, Lon: 1}},
				{Name: "b", Center: failing},
				{Name: "c", Center: geo.Point{Lat: 3, Lon: 3}},
			},
			HeatmapSpanDegrees: 0.01,
			Concurrency:        2,
		},
		Logger:  zerolog.Nop(),
		Tips:    tipStub,
		Heatmap: zoneStub,
	})

	result := job.Run(context.Background())
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 4, result.Tips)
	assert.Equal(t, 3, result.Zones)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "b", result.Errors[0].Hotspot)
	assert.Equal(t, "tips", result.Errors[0].Source)

	assert.Equal(t, int32(3), tipStub.calls.Load())
	require.Len(t, zoneStub.bounds, 3)
	for _, b := range zoneStub.bounds {
		assert.InDelta(t, 0.02, b.North-b.South, 1e-9)
	}

	m := job.Metrics()
	assert.Equal(t, int64(1), m.TotalRuns)
	assert.Equal(t, int64(2), m.HotspotsWarmed)
	assert.Equal(t, int64(1), m.HotspotsFailed)

	snapshot := job.MetricsSnapshot()
	assert.Equal(t, int64(4), snapshot["tips_fetched"])
}

func TestWarmupJob_DefaultsToBuiltInHotspots(t *testing.T) {
	tipStub := &stubTips{}
	job := worker.NewWarmupJob(worker.WarmupJobConfig{Logger: zerolog.Nop(), Tips: tipStub})

	result := job.Run(context.Background())
	assert.Equal(t, len(worker.DefaultHotspots()), result.Total)
	assert.Zero(t, result.Zones, "heatmap warmup is skipped without a fetcher")
}

type stubSweep struct {
	result cache.SweepResult
	err    error
	calls  atomic.Int32
}

func (s *stubSweep) Sweep(context.Context) (cache.SweepResult, error) {
	s.calls.Add(1)
	return s.result, s.err
}

type stubCleanup struct{ calls atomic.Int32 }

func (s *stubCleanup) Cleanup(context.Context) error {
	s.calls.Add(1)
	return nil
}

type stubClusters struct{ calls atomic.Int32 }

func (s *stubClusters) PeriodicCleanup() cluster.CleanupResult {
	s.calls.Add(1)
	return cluster.CleanupResult{ViewportsExpired: 2}
}

func TestSweeper_RunOnce(t *testing.T) {
	tipSweep := &stubSweep{result: cache.SweepResult{Expired: 3, Remaining: 50}, err: errors.New("store down")}
	heat := &stubCleanup{}
	clusters := &stubClusters{}

	s := worker.NewSweeper(worker.SweeperConfig{Tips: tipSweep, Heatmap: heat, Clusters: clusters, Logger: zerolog.Nop()})
	report, err := s.RunOnce(context.Background())

	require.Error(t, err)
	assert.Equal(t, 3, report.Tips.Expired)
	assert.Equal(t, 2, report.Clusters.ViewportsExpired)
	assert.Equal(t, int32(1), heat.calls.Load(), "a failing cache does not stop the others")
	assert.Equal(t, int32(1), clusters.calls.Load())
}

func TestSweeper_RunOnceWithoutCaches(t *testing.T) {
	s := worker.NewSweeper(worker.SweeperConfig{Logger: zerolog.Nop()})
	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.SweepReport{}, report)
}

func TestSweeper_RunTicks(t *testing.T) {
	tipSweep := &stubSweep{}
	s := worker.NewSweeper(worker.SweeperConfig{Tips: tipSweep, Interval: 5 * time.Millisecond, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return tipSweep.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

type recordingInvalidator struct {
	mu     sync.Mutex
	events []tips.InvalidationEvent
}

func (r *recordingInvalidator) Invalidate(_ context.Context, e tips.InvalidationEvent) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return 1, nil
}

func TestDispatcher(t *testing.T) {
	inv := &recordingInvalidator{}
	tipSweep := &stubSweep{}
	d := &worker.Dispatcher{
		InstanceID:  "api-1",
		Invalidator: inv,
		Sweeper:     worker.NewSweeper(worker.SweeperConfig{Tips: tipSweep, Logger: zerolog.Nop()}),
		Logger:      zerolog.Nop(),
	}
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, []byte(`{"event":"tips_changed","origin":"api-2","reason":"tip_submitted"}`)))
	require.Len(t, inv.events, 1)
	assert.True(t, inv.events[0].Remote)
	assert.Equal(t, "tip_submitted", inv.events[0].Reason)

	require.NoError(t, d.Dispatch(ctx, []byte(`{"event":"tips_changed","origin":"api-1"}`)))
	assert.Len(t, inv.events, 1, "own messages are ignored")

	require.NoError(t, d.Dispatch(ctx, []byte(`{"job_type":"sweep"}`)))
	assert.Equal(t, int32(1), tipSweep.calls.Load())

	require.NoError(t, d.Dispatch(ctx, []byte(`{"job_type":"warmup"}`)), "unconfigured jobs are a no-op")

	assert.ErrorIs(t, d.Dispatch(ctx, []byte(`{"job_type":"provider_refresh"}`)), worker.ErrUnknownMessage)
	assert.Error(t, d.Dispatch(ctx, []byte(`not json`)))
}

type captureSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *captureSender) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func TestPublisher_Listener(t *testing.T) {
	sender := &captureSender{}
	p := worker.NewPublisher(sender, "api-1", zerolog.Nop())
	listener := p.Listener()

	listener(context.Background(), tips.InvalidationEvent{Reason: "tip_submitted"})
	listener(context.Background(), tips.InvalidationEvent{Reason: "remote", Remote: true})

	require.Len(t, sender.sent, 1, "remote invalidations are not republished")
	var msg worker.Message
	require.NoError(t, json.Unmarshal(sender.sent[0], &msg))
	assert.Equal(t, worker.EventTipsChanged, msg.Event)
	assert.Equal(t, "tip_submitted", msg.Reason)
	assert.Equal(t, "api-1", msg.Origin)

	p.Close()
}

func TestPublisherDispatcherRoundTrip(t *testing.T) {
	sender := &captureSender{}
	inv := &recordingInvalidator{}
	publisher := worker.NewPublisher(sender, "api-1", zerolog.Nop())
	other := &worker.Dispatcher{InstanceID: "worker-1", Invalidator: inv, Logger: zerolog.Nop()}

	require.NoError(t, publisher.Publish(context.Background(), worker.Message{Event: worker.EventTipsChanged}))
	require.Len(t, sender.sent, 1)
	require.NoError(t, other.Dispatch(context.Background(), sender.sent[0]))

	require.Len(t, inv.events, 1)
	assert.Equal(t, "remote", inv.events[0].Reason)
}
