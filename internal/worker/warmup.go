package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/heatmap"
	"github.com/saferoute/saferoute/internal/tips"
)

// TipFetcher fetches tips through the tip cache.
type TipFetcher interface {
	FetchTips(ctx context.Context, q tips.Query) ([]tips.Tip, error)
}

// ZoneFetcher fetches heatmap zones through the heatmap cache.
type ZoneFetcher interface {
	GetZones(ctx context.Context, bounds geo.Bounds) ([]heatmap.Zone, error)
}

// WarmupJob prefetches tips and heatmap zones for configured hotspots.
type WarmupJob struct {
	config  WarmupConfig
	logger  zerolog.Logger
	tips    TipFetcher
	heatmap ZoneFetcher

	mu      sync.RWMutex
	metrics WarmupMetrics
}

// WarmupMetrics tracks warmup job statistics.
type WarmupMetrics struct {
	TotalRuns        int64
	HotspotsWarmed   int64
	HotspotsFailed   int64
	TipsFetched      int64
	ZonesFetched     int64
	LastRunAt        time.Time
	LastRunDuration  time.Duration
	TotalRunDuration time.Duration
}

// WarmupJobConfig holds configuration for creating a WarmupJob.
type WarmupJobConfig struct {
	Config WarmupConfig
	Logger zerolog.Logger
	Tips   TipFetcher

	// Heatmap is optional.
	Heatmap ZoneFetcher
}

// NewWarmupJob creates a warmup job.
func NewWarmupJob(cfg WarmupJobConfig) *WarmupJob {
	config := cfg.Config.withDefaults()

	hotspots := append([]Hotspot(nil), config.Hotspots...)
	sort.SliceStable(hotspots, func(i, j int) bool {
		return hotspots[i].Priority < hotspots[j].Priority
	})
	config.Hotspots = hotspots

	return &WarmupJob{
		config:  config,
		logger:  cfg.Logger,
		tips:    cfg.Tips,
		heatmap: cfg.Heatmap,
	}
}

// WarmupResult contains the result of one warmup run.
type WarmupResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Total     int
	Succeeded int
	Failed    int
	Tips      int
	Zones     int
	Errors    []WarmupError
}

// WarmupError describes a failed hotspot.
type WarmupError struct {
	Hotspot string
	Source  string
	Error   string
}

type hotspotResult struct {
	tips   int
	zones  int
	errors []WarmupError
}

// Run warms every hotspot using a fixed pool of workers.
func (j *WarmupJob) Run(ctx context.Context) *WarmupResult {
	start := time.Now()
	result := &WarmupResult{StartTime: start, Total: len(j.config.Hotspots)}

	j.logger.Info().
		Int("hotspots", result.Total).
		Int("concurrency", j.config.Concurrency).
		Msg("starting cache warmup")

	jobs := make(chan Hotspot, len(j.config.Hotspots))
	results := make(chan hotspotResult, len(j.config.Hotspots))

	var wg sync.WaitGroup
	for i := 0; i < j.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range jobs {
				if ctx.Err() != nil {
					results <- hotspotResult{errors: []WarmupError{{Hotspot: h.Name, Source: "tips", Error: ctx.Err().Error()}}}
					continue
				}
				results <- j.warm(ctx, h)
			}
		}()
	}

	for _, h := range j.config.Hotspots {
		jobs <- h
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		if len(r.errors) == 0 {
			result.Succeeded++
		} else {
			result.Failed++
			result.Errors = append(result.Errors, r.errors...)
		}
		result.Tips += r.tips
		result.Zones += r.zones
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(start)
	j.record(result)

	j.logger.Info().
		Dur("duration", result.Duration).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("tips", result.Tips).
		Int("zones", result.Zones).
		Msg("cache warmup completed")

	return result
}

func (j *WarmupJob) warm(ctx context.Context, h Hotspot) hotspotResult {
	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	var r hotspotResult

	found, err := j.tips.FetchTips(ctx, tips.Query{Center: h.Center, RadiusMeters: j.config.RadiusMeters})
	if err != nil {
		j.logger.Warn().Err(err).Str("hotspot", h.Name).Msg("tip warmup failed")
		r.errors = append(r.errors, WarmupError{Hotspot: h.Name, Source: "tips", Error: err.Error()})
	} else {
		r.tips = len(found)
	}

	if j.heatmap != nil && j.config.HeatmapSpanDegrees > 0 {
		bounds := geo.BoundsFromPoints([]geo.Point{h.Center}).Pad(j.config.HeatmapSpanDegrees)
		zones, err := j.heatmap.GetZones(ctx, bounds)
		if err != nil {
			j.logger.Warn().Err(err).Str("hotspot", h.Name).Msg("heatmap warmup failed")
			r.errors = append(r.errors, WarmupError{Hotspot: h.Name, Source: "heatmap", Error: err.Error()})
		} else {
			r.zones = len(zones)
		}
	}
	return r
}

func (j *WarmupJob) record(result *WarmupResult) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.metrics.TotalRuns++
	j.metrics.HotspotsWarmed += int64(result.Succeeded)
	j.metrics.HotspotsFailed += int64(result.Failed)
	j.metrics.TipsFetched += int64(result.Tips)
	j.metrics.ZonesFetched += int64(result.Zones)
	j.metrics.LastRunAt = result.EndTime
	j.metrics.LastRunDuration = result.Duration
	j.metrics.TotalRunDuration += result.Duration
}

// Metrics returns a copy of the accumulated metrics.
func (j *WarmupJob) Metrics() WarmupMetrics {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.metrics
}

// MetricsSnapshot returns the metrics as a map for status endpoints and logs.
func (j *WarmupJob) MetricsSnapshot() map[string]interface{} {
	m := j.Metrics()
	return map[string]interface{}{
		"total_runs":         m.TotalRuns,
		"hotspots_warmed":    m.HotspotsWarmed,
		"hotspots_failed":    m.HotspotsFailed,
		"tips_fetched":       m.TipsFetched,
		"zones_fetched":      m.ZonesFetched,
		"last_run_at":        m.LastRunAt,
		"last_run_duration":  m.LastRunDuration.String(),
		"total_run_duration": m.TotalRunDuration.String(),
	}
}
