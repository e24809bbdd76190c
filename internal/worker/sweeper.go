package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/cache"
	"github.com/saferoute/saferoute/internal/cluster"
)

// DefaultSweepInterval is how often the sweeper runs.
const DefaultSweepInterval = 60 * time.Second

// TipSweeper bounds the tip cache.
type TipSweeper interface {
	Sweep(ctx context.Context) (cache.SweepResult, error)
}

// HeatmapCleaner bounds the heatmap cache.
type HeatmapCleaner interface {
	Cleanup(ctx context.Context) error
}

// ClusterCleaner drops expired clustering state.
type ClusterCleaner interface {
	PeriodicCleanup() cluster.CleanupResult
}

// SweeperConfig holds configuration for the sweeper. Nil collaborators are skipped.
type SweeperConfig struct {
	Tips     TipSweeper
	Heatmap  HeatmapCleaner
	Clusters ClusterCleaner
	Interval time.Duration
	Logger   zerolog.Logger
}

// Sweeper periodically expires and evicts cache entries, independent of
// request traffic.
type Sweeper struct {
	tips     TipSweeper
	heatmap  HeatmapCleaner
	clusters ClusterCleaner
	interval time.Duration
	logger   zerolog.Logger
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Tips     cache.SweepResult
	Clusters cluster.CleanupResult
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		tips:     cfg.Tips,
		heatmap:  cfg.Heatmap,
		clusters: cfg.Clusters,
		interval: interval,
		logger:   cfg.Logger,
	}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("cache sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("cache sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("cache sweep failed")
			}
		}
	}
}

// RunOnce sweeps every configured cache once. A failing cache does not stop
// the others; their errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var errs []error

	if s.tips != nil {
		res, err := s.tips.Sweep(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		report.Tips = res
	}
	if s.heatmap != nil {
		if err := s.heatmap.Cleanup(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.clusters != nil {
		report.Clusters = s.clusters.PeriodicCleanup()
	}

	if report.Tips.Removed() > 0 || report.Clusters.IndexDropped || report.Clusters.ViewportsExpired > 0 {
		s.logger.Debug().
			Int("tips_removed", report.Tips.Removed()).
			Int("tips_remaining", report.Tips.Remaining).
			Bool("cluster_index_dropped", report.Clusters.IndexDropped).
			Int("viewports_expired", report.Clusters.ViewportsExpired).
			Msg("cache sweep completed")
	}
	return report, errors.Join(errs...)
}
