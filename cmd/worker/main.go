// Package main provides the entrypoint for the SafeRoute background worker.
// It prefetches hotspots, sweeps the shared cache store and consumes job and
// invalidation messages from Pub/Sub.
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/api/models"
	"github.com/saferoute/saferoute/internal/api/response"
	"github.com/saferoute/saferoute/internal/config"
	"github.com/saferoute/saferoute/internal/heatmap"
	"github.com/saferoute/saferoute/internal/provider/resilience"
	"github.com/saferoute/saferoute/internal/provider/safetyapi"
	"github.com/saferoute/saferoute/internal/storage"
	"github.com/saferoute/saferoute/internal/telemetry"
	"github.com/saferoute/saferoute/internal/tips"
	"github.com/saferoute/saferoute/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "saferoute-worker"

	cfg, err := config.Load(serviceName, Version)
	if err != nil {
		bootstrap := bootstrapLogger(os.Stderr, serviceName)
		bootstrap.Fatal().Err(err).Msg("invalid configuration")
	}

	log := config.NewLogger(cfg.App, serviceName, Version)
	log.Info().Str("build_time", BuildTime).Msg("starting SafeRoute worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if err := run(ctx, cfg, tp, log); err != nil {
		log.Error().Err(err).Msg("worker exited with error")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}
	log.Info().Msg("worker stopped")
}

// bootstrapLogger logs failures that happen before the configured logger exists.
func bootstrapLogger(w io.Writer, serviceName string) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Str("service", serviceName).Logger()
}

func run(ctx context.Context, cfg *config.Config, tp *telemetry.Provider, log zerolog.Logger) error {
	cacheMetrics, err := telemetry.NewCacheMetrics(tp.Meter)
	if err != nil {
		return err
	}

	opened, err := storage.Open(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer opened.Close()

	backend := safetyapi.NewClient(safetyapi.ClientConfig{
		BaseURL:  cfg.SafetyAPI.BaseURL,
		APIKey:   cfg.SafetyAPI.APIKey,
		Timeout:  cfg.SafetyAPI.Timeout,
		Registry: resilience.NewRegistry(),
		Logger:   log,
	})

	tipSvc := tips.NewService(tips.ServiceConfig{
		Provider:     backend,
		Store:        opened.Store,
		Logger:       log,
		CacheTTL:     cfg.Cache.TipTTL,
		MaxEntries:   cfg.Cache.TipMaxEntries,
		FetchTimeout: cfg.SafetyAPI.Timeout,
		Recorder:     cacheMetrics,
	})
	heatmapSvc := heatmap.NewService(heatmap.ServiceConfig{
		Provider: backend,
		Cache: heatmap.NewCache(heatmap.CacheConfig{
			Store:      opened.Store,
			Logger:     log,
			TTL:        cfg.Cache.HeatmapTTL,
			MaxEntries: cfg.Cache.HeatmapMaxEntries,
			Recorder:   cacheMetrics,
		}),
		Logger:       log,
		FetchTimeout: cfg.SafetyAPI.Timeout,
	})

	warmup := worker.NewWarmupJob(worker.WarmupJobConfig{
		Config:  cfg.Worker.Warmup,
		Logger:  log,
		Tips:    tipSvc,
		Heatmap: heatmapSvc,
	})
	sweeper := worker.NewSweeper(worker.SweeperConfig{
		Tips:     tipSvc,
		Heatmap:  heatmapSvc,
		Interval: cfg.Worker.SweepInterval,
		Logger:   log,
	})

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      healthRouter(opened.Store, warmup),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		log.Info().Str("addr", server.Addr).Msg("health server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	go sweeper.Run(ctx)
	if cfg.Worker.WarmupOnStart {
		go warmup.Run(ctx)
	}

	if cfg.PubSub.Enabled() {
		subscriber, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        cfg.PubSub.ProjectID,
			SubscriptionName: cfg.PubSub.JobsSubscription,
			Dispatcher: &worker.Dispatcher{
				InstanceID:  cfg.App.InstanceID,
				Invalidator: tipSvc,
				Warmup:      warmup,
				Sweeper:     sweeper,
				Logger:      log,
			},
			Logger: log,
		})
		if err != nil {
			return err
		}
		defer func() { _ = subscriber.Close() }()

		if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	} else {
		log.Info().Msg("PUBSUB_PROJECT_ID not set - running sweeper only")
		<-ctx.Done()
	}

	log.Info().Msg("shutting down worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func healthRouter(store storage.Store, warmup *worker.WarmupJob) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, models.Health{
			Status:  models.HealthStatusOK,
			Time:    models.Timestamp(time.Now()),
			Details: map[string]any{"version": Version},
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if _, err := store.Get(r.Context(), "saferoute:readiness"); err != nil && !errors.Is(err, storage.ErrNotFound) {
			response.ServiceUnavailable(w, r, "cache store unreachable")
			return
		}
		response.JSON(w, r, http.StatusOK, models.Health{
			Status:  models.HealthStatusOK,
			Time:    models.Timestamp(time.Now()),
			Details: map[string]any{"warmup": warmup.MetricsSnapshot()},
		})
	})
	return r
}
