// Package main provides the entrypoint for the SafeRoute API server.
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

	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/api"
	"github.com/saferoute/saferoute/internal/api/handler"
	"github.com/saferoute/saferoute/internal/api/middleware"
	"github.com/saferoute/saferoute/internal/auth"
	"github.com/saferoute/saferoute/internal/cluster"
	"github.com/saferoute/saferoute/internal/config"
	"github.com/saferoute/saferoute/internal/heatmap"
	"github.com/saferoute/saferoute/internal/provider/resilience"
	"github.com/saferoute/saferoute/internal/provider/safetyapi"
	"github.com/saferoute/saferoute/internal/routesafety"
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
	const serviceName = "saferoute-api"

	cfg, err := config.Load(serviceName, Version)
	if err != nil {
		bootstrap := bootstrapLogger(os.Stderr, serviceName)
		bootstrap.Fatal().Err(err).Msg("invalid configuration")
	}

	log := config.NewLogger(cfg.App, serviceName, Version)
	log.Info().
		Str("build_time", BuildTime).
		Str("env", cfg.App.Env).
		Msg("starting SafeRoute API")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry
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
	if cfg.Telemetry.Enabled {
		log.Info().
			Str("otlp_endpoint", cfg.Telemetry.OTLPEndpoint).
			Float64("sample_ratio", cfg.Telemetry.SampleRatio).
			Msg("OpenTelemetry initialized")
	}

	if err := run(ctx, cfg, tp, log); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}
	log.Info().Msg("server stopped")
}

// bootstrapLogger logs failures that happen before the configured logger exists.
func bootstrapLogger(w io.Writer, serviceName string) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Str("service", serviceName).Logger()
}

func run(ctx context.Context, cfg *config.Config, tp *telemetry.Provider, log zerolog.Logger) error {
	metrics, err := middleware.NewMetrics(tp.Meter)
	if err != nil {
		return err
	}
	cacheMetrics, err := telemetry.NewCacheMetrics(tp.Meter)
	if err != nil {
		return err
	}

	// Cache store
	opened, err := storage.Open(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer opened.Close()

	// Upstream
	registry := resilience.NewRegistry()
	backend := safetyapi.NewClient(safetyapi.ClientConfig{
		BaseURL:  cfg.SafetyAPI.BaseURL,
		APIKey:   cfg.SafetyAPI.APIKey,
		Timeout:  cfg.SafetyAPI.Timeout,
		Registry: registry,
		Logger:   log,
	})

	// Domain services
	tipSvc := tips.NewService(tips.ServiceConfig{
		Provider:     backend,
		Store:        opened.Store,
		Logger:       log,
		CacheTTL:     cfg.Cache.TipTTL,
		MaxEntries:   cfg.Cache.TipMaxEntries,
		FetchTimeout: cfg.SafetyAPI.Timeout,
		Recorder:     cacheMetrics,
	})
	engine := cluster.NewEngine(cluster.EngineConfig{Logger: log, Recorder: cacheMetrics})
	tipSvc.OnInvalidate(func(context.Context, tips.InvalidationEvent) { engine.Invalidate() })

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
	analyzer := routesafety.NewAnalyzer(routesafety.AnalyzerConfig{Tips: tipSvc, Logger: log})

	sizes, err := telemetry.ObserveCacheSizes(tp.Meter, map[string]telemetry.SizeFunc{
		"tips":    tipSvc.CacheSize,
		"heatmap": heatmapSvc.Cache().Len,
		"clusters": func(context.Context) (int, error) {
			return engine.Stats().ViewportEntries, nil
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = sizes.Unregister() }()

	// Background sweeping
	sweeper := worker.NewSweeper(worker.SweeperConfig{
		Tips:     tipSvc,
		Heatmap:  heatmapSvc,
		Clusters: engine,
		Interval: cfg.Worker.SweepInterval,
		Logger:   log,
	})
	go sweeper.Run(ctx)

	if cfg.Worker.WarmupOnStart {
		warmup := worker.NewWarmupJob(worker.WarmupJobConfig{
			Config:  cfg.Worker.Warmup,
			Logger:  log,
			Tips:    tipSvc,
			Heatmap: heatmapSvc,
		})
		go warmup.Run(ctx)
	}

	// Cross-instance invalidation
	if cfg.PubSub.Enabled() {
		publisher, err := worker.NewPubSubPublisher(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic, cfg.App.InstanceID, log)
		if err != nil {
			return err
		}
		defer publisher.Close()
		tipSvc.OnInvalidate(publisher.Listener())
		log.Info().Str("topic", cfg.PubSub.Topic).Msg("publishing tip invalidations")

		if cfg.PubSub.Subscription != "" {
			subscriber, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
				ProjectID:        cfg.PubSub.ProjectID,
				SubscriptionName: cfg.PubSub.Subscription,
				Dispatcher: &worker.Dispatcher{
					InstanceID:  cfg.App.InstanceID,
					Invalidator: tipSvc,
					Logger:      log,
				},
				Logger: log,
			})
			if err != nil {
				return err
			}
			defer func() { _ = subscriber.Close() }()
			go func() {
				if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("pubsub handler stopped")
				}
			}()
		}
	}

	var tokens *auth.JWTService
	if cfg.Admin.Enabled() {
		tokens = auth.NewJWTService(auth.JWTConfig{
			SigningKey: cfg.Admin.SigningKey,
			Issuer:     cfg.Admin.Issuer,
			Audience:   cfg.Admin.Audience,
		})
	} else {
		log.Warn().Msg("ADMIN_JWT_SIGNING_KEY not set - admin endpoints disabled")
	}

	router := api.NewRouter(api.RouterConfig{
		Logger:     log,
		Metrics:    metrics,
		RequireTLS: cfg.App.RequireTLS,
		Ops: handler.OpsConfig{
			Version:   Version,
			BuildTime: BuildTime,
			Registry:  registry,
			Store:     opened.Store,
			Tips:      tipSvc,
			Heatmap:   heatmapSvc.Cache(),
			Clusters:  engine,
		},
		Tips:        tipSvc,
		Invalidator: tipSvc,
		Clusters:    engine,
		Analyzer:    analyzer,
		Heatmap:     heatmapSvc,
		Sweeper:     sweeper,
		Tokens:      tokens,
	})

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
