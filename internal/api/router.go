// Package api provides the HTTP API for SafeRoute.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/api/handler"
	"github.com/saferoute/saferoute/internal/api/middleware"
	"github.com/saferoute/saferoute/internal/api/models"
	"github.com/saferoute/saferoute/internal/auth"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger     zerolog.Logger
	Metrics    *middleware.Metrics
	RequireTLS bool

	Ops         handler.OpsConfig
	Tips        handler.TipService
	Invalidator handler.TipInvalidator
	Clusters    handler.ClusterEngine
	Analyzer    handler.RouteAnalyzer
	Heatmap     handler.ZoneService
	Sweeper     handler.CacheSweeper

	// Tokens validates admin bearer tokens. Admin routes are not mounted when nil.
	Tokens *auth.JWTService
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware - order matters
	r.Use(middleware.RequestID) // Generate/propagate request ID first
	r.Use(middleware.Tracing)   // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))         // Structured logging
	r.Use(middleware.Recovery(cfg.Logger))       // Panic recovery
	r.Use(chimiddleware.RealIP)                  // Real IP extraction
	r.Use(middleware.SecurityHeaders)            // Security headers (HSTS, CSP, etc.)
	r.Use(middleware.RequireTLS(cfg.RequireTLS)) // TLS enforcement behind a load balancer
	r.Use(middleware.ContentTypeJSON)            // JSON content type
	r.Use(middleware.RequireJSON)                // Reject non-JSON bodies

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		p := models.NewNotFound(middleware.GetRequestID(r.Context()), "no route for "+r.Method+" "+r.URL.Path)
		p.Instance = r.URL.Path
		p.Write(w)
	})

	opsHandler := handler.NewOpsHandler(cfg.Ops)
	tipsHandler := handler.NewTipsHandler(cfg.Tips, cfg.Logger)
	clustersHandler := handler.NewClustersHandler(cfg.Tips, cfg.Clusters)
	routesHandler := handler.NewRoutesHandler(cfg.Analyzer)
	heatmapHandler := handler.NewHeatmapHandler(cfg.Heatmap)

	submissionRateLimit := middleware.RateLimitByIP(middleware.SubmissionRateLimit) // 10 req/min
	expensiveRateLimit := middleware.RateLimitByIP(middleware.ExpensiveRateLimit)   // 30 req/min
	standardRateLimit := middleware.RateLimitByIP(middleware.StandardRateLimit)     // 100 req/min

	r.Route("/v1", func(r chi.Router) {
		// Ops endpoints (public)
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			r.Get("/status", opsHandler.SystemStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.ForwardAuthToken)

			r.Route("/tips", func(r chi.Router) {
				r.With(standardRateLimit).Get("/", tipsHandler.ListTips)
				r.With(submissionRateLimit).Post("/", tipsHandler.SubmitTip)

				r.Route("/clusters", func(r chi.Router) {
					r.Use(standardRateLimit)
					r.Get("/", clustersHandler.GetClusters)
					r.Get("/{clusterId}/leaves", clustersHandler.GetLeaves)
					r.Get("/{clusterId}/expansion-zoom", clustersHandler.GetExpansionZoom)
				})
			})

			r.With(standardRateLimit).Get("/heatmap", heatmapHandler.GetHeatmap)

			// Route analysis fans out to the safety backend
			r.With(expensiveRateLimit).Post("/routes:safety", routesHandler.AnalyzeRoute)
			r.With(expensiveRateLimit).Post("/routes:compare", routesHandler.CompareRoutes)
		})

		if cfg.Tokens != nil {
			adminHandler := handler.NewAdminHandler(cfg.Invalidator, cfg.Sweeper, cfg.Logger)

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.AdminAuth(cfg.Tokens))
				r.Use(standardRateLimit)
				r.Post("/caches/invalidate", adminHandler.InvalidateCaches)
				r.Post("/caches/sweep", adminHandler.SweepCaches)
			})
		}
	})

	return r
}
