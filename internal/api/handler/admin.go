package handler

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/api/middleware"
	"github.com/saferoute/saferoute/internal/api/models"
	"github.com/saferoute/saferoute/internal/api/response"
	"github.com/saferoute/saferoute/internal/tips"
	"github.com/saferoute/saferoute/internal/worker"
)

// TipInvalidator clears the tip cache and notifies listeners.
type TipInvalidator interface {
	Invalidate(ctx context.Context, event tips.InvalidationEvent) (int, error)
}

// CacheSweeper runs one cleanup pass over every cache.
type CacheSweeper interface {
	RunOnce(ctx context.Context) (worker.SweepReport, error)
}

// AdminHandler handles operator cache maintenance.
type AdminHandler struct {
	tips    TipInvalidator
	sweeper CacheSweeper
	logger  zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(tipSvc TipInvalidator, sweeper CacheSweeper, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{tips: tipSvc, sweeper: sweeper, logger: logger}
}

// InvalidateCaches handles POST /v1/admin/caches/invalidate. Listeners clear
// the clustering caches and publish the event to other instances.
func (h *AdminHandler) InvalidateCaches(w http.ResponseWriter, r *http.Request) {
	var input models.InvalidateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &input); err != nil {
			response.BadRequest(w, r, "invalid JSON body", nil)
			return
		}
	}
	if input.Reason == "" {
		input.Reason = "admin"
	}

	removed, err := h.tips.Invalidate(r.Context(), tips.InvalidationEvent{Reason: input.Reason})
	if err != nil {
		h.logger.Error().Err(err).Msg("admin invalidation failed")
		response.InternalError(w, r, "failed to clear the tip cache")
		return
	}

	h.logger.Info().
		Str("subject", middleware.GetSubject(r.Context())).
		Str("reason", input.Reason).
		Int("removed", removed).
		Msg("caches invalidated by operator")

	response.JSON(w, r, http.StatusOK, models.InvalidateResponse{Removed: removed, Reason: input.Reason})
}

// SweepCaches handles POST /v1/admin/caches/sweep.
func (h *AdminHandler) SweepCaches(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("admin sweep failed")
		response.InternalError(w, r, "cache sweep failed")
		return
	}

	response.JSON(w, r, http.StatusOK, models.SweepResponse{
		Tips: models.TipSweep{
			Expired:   report.Tips.Expired,
			Corrupt:   report.Tips.Corrupt,
			Evicted:   report.Tips.Evicted,
			Remaining: report.Tips.Remaining,
		},
		Clusters: models.ClusterSweep{
			IndexDropped:     report.Clusters.IndexDropped,
			ViewportsExpired: report.Clusters.ViewportsExpired,
		},
	})
}

func requestID(r *http.Request) string {
	return middleware.GetRequestID(r.Context())
}
