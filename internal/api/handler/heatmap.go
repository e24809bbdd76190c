package handler

import (
	"context"
	"net/http"

	"github.com/saferoute/saferoute/internal/api/models"
	"github.com/saferoute/saferoute/internal/api/response"
	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/heatmap"
)

// ZoneService returns heatmap zones for a viewport.
type ZoneService interface {
	GetZones(ctx context.Context, bounds geo.Bounds) ([]heatmap.Zone, error)
}

// HeatmapHandler serves heatmap zones.
type HeatmapHandler struct {
	zones ZoneService
}

// NewHeatmapHandler creates a new HeatmapHandler.
func NewHeatmapHandler(zones ZoneService) *HeatmapHandler {
	return &HeatmapHandler{zones: zones}
}

// GetHeatmap handles GET /v1/heatmap.
func (h *HeatmapHandler) GetHeatmap(w http.ResponseWriter, r *http.Request) {
	bounds, err := boundsParam(r.URL.Query())
	if err != nil {
		response.BadRequest(w, r, "invalid viewport", fieldError("bounds", err))
		return
	}

	zones, err := h.zones.GetZones(r.Context(), bounds)
	if err != nil {
		response.Upstream(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, models.HeatmapResponse{Zones: nonNil(zones), Count: len(zones)})
}
