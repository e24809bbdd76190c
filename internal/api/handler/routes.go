package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/saferoute/saferoute/internal/api/models"
	"github.com/saferoute/saferoute/internal/api/response"
	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/routesafety"
	"github.com/saferoute/saferoute/pkg/polyline"
)

// RouteAnalyzer scores routes against nearby tips.
type RouteAnalyzer interface {
	Analyze(ctx context.Context, route []geo.Point) (*routesafety.Analysis, error)
	Compare(ctx context.Context, routes [][]geo.Point) ([]routesafety.Ranked, error)
}

// RoutesHandler handles route safety analysis.
type RoutesHandler struct {
	analyzer RouteAnalyzer
}

// NewRoutesHandler creates a new RoutesHandler.
func NewRoutesHandler(analyzer RouteAnalyzer) *RoutesHandler {
	return &RoutesHandler{analyzer: analyzer}
}

// AnalyzeRoute handles POST /v1/routes:safety.
func (h *RoutesHandler) AnalyzeRoute(w http.ResponseWriter, r *http.Request) {
	var input models.RouteSafetyRequest
	if err := decodeJSON(w, r, &input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	route, err := routePoints(input.RouteInput)
	if err != nil {
		response.BadRequest(w, r, "invalid route", fieldError("coordinates", err))
		return
	}

	analysis, err := h.analyzer.Analyze(r.Context(), route)
	if err != nil {
		response.Upstream(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, analysis)
}

// CompareRoutes handles POST /v1/routes:compare.
func (h *RoutesHandler) CompareRoutes(w http.ResponseWriter, r *http.Request) {
	var input models.RouteCompareRequest
	if err := decodeJSON(w, r, &input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}
	if len(input.Routes) == 0 || len(input.Routes) > models.MaxCompareRoutes {
		response.BadRequest(w, r, fmt.Sprintf("between 1 and %d routes are required", models.MaxCompareRoutes), nil)
		return
	}

	routes := make([][]geo.Point, len(input.Routes))
	for i, in := range input.Routes {
		route, err := routePoints(in)
		if err != nil {
			response.BadRequest(w, r, "invalid route", fieldError(fmt.Sprintf("routes[%d]", i), err))
			return
		}
		routes[i] = route
	}

	ranked, err := h.analyzer.Compare(r.Context(), routes)
	if err != nil {
		response.Upstream(w, r, err)
		return
	}

	out := models.RouteCompareResponse{Routes: make([]models.RankedRoute, len(ranked))}
	for i, rk := range ranked {
		out.Routes[i] = models.RankedRoute{Index: rk.Index, Rank: i + 1, Analysis: rk.Analysis}
	}
	response.JSON(w, r, http.StatusOK, out)
}

// routePoints resolves a route given as coordinates or as a polyline.
func routePoints(in models.RouteInput) ([]geo.Point, error) {
	var route []geo.Point
	switch {
	case len(in.Coordinates) > 0 && in.Polyline != "":
		return nil, errors.New("give coordinates or polyline, not both")
	case in.Polyline != "":
		decoded, err := polyline.Decode(in.Polyline)
		if err != nil {
			return nil, fmt.Errorf("polyline: %w", err)
		}
		route = decoded
	case len(in.Coordinates) > 0:
		route = make([]geo.Point, len(in.Coordinates))
		for i, c := range in.Coordinates {
			route[i] = c.Geo()
		}
	default:
		return nil, errors.New("coordinates or polyline is required")
	}

	if len(route) > models.MaxRoutePoints {
		return nil, fmt.Errorf("at most %d points are allowed", models.MaxRoutePoints)
	}
	for i, p := range route {
		if !geo.ValidCoordinate(p) {
			return nil, fmt.Errorf("point %d is out of range", i)
		}
	}
	return route, nil
}
