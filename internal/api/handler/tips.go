package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/api/models"
	"github.com/saferoute/saferoute/internal/api/response"
	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/tips"
)

const (
	// DefaultTipRadiusMeters is used when a tip search omits radius.
	DefaultTipRadiusMeters = 1000

	// MaxTipRadiusMeters bounds the search radius.
	MaxTipRadiusMeters = 50000

	// MapSessionHeader names a client's map session. Requests sharing a
	// session are latest-wins: a newer one cancels the one in flight.
	MapSessionHeader = "X-Map-Session"
)

// TipService is the tip search and submission layer.
type TipService interface {
	FetchTips(ctx context.Context, q tips.Query) ([]tips.Tip, error)
	FetchTipsLatest(ctx context.Context, slot string, q tips.Query) ([]tips.Tip, error)
	SubmitTip(ctx context.Context, body json.RawMessage) (json.RawMessage, error)
}

// TipsHandler handles tip search and submission.
type TipsHandler struct {
	tips   TipService
	logger zerolog.Logger
}

// NewTipsHandler creates a new TipsHandler.
func NewTipsHandler(svc TipService, logger zerolog.Logger) *TipsHandler {
	return &TipsHandler{tips: svc, logger: logger}
}

// ListTips handles GET /v1/tips.
func (h *TipsHandler) ListTips(w http.ResponseWriter, r *http.Request) {
	q, fieldErrs := parseTipQuery(r)
	if fieldErrs != nil {
		response.BadRequest(w, r, "invalid tip query", fieldErrs)
		return
	}

	result, err := fetch(r, h.tips, q)
	if err != nil {
		response.Upstream(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, models.TipsResponse{Tips: nonNil(result), Count: len(result)})
}

// SubmitTip handles POST /v1/tips. The body is forwarded to the safety
// backend unchanged with the caller's bearer token.
func (h *TipsHandler) SubmitTip(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := decodeJSON(w, r, &body); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	reply, err := h.tips.SubmitTip(r.Context(), body)
	if err != nil {
		response.Upstream(w, r, err)
		return
	}

	h.logger.Info().Str("request_id", requestID(r)).Msg("tip submitted")
	response.Created(w, r, models.SubmitTipResponse{Result: reply})
}

// parseTipQuery reads lat, lon, radius, category, time and bounds. Either a
// center (lat and lon) or bounds is required.
func parseTipQuery(r *http.Request) (tips.Query, []models.FieldError) {
	values := r.URL.Query()
	var q tips.Query

	if values.Get("bounds") != "" {
		b, err := boundsParam(values)
		if err != nil {
			return q, fieldError("bounds", err)
		}
		q = tips.BoundsQuery(b)
	}

	lat, hasLat, err := floatParam(values, "lat")
	if err != nil {
		return q, fieldError("lat", err)
	}
	lon, hasLon, err := floatParam(values, "lon")
	if err != nil {
		return q, fieldError("lon", err)
	}
	switch {
	case hasLat && hasLon:
		center := geo.Point{Lat: lat, Lon: lon}
		if !geo.ValidCoordinate(center) {
			return q, []models.FieldError{{Field: "lat", Message: "coordinate out of range"}}
		}
		q.Center = center
		if q.Bounds == nil {
			q.RadiusMeters = DefaultTipRadiusMeters
		}
	case hasLat || hasLon:
		return q, []models.FieldError{{Field: "lat", Message: "lat and lon must be given together"}}
	case q.Bounds == nil:
		return q, []models.FieldError{{Field: "lat", Message: "lat and lon, or bounds, are required"}}
	}

	radius, hasRadius, err := floatParam(values, "radius")
	if err != nil {
		return q, fieldError("radius", err)
	}
	if hasRadius {
		if radius <= 0 || radius > MaxTipRadiusMeters {
			return q, []models.FieldError{{Field: "radius", Message: "radius must be in (0, 50000]"}}
		}
		q.RadiusMeters = radius
	}

	if category := values.Get("category"); category != "" && category != "all" {
		if !tips.Category(category).Valid() {
			return q, []models.FieldError{{Field: "category", Message: "unknown category"}}
		}
		q.Category = category
	}
	q.TimeFilter = values.Get("time")

	return q, nil
}

// fetch runs q latest-wins when the client names a map session.
func fetch(r *http.Request, svc TipService, q tips.Query) ([]tips.Tip, error) {
	if session := r.Header.Get(MapSessionHeader); session != "" {
		return svc.FetchTipsLatest(r.Context(), session, q)
	}
	return svc.FetchTips(r.Context(), q)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
