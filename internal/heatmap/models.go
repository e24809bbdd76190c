// Package heatmap serves aggregated safety zones for a viewport, cached per
// coarsely rounded bounding box.
package heatmap

import (
	"context"
	"errors"
	"math"

	"github.com/saferoute/saferoute/internal/geo"
)

// ErrMalformedPayload is returned by providers when the backend reply cannot be decoded.
var ErrMalformedPayload = errors.New("malformed heatmap payload")

// Zone is an aggregated safety zone.
type Zone struct {
	ID               string  `json:"id"`
	Lat              float64 `json:"latitude"`
	Lon              float64 `json:"longitude"`
	Radius           float64 `json:"radius"`
	Intensity        float64 `json:"intensity"`
	TipCount         int     `json:"tip_count"`
	DominantCategory string  `json:"dominant_category,omitempty"`
}

// Valid reports whether the zone has usable coordinates.
func (z Zone) Valid() bool {
	return geo.ValidCoordinate(geo.Point{Lat: z.Lat, Lon: z.Lon}) && finite(z.Radius) && z.Radius >= 0
}

// Payload is the backend reply for a heatmap query.
type Payload struct {
	Success bool   `json:"success"`
	Zones   []Zone `json:"zones"`
}

// Provider fetches heatmap zones for bounds.
type Provider interface {
	FetchHeatmap(ctx context.Context, bounds geo.Bounds) (*Payload, error)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
