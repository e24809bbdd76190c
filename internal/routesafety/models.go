// Package routesafety scores walking routes against nearby community safety tips.
package routesafety

import (
	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/tips"
)

// Segment colors.
const (
	ColorSafe    = "#22C55E"
	ColorCaution = "#F59E0B"
	ColorDanger  = "#EF4444"
	colorGeneral = "#84CC16"
)

// Scoring parameters.
const (
	// SegmentLengthMeters is the minimum cumulative length of a segment.
	SegmentLengthMeters = 100.0

	// BufferMeters is how close a tip must be to count against a segment.
	BufferMeters = 50.0

	// BoundsPaddingDegrees pads the route bounding box used to fetch tips.
	BoundsPaddingDegrees = 0.001

	// BaselineScore is given to segments without any nearby tips.
	BaselineScore = 85

	// DangerThreshold marks segments scoring below it as danger zones.
	DangerThreshold = 40

	weightScale = 50.0
)

// categoryWeights is the hazard weight per tip category. Safe havens offset hazards.
var categoryWeights = map[tips.Category]float64{
	tips.CategoryHarassment:   10,
	tips.CategoryConstruction: 3,
	tips.CategoryLighting:     5,
	tips.CategoryTransit:      2,
	tips.CategorySafeHaven:    -5,
}

// Segment is a contiguous piece of a route with its score.
type Segment struct {
	Coordinates    []geo.Point `json:"coordinates"`
	Score          int         `json:"score"`
	Color          string      `json:"color"`
	Tips           []tips.Tip  `json:"tips"`
	DistanceMeters float64     `json:"distance_meters"`
}

// Analysis is the safety breakdown of one route.
type Analysis struct {
	Segments      []Segment `json:"segments"`
	OverallScore  int       `json:"overall_score"`
	DangerZones   int       `json:"danger_zones"`
	TotalDistance float64   `json:"total_distance_meters"`
	Rating        Rating    `json:"rating"`
}

// DangerSegments returns the segments scoring below DangerThreshold.
func (a *Analysis) DangerSegments() []Segment {
	var out []Segment
	for _, s := range a.Segments {
		if s.Score < DangerThreshold {
			out = append(out, s)
		}
	}
	return out
}

// Rating is a display label for a score.
type Rating struct {
	Label string `json:"label"`
	Color string `json:"color"`
}

// RatingFor classifies a score for display.
func RatingFor(score int) Rating {
	switch {
	case score >= 80:
		return Rating{Label: "Very Safe", Color: ColorSafe}
	case score >= 60:
		return Rating{Label: "Generally Safe", Color: colorGeneral}
	case score >= 40:
		return Rating{Label: "Use Caution", Color: ColorCaution}
	default:
		return Rating{Label: "High Risk", Color: ColorDanger}
	}
}

// ColorFor returns the segment color for a score.
func ColorFor(score int) string {
	switch {
	case score >= 70:
		return ColorSafe
	case score >= 40:
		return ColorCaution
	default:
		return ColorDanger
	}
}
