// Package tips fetches community safety tips from the safety backend and
// caches query results in the persistent tip cache.
package tips

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/saferoute/saferoute/internal/geo"
)

// Category classifies a tip.
type Category string

const (
	CategoryLighting     Category = "lighting"
	CategoryHarassment   Category = "harassment"
	CategoryTransit      Category = "transit"
	CategorySafeHaven    Category = "safe_haven"
	CategoryConstruction Category = "construction"
)

// Categories lists every known category.
var Categories = []Category{
	CategoryLighting,
	CategoryHarassment,
	CategoryTransit,
	CategorySafeHaven,
	CategoryConstruction,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Severity is the reported severity of a tip.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Tip is a normalized hazard or safety report. Tips are read-only once fetched.
type Tip struct {
	ID           string     `json:"id"`
	Lat          float64    `json:"latitude"`
	Lon          float64    `json:"longitude"`
	Category     Category   `json:"category"`
	Severity     Severity   `json:"severity"`
	Title        string     `json:"title,omitempty"`
	Description  string     `json:"description,omitempty"`
	HelpfulCount int        `json:"helpful_count"`
	Verified     bool       `json:"verified"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
}

// Point returns the tip position.
func (t Tip) Point() geo.Point {
	return geo.Point{Lat: t.Lat, Lon: t.Lon}
}

// RawTip is a tip as returned by the backend, before normalization.
// Coordinates and ids arrive as numbers or strings and may be missing.
type RawTip struct {
	ID           any     `json:"id"`
	Latitude     any     `json:"latitude"`
	Longitude    any     `json:"longitude"`
	Category     string  `json:"category"`
	Severity     string  `json:"severity"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	HelpfulCount *int    `json:"helpful_count"`
	Verified     *bool   `json:"verified"`
	CreatedAt    *string `json:"created_at"`
}

// Query selects tips around a center or inside explicit bounds.
type Query struct {
	Center       geo.Point
	RadiusMeters float64
	Category     string // empty or "all" for no filter
	TimeFilter   string // optional time relevance filter
	Bounds       *geo.Bounds
}

// CategoryOrAll returns the category filter, defaulting to "all".
func (q Query) CategoryOrAll() string {
	if q.Category == "" {
		return "all"
	}
	return q.Category
}

// CacheKey builds the cache key for q. The center and bounds are rounded to
// 4 decimal places so near-identical viewports share an entry.
func (q Query) CacheKey() string {
	timeFilter := q.TimeFilter
	if timeFilter == "" {
		timeFilter = "any"
	}

	key := fmt.Sprintf("%.4f_%.4f_r%s_c%s_t%s",
		q.Center.Lat, q.Center.Lon,
		strconv.FormatFloat(q.RadiusMeters, 'f', -1, 64),
		q.CategoryOrAll(),
		timeFilter,
	)
	if q.Bounds != nil {
		key += "_b" + q.Bounds.Format(4)
	}
	return key
}

// BoundsQuery returns a query for every tip inside b: centered on the box
// with a radius reaching its north-east corner.
func BoundsQuery(b geo.Bounds) Query {
	center := geo.Point{
		Lat: (b.South + b.North) / 2,
		Lon: (b.West + b.East) / 2,
	}
	return Query{
		Center:       center,
		RadiusMeters: math.Ceil(geo.Distance(center, geo.Point{Lat: b.North, Lon: b.East})),
		Bounds:       &b,
	}
}

// Provider is the upstream tip source.
type Provider interface {
	// SearchTips runs a tip search. Errors are *apierror.Error values.
	SearchTips(ctx context.Context, q Query) ([]RawTip, error)

	// SubmitTip forwards a submission body unchanged and returns the backend reply.
	SubmitTip(ctx context.Context, body json.RawMessage) (json.RawMessage, error)
}

type authTokenKey struct{}

// WithAuthToken attaches the caller's bearer token for forwarding upstream.
func WithAuthToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, authTokenKey{}, token)
}

// AuthToken returns the bearer token attached with WithAuthToken.
func AuthToken(ctx context.Context) string {
	token, _ := ctx.Value(authTokenKey{}).(string)
	return token
}
