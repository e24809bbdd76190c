package routesafety

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/tips"
)

// TipFetcher fetches the tips for a query. *tips.Service implements it.
type TipFetcher interface {
	FetchTips(ctx context.Context, q tips.Query) ([]tips.Tip, error)
}

// AnalyzerConfig holds configuration for the analyzer.
type AnalyzerConfig struct {
	Tips   TipFetcher
	Logger zerolog.Logger

	// MaxConcurrent bounds parallel analyses in Compare (default: 4).
	MaxConcurrent int
}

// Analyzer scores routes. It holds no state besides its collaborators.
type Analyzer struct {
	tips          TipFetcher
	logger        zerolog.Logger
	maxConcurrent int
}

// NewAnalyzer creates a route safety analyzer.
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Analyzer{
		tips:          cfg.Tips,
		logger:        cfg.Logger,
		maxConcurrent: maxConcurrent,
	}
}

// Analyze fetches the tips around route and scores it segment by segment.
// Errors from the tip fetch are returned unchanged.
func (a *Analyzer) Analyze(ctx context.Context, route []geo.Point) (*Analysis, error) {
	var nearby []tips.Tip
	if len(route) > 0 {
		q := routeQuery(route)
		fetched, err := a.tips.FetchTips(ctx, q)
		if err != nil {
			return nil, err
		}
		nearby = fetched
	}

	start := time.Now()
	analysis := Score(route, nearby)

	a.logger.Debug().
		Int("points", len(route)).
		Int("tips", len(nearby)).
		Int("segments", len(analysis.Segments)).
		Int("overall_score", analysis.OverallScore).
		Dur("duration", time.Since(start)).
		Msg("route analyzed")
	return analysis, nil
}

// Ranked is one analyzed alternative in a comparison.
type Ranked struct {
	// Index is the position of the route in the Compare input.
	Index    int       `json:"index"`
	Analysis *Analysis `json:"analysis"`
}

// Compare analyzes alternative routes and ranks them safest first. Ties are
// broken by shorter total distance, then by input order.
func (a *Analyzer) Compare(ctx context.Context, routes [][]geo.Point) ([]Ranked, error) {
	ranked := make([]Ranked, len(routes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.maxConcurrent)
	for i, route := range routes {
		g.Go(func() error {
			analysis, err := a.Analyze(gctx, route)
			if err != nil {
				return err
			}
			ranked[i] = Ranked{Index: i, Analysis: analysis}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		ai, aj := ranked[i].Analysis, ranked[j].Analysis
		if ai.OverallScore != aj.OverallScore {
			return ai.OverallScore > aj.OverallScore
		}
		return ai.TotalDistance < aj.TotalDistance
	})
	return ranked, nil
}

// Score analyzes route against an already fetched tip set. It is pure and
// deterministic.
func Score(route []geo.Point, nearby []tips.Tip) *Analysis {
	segments := Partition(route)

	total := 0
	danger := 0
	for i := range segments {
		seg := &segments[i]
		seg.Tips = tipsNear(seg.Coordinates, nearby)
		seg.Score = segmentScore(seg.Tips)
		seg.Color = ColorFor(seg.Score)
		total += seg.Score
		if seg.Score < DangerThreshold {
			danger++
		}
	}

	overall := int(math.Round(float64(total) / float64(len(segments))))
	return &Analysis{
		Segments:      segments,
		OverallScore:  overall,
		DangerZones:   danger,
		TotalDistance: geo.PathLength(route),
		Rating:        RatingFor(overall),
	}
}

// Partition splits route into segments of at least SegmentLengthMeters.
// Adjacent segments share their boundary point and the final partial segment
// is kept. Routes with fewer than two points form one degenerate segment.
func Partition(route []geo.Point) []Segment {
	if len(route) < 2 {
		coords := make([]geo.Point, len(route))
		copy(coords, route)
		return []Segment{{Coordinates: coords}}
	}

	var segments []Segment
	current := []geo.Point{route[0]}
	dist := 0.0
	for i := 1; i < len(route); i++ {
		dist += geo.Distance(route[i-1], route[i])
		current = append(current, route[i])
		if dist >= SegmentLengthMeters {
			segments = append(segments, Segment{Coordinates: current, DistanceMeters: dist})
			current = []geo.Point{route[i]}
			dist = 0
		}
	}
	if len(current) > 1 {
		segments = append(segments, Segment{Coordinates: current, DistanceMeters: dist})
	}
	return segments
}

func tipsNear(coords []geo.Point, candidates []tips.Tip) []tips.Tip {
	out := []tips.Tip{}
	for _, t := range candidates {
		if nearSegment(t.Point(), coords) {
			out = append(out, t)
		}
	}
	return out
}

func nearSegment(p geo.Point, coords []geo.Point) bool {
	switch len(coords) {
	case 0:
		return false
	case 1:
		return geo.Distance(p, coords[0]) <= BufferMeters
	}
	for i := 1; i < len(coords); i++ {
		if geo.DistanceToSegment(p, coords[i-1], coords[i]) <= BufferMeters {
			return true
		}
	}
	return false
}

func segmentScore(nearby []tips.Tip) int {
	if len(nearby) == 0 {
		return BaselineScore
	}
	weight := 0.0
	for _, t := range nearby {
		weight += categoryWeights[t.Category]
	}
	score := math.Max(0, 100-weight/weightScale*100)
	return int(math.Round(math.Min(100, score)))
}

// routeQuery builds the tip query covering route's padded bounding box.
func routeQuery(route []geo.Point) tips.Query {
	return tips.BoundsQuery(geo.BoundsFromPoints(route).Pad(BoundsPaddingDegrees))
}
