// Package geo provides the geodesic helpers shared by clustering and route safety scoring.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// EarthRadiusMeters is the mean Earth radius used by all distance calculations.
const EarthRadiusMeters = 6_371_000.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Orb returns the point as an orb.Point ([lon, lat]).
func (p Point) Orb() orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

// PointFromOrb converts an orb.Point ([lon, lat]) to a Point.
func PointFromOrb(p orb.Point) Point {
	return Point{Lat: p.Lat(), Lon: p.Lon()}
}

// Distance returns the great-circle distance in meters between two points.
func Distance(p1, p2 Point) float64 {
	lat1 := p1.Lat * math.Pi / 180
	lat2 := p2.Lat * math.Pi / 180
	dLat := (p2.Lat - p1.Lat) * math.Pi / 180
	dLon := (p2.Lon - p1.Lon) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// DistanceToSegment approximates the distance from p to the segment a-b as the
// smaller of the distances to the two endpoints. Points that project onto the
// interior of a long segment are reported further away than they are.
func DistanceToSegment(p, a, b Point) float64 {
	return math.Min(Distance(p, a), Distance(p, b))
}

// PathLength returns the summed distance between consecutive points.
func PathLength(points []Point) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

// Bounds is an axis-aligned bounding box in degrees.
type Bounds struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// BoundsFromPoints returns the smallest box containing all points.
// An empty slice yields the zero Bounds.
func BoundsFromPoints(points []Point) Bounds {
	if len(points) == 0 {
		return Bounds{}
	}
	ls := make(orb.LineString, 0, len(points))
	for _, p := range points {
		ls = append(ls, p.Orb())
	}
	return BoundsFromOrb(ls.Bound())
}

// BoundsFromOrb converts an orb.Bound to Bounds.
func BoundsFromOrb(b orb.Bound) Bounds {
	return Bounds{
		South: b.Min.Lat(),
		West:  b.Min.Lon(),
		North: b.Max.Lat(),
		East:  b.Max.Lon(),
	}
}

// Orb returns the bounds as an orb.Bound.
func (b Bounds) Orb() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.West, b.South},
		Max: orb.Point{b.East, b.North},
	}
}

// Pad expands the box by deg degrees on every side.
func (b Bounds) Pad(deg float64) Bounds {
	return BoundsFromOrb(b.Orb().Pad(deg))
}

// Contains reports whether p lies inside the box, edges included.
func (b Bounds) Contains(p Point) bool {
	return b.Orb().Contains(p.Orb())
}

// Valid reports whether the box has ordered, finite, in-range edges.
func (b Bounds) Valid() bool {
	for _, v := range []float64{b.South, b.West, b.North, b.East} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.South <= b.North &&
		b.South >= -90 && b.North <= 90 &&
		b.West >= -180 && b.East <= 180
}

// String formats the box as "south,west,north,east" with full precision.
func (b Bounds) String() string {
	return b.Format(-1)
}

// Format formats the box as "south,west,north,east" rounded to prec decimals.
// A negative precision keeps the shortest exact representation.
func (b Bounds) Format(prec int) string {
	return strings.Join([]string{
		strconv.FormatFloat(b.South, 'f', prec, 64),
		strconv.FormatFloat(b.West, 'f', prec, 64),
		strconv.FormatFloat(b.North, 'f', prec, 64),
		strconv.FormatFloat(b.East, 'f', prec, 64),
	}, ",")
}

// ParseBounds parses "south,west,north,east".
func ParseBounds(s string) (Bounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Bounds{}, fmt.Errorf("bounds must have 4 comma-separated values, got %d", len(parts))
	}

	var vals [4]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return Bounds{}, fmt.Errorf("parse bounds value %q: %w", part, err)
		}
		vals[i] = v
	}

	b := Bounds{South: vals[0], West: vals[1], North: vals[2], East: vals[3]}
	if !b.Valid() {
		return Bounds{}, fmt.Errorf("bounds %s out of range", s)
	}
	return b, nil
}

// ValidCoordinate reports whether p is a finite, in-range coordinate.
func ValidCoordinate(p Point) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}
