package cluster

import "math"

const (
	maxMapZoom       = 20.0
	minLatitudeDelta = 1e-6
)

// ZoomFromLatitudeDelta approximates a map zoom level from the visible
// latitude span as log2(360/delta), clamped to [0, 20]. Spans of 360 or more
// map to 0; spans at or below 1e-6 (including zero, negatives and NaN) map to 20.
func ZoomFromLatitudeDelta(delta float64) float64 {
	switch {
	case math.IsNaN(delta) || delta <= minLatitudeDelta:
		return maxMapZoom
	case delta >= 360:
		return 0
	}

	zoom := math.Log2(360 / delta)
	return math.Max(0, math.Min(maxMapZoom, zoom))
}
