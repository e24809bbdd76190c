package cluster

import (
	"math"
	"strconv"

	"github.com/paulmach/orb/geojson"
)

// FeatureCollection renders items as GeoJSON. Clusters carry cluster=true,
// cluster_id, point_count and point_count_abbreviated; points carry the tip
// properties and cluster=false.
func FeatureCollection(items []Item) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, it := range items {
		fc.Append(Feature(it))
	}
	return fc
}

// Feature renders a single item as a GeoJSON point feature.
func Feature(it Item) *geojson.Feature {
	f := geojson.NewFeature(it.Position.Orb())

	if IsCluster(it) {
		f.ID = uint64(it.ClusterID)
		f.Properties["cluster"] = true
		f.Properties["cluster_id"] = uint64(it.ClusterID)
		f.Properties["point_count"] = it.PointCount
		f.Properties["point_count_abbreviated"] = abbreviate(it.PointCount)
		return f
	}

	t := it.Tip
	f.ID = t.ID
	f.Properties["cluster"] = false
	f.Properties["id"] = t.ID
	f.Properties["category"] = string(t.Category)
	f.Properties["severity"] = string(t.Severity)
	f.Properties["helpful_count"] = t.HelpfulCount
	f.Properties["verified"] = t.Verified
	if t.Title != "" {
		f.Properties["title"] = t.Title
	}
	return f
}

func abbreviate(count int) string {
	switch {
	case count >= 10000:
		return strconv.Itoa(int(math.Round(float64(count)/1000))) + "k"
	case count >= 1000:
		return strconv.FormatFloat(math.Round(float64(count)/100)/10, 'f', -1, 64) + "k"
	default:
		return strconv.Itoa(count)
	}
}
