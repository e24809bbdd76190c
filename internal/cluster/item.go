// Package cluster groups tips into map clusters per zoom level and serves
// viewport queries from a short-lived cache.
package cluster

import (
	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/tips"
)

// Kind discriminates Item.
type Kind int

const (
	// KindPoint is a single tip.
	KindPoint Kind = iota
	// KindCluster aggregates two or more tips.
	KindCluster
)

func (k Kind) String() string {
	if k == KindCluster {
		return "cluster"
	}
	return "point"
}

// ClusterID identifies a cluster within the index generation that produced it.
type ClusterID uint64

// Item is either a single tip (KindPoint) or a cluster (KindCluster).
type Item struct {
	Kind Kind

	// Position is the tip location for points and the weighted centroid for clusters.
	Position geo.Point

	// Tip is set for KindPoint.
	Tip *tips.Tip

	// ClusterID and PointCount are set for KindCluster.
	ClusterID  ClusterID
	PointCount int
}

// IsCluster reports whether item is a cluster.
func IsCluster(item Item) bool {
	return item.Kind == KindCluster
}
