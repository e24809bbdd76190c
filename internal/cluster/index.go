package cluster

import (
	"errors"
	"math"
	"sort"

	"github.com/tidwall/rtree"

	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/tips"
)

// ErrStaleClusterID is returned when a cluster id was produced by a different index.
var ErrStaleClusterID = errors.New("cluster id does not belong to this index")

// ErrNotCluster is returned when an id does not refer to a cluster.
var ErrNotCluster = errors.New("id does not refer to a cluster")

const (
	generationBits = 20
	nodeMask       = 1<<32 - 1
	unprocessed    = math.MaxInt
)

// IndexOptions configures clustering.
type IndexOptions struct {
	Radius    float64 // cluster radius in pixels
	Extent    float64 // tile extent the radius is relative to
	MinZoom   int
	MaxZoom   int
	MinPoints int

	// Generation is stamped into every cluster id.
	Generation uint64
}

// DefaultIndexOptions returns radius 60, extent 512, zoom 0-16, min 2 points.
func DefaultIndexOptions() IndexOptions {
	return IndexOptions{
		Radius:    60,
		Extent:    512,
		MinZoom:   0,
		MaxZoom:   16,
		MinPoints: 2,
	}
}

type node struct {
	x, y       float64
	zoom       int // last zoom this node was processed at
	numPoints  int
	parent     int
	tip        int // index into Index.tips, -1 for clusters
	originZoom int // zoom+1 of the level the cluster was formed at
	children   []int
}

func (n *node) isCluster() bool {
	return n.tip < 0
}

// Index is a hierarchical cluster index over a fixed tip set. It is
// immutable after construction and safe for concurrent reads.
type Index struct {
	opts  IndexOptions
	tips  []tips.Tip
	nodes []node
	trees []*rtree.RTreeG[int] // by zoom, MinZoom..MaxZoom+1
}

// NewIndex clusters tips at every zoom from MaxZoom down to MinZoom.
func NewIndex(tipList []tips.Tip, opts IndexOptions) *Index {
	idx := &Index{
		opts:  opts,
		tips:  tipList,
		nodes: make([]node, 0, len(tipList)*2),
		trees: make([]*rtree.RTreeG[int], opts.MaxZoom+2),
	}

	level := make([]int, 0, len(tipList))
	for i, t := range tipList {
		idx.nodes = append(idx.nodes, node{
			x:         lngX(t.Lon),
			y:         latY(t.Lat),
			zoom:      unprocessed,
			numPoints: 1,
			parent:    -1,
			tip:       i,
		})
		level = append(level, i)
	}

	idx.trees[opts.MaxZoom+1] = idx.buildTree(level)
	for z := opts.MaxZoom; z >= opts.MinZoom; z-- {
		level = idx.clusterLevel(level, z)
		idx.trees[z] = idx.buildTree(level)
	}
	return idx
}

// Generation returns the generation stamped into this index's cluster ids.
func (idx *Index) Generation() uint64 {
	return idx.opts.Generation
}

// Len returns the number of indexed tips.
func (idx *Index) Len() int {
	return len(idx.tips)
}

func (idx *Index) buildTree(ids []int) *rtree.RTreeG[int] {
	tr := &rtree.RTreeG[int]{}
	for _, id := range ids {
		n := &idx.nodes[id]
		pt := [2]float64{n.x, n.y}
		tr.Insert(pt, pt, id)
	}
	return tr
}

// within returns node ids in tr no further than r from (x, y).
func within(tr *rtree.RTreeG[int], nodes []node, x, y, r float64) []int {
	var out []int
	r2 := r * r
	tr.Search([2]float64{x - r, y - r}, [2]float64{x + r, y + r}, func(_, _ [2]float64, id int) bool {
		dx := nodes[id].x - x
		dy := nodes[id].y - y
		if dx*dx+dy*dy <= r2 {
			out = append(out, id)
		}
		return true
	})
	return out
}

func (idx *Index) clusterLevel(level []int, zoom int) []int {
	r := idx.opts.Radius / (idx.opts.Extent * math.Pow(2, float64(zoom)))
	tree := idx.trees[zoom+1]
	next := make([]int, 0, len(level))

	for _, id := range level {
		if idx.nodes[id].zoom <= zoom {
			continue
		}
		idx.nodes[id].zoom = zoom

		px, py := idx.nodes[id].x, idx.nodes[id].y
		neighbors := within(tree, idx.nodes, px, py, r)

		origin := idx.nodes[id].numPoints
		numPoints := origin
		for _, nb := range neighbors {
			if idx.nodes[nb].zoom > zoom {
				numPoints += idx.nodes[nb].numPoints
			}
		}

		if numPoints > origin && numPoints >= idx.opts.MinPoints {
			clusterID := len(idx.nodes)
			wx := px * float64(origin)
			wy := py * float64(origin)
			children := []int{id}

			for _, nb := range neighbors {
				b := &idx.nodes[nb]
				if b.zoom <= zoom {
					continue
				}
				b.zoom = zoom
				b.parent = clusterID
				wx += b.x * float64(b.numPoints)
				wy += b.y * float64(b.numPoints)
				children = append(children, nb)
			}
			idx.nodes[id].parent = clusterID

			idx.nodes = append(idx.nodes, node{
				x:          wx / float64(numPoints),
				y:          wy / float64(numPoints),
				zoom:       unprocessed,
				numPoints:  numPoints,
				parent:     -1,
				tip:        -1,
				originZoom: zoom + 1,
				children:   children,
			})
			next = append(next, clusterID)
			continue
		}

		next = append(next, id)
		if numPoints > 1 {
			for _, nb := range neighbors {
				if idx.nodes[nb].zoom <= zoom {
					continue
				}
				idx.nodes[nb].zoom = zoom
				next = append(next, nb)
			}
		}
	}
	return next
}

func (idx *Index) limitZoom(zoom float64) int {
	upper := float64(idx.opts.MaxZoom + 1)
	if math.IsNaN(zoom) || zoom > upper {
		return idx.opts.MaxZoom + 1
	}
	if zoom < float64(idx.opts.MinZoom) {
		return idx.opts.MinZoom
	}
	return int(math.Floor(zoom))
}

// Clusters returns the clusters and points inside bounds at zoom. Boxes that
// cross the antimeridian (west > east) are split in two.
func (idx *Index) Clusters(bounds geo.Bounds, zoom float64) []Item {
	minLng := math.Mod(math.Mod(bounds.West+180, 360)+360, 360) - 180
	minLat := math.Max(-90, math.Min(90, bounds.South))
	maxLng := 180.0
	if bounds.East != 180 {
		maxLng = math.Mod(math.Mod(bounds.East+180, 360)+360, 360) - 180
	}
	maxLat := math.Max(-90, math.Min(90, bounds.North))

	if bounds.East-bounds.West >= 360 {
		minLng, maxLng = -180, 180
	} else if minLng > maxLng {
		eastern := idx.Clusters(geo.Bounds{South: minLat, West: minLng, North: maxLat, East: 180}, zoom)
		western := idx.Clusters(geo.Bounds{South: minLat, West: -180, North: maxLat, East: maxLng}, zoom)
		return append(eastern, western...)
	}

	tree := idx.trees[idx.limitZoom(zoom)]
	var ids []int
	tree.Search(
		[2]float64{lngX(minLng), latY(maxLat)},
		[2]float64{lngX(maxLng), latY(minLat)},
		func(_, _ [2]float64, id int) bool {
			ids = append(ids, id)
			return true
		},
	)
	sort.Ints(ids)

	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, idx.item(id))
	}
	return items
}

// Children returns the direct children of a cluster one zoom level down.
func (idx *Index) Children(id ClusterID) ([]Item, error) {
	n, err := idx.resolve(id)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(n.children))
	for _, child := range n.children {
		items = append(items, idx.item(child))
	}
	return items, nil
}

// Leaves returns up to limit tips of a cluster, skipping offset. A limit of
// zero or less returns every remaining tip.
func (idx *Index) Leaves(id ClusterID, limit, offset int) ([]tips.Tip, error) {
	n, err := idx.resolve(id)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}

	var out []tips.Tip
	skipped := 0
	var walk func(children []int) bool
	walk = func(children []int) bool {
		for _, c := range children {
			child := &idx.nodes[c]
			if child.isCluster() {
				if walk(child.children) {
					return true
				}
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, idx.tips[child.tip])
			if limit > 0 && len(out) == limit {
				return true
			}
		}
		return false
	}
	walk(n.children)
	return out, nil
}

// ExpansionZoom returns the zoom at which the cluster splits into multiple children.
func (idx *Index) ExpansionZoom(id ClusterID) (int, error) {
	n, err := idx.resolve(id)
	if err != nil {
		return 0, err
	}

	zoom := n.originZoom - 1
	for zoom <= idx.opts.MaxZoom {
		zoom++
		if len(n.children) != 1 {
			break
		}
		only := &idx.nodes[n.children[0]]
		if !only.isCluster() {
			break
		}
		n = only
	}
	return zoom, nil
}

func (idx *Index) resolve(id ClusterID) (*node, error) {
	nodeIdx := int(uint64(id) & nodeMask)

	if id.generation() != idx.clusterGeneration() {
		return nil, ErrStaleClusterID
	}
	if nodeIdx >= len(idx.nodes) || !idx.nodes[nodeIdx].isCluster() {
		return nil, ErrNotCluster
	}
	return &idx.nodes[nodeIdx], nil
}

func (idx *Index) clusterID(nodeIdx int) ClusterID {
	return ClusterID(idx.clusterGeneration()<<32 | uint64(nodeIdx))
}

// clusterGeneration is the generation as stamped into cluster ids.
func (idx *Index) clusterGeneration() uint64 {
	return idx.opts.Generation % (1 << generationBits)
}

func (id ClusterID) generation() uint64 {
	return uint64(id) >> 32
}

func (idx *Index) item(id int) Item {
	n := &idx.nodes[id]
	if n.isCluster() {
		return Item{
			Kind:       KindCluster,
			Position:   geo.Point{Lat: yLat(n.y), Lon: xLng(n.x)},
			ClusterID:  idx.clusterID(id),
			PointCount: n.numPoints,
		}
	}
	t := &idx.tips[n.tip]
	return Item{
		Kind:     KindPoint,
		Position: t.Point(),
		Tip:      t,
	}
}
