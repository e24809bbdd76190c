package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/saferoute/saferoute/internal/api/models"
	"github.com/saferoute/saferoute/internal/api/response"
	"github.com/saferoute/saferoute/internal/cluster"
	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/tips"
)

const (
	defaultLeavesLimit = 10
	maxLeavesLimit     = 100
)

// ClusterEngine builds and queries the clustering index.
type ClusterEngine interface {
	Build(tipList []tips.Tip) *cluster.Index
	Lookup(id cluster.ClusterID) (*cluster.Index, error)
	Query(idx *cluster.Index, bounds geo.Bounds, zoom float64) []cluster.Item
}

// ClustersHandler serves clustered tips for map viewports.
type ClustersHandler struct {
	tips   TipService
	engine ClusterEngine
}

// NewClustersHandler creates a new ClustersHandler.
func NewClustersHandler(svc TipService, engine ClusterEngine) *ClustersHandler {
	return &ClustersHandler{tips: svc, engine: engine}
}

// GetClusters handles GET /v1/tips/clusters. The zoom comes from zoom, or
// latitudeDelta, or the height of the bounds.
func (h *ClustersHandler) GetClusters(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()

	bounds, err := boundsParam(values)
	if err != nil {
		response.BadRequest(w, r, "invalid viewport", fieldError("bounds", err))
		return
	}

	zoom, hasZoom, err := floatParam(values, "zoom")
	if err != nil {
		response.BadRequest(w, r, "invalid viewport", fieldError("zoom", err))
		return
	}
	if !hasZoom {
		delta, hasDelta, err := floatParam(values, "latitudeDelta")
		if err != nil {
			response.BadRequest(w, r, "invalid viewport", fieldError("latitudeDelta", err))
			return
		}
		if !hasDelta {
			delta = bounds.North - bounds.South
		}
		zoom = cluster.ZoomFromLatitudeDelta(delta)
	}

	q := tips.BoundsQuery(bounds)
	if category := values.Get("category"); category != "" && category != "all" {
		if !tips.Category(category).Valid() {
			response.BadRequest(w, r, "invalid viewport", []models.FieldError{{Field: "category", Message: "unknown category"}})
			return
		}
		q.Category = category
	}

	tipList, err := fetch(r, h.tips, q)
	if err != nil {
		response.Upstream(w, r, err)
		return
	}

	idx := h.engine.Build(tipList)
	items := h.engine.Query(idx, bounds, zoom)

	response.GeoJSON(w, r, cluster.FeatureCollection(items))
}

// GetLeaves handles GET /v1/tips/clusters/{clusterId}/leaves.
func (h *ClustersHandler) GetLeaves(w http.ResponseWriter, r *http.Request) {
	idx, id, ok := h.resolve(w, r)
	if !ok {
		return
	}

	values := r.URL.Query()
	limit, err := intParam(values, "limit", defaultLeavesLimit)
	if err != nil {
		response.BadRequest(w, r, "invalid pagination", fieldError("limit", err))
		return
	}
	if limit == 0 || limit > maxLeavesLimit {
		limit = maxLeavesLimit
	}
	offset, err := intParam(values, "offset", 0)
	if err != nil {
		response.BadRequest(w, r, "invalid pagination", fieldError("offset", err))
		return
	}

	leaves, err := idx.Leaves(id, limit, offset)
	if err != nil {
		writeClusterError(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, models.ClusterLeavesResponse{
		ClusterID: uint64(id),
		Tips:      nonNil(leaves),
		Limit:     limit,
		Offset:    offset,
	})
}

// GetExpansionZoom handles GET /v1/tips/clusters/{clusterId}/expansion-zoom.
func (h *ClustersHandler) GetExpansionZoom(w http.ResponseWriter, r *http.Request) {
	idx, id, ok := h.resolve(w, r)
	if !ok {
		return
	}

	zoom, err := idx.ExpansionZoom(id)
	if err != nil {
		writeClusterError(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, models.ExpansionZoomResponse{ClusterID: uint64(id), Zoom: zoom})
}

func (h *ClustersHandler) resolve(w http.ResponseWriter, r *http.Request) (*cluster.Index, cluster.ClusterID, bool) {
	raw, err := strconv.ParseUint(chi.URLParam(r, "clusterId"), 10, 64)
	if err != nil {
		response.BadRequest(w, r, "clusterId must be an unsigned integer", nil)
		return nil, 0, false
	}

	id := cluster.ClusterID(raw)
	idx, err := h.engine.Lookup(id)
	if err != nil {
		writeClusterError(w, r, err)
		return nil, 0, false
	}
	return idx, id, true
}

func writeClusterError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, cluster.ErrStaleClusterID):
		response.Gone(w, r, "cluster id belongs to a replaced index; reload the map")
	case errors.Is(err, cluster.ErrNotCluster):
		response.NotFound(w, r, "cluster not found")
	default:
		response.InternalError(w, r, "cluster lookup failed")
	}
}
