package models

import (
	"encoding/json"

	"github.com/saferoute/saferoute/internal/heatmap"
	"github.com/saferoute/saferoute/internal/tips"
)

// TipsResponse is the reply for GET /v1/tips.
type TipsResponse struct {
	Tips  []tips.Tip `json:"tips"`
	Count int        `json:"count"`
}

// SubmitTipResponse wraps the backend reply to a tip submission.
type SubmitTipResponse struct {
	Result json.RawMessage `json:"result"`
}

// ClusterLeavesResponse is the reply for GET /v1/tips/clusters/{clusterId}/leaves.
type ClusterLeavesResponse struct {
	ClusterID uint64     `json:"clusterId"`
	Tips      []tips.Tip `json:"tips"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
}

// ExpansionZoomResponse is the reply for GET /v1/tips/clusters/{clusterId}/expansion-zoom.
type ExpansionZoomResponse struct {
	ClusterID uint64 `json:"clusterId"`
	Zoom      int    `json:"zoom"`
}

// HeatmapResponse is the reply for GET /v1/heatmap.
type HeatmapResponse struct {
	Zones []heatmap.Zone `json:"zones"`
	Count int            `json:"count"`
}
