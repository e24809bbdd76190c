package models

// InvalidateRequest is the optional body for POST /v1/admin/caches/invalidate.
type InvalidateRequest struct {
	Reason string `json:"reason,omitempty"`
}

// InvalidateResponse reports how many tip cache entries were removed.
type InvalidateResponse struct {
	Removed int    `json:"removed"`
	Reason  string `json:"reason"`
}

// SweepResponse reports one cleanup pass across all caches.
type SweepResponse struct {
	Tips     TipSweep     `json:"tips"`
	Clusters ClusterSweep `json:"clusters"`
}

// TipSweep summarizes a tip cache sweep.
type TipSweep struct {
	Expired   int `json:"expired"`
	Corrupt   int `json:"corrupt"`
	Evicted   int `json:"evicted"`
	Remaining int `json:"remaining"`
}

// ClusterSweep summarizes a clustering cache cleanup.
type ClusterSweep struct {
	IndexDropped     bool `json:"indexDropped"`
	ViewportsExpired int  `json:"viewportsExpired"`
}
