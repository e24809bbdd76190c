// Package handler provides HTTP handlers for the SafeRoute API.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/saferoute/saferoute/internal/api/models"
	"github.com/saferoute/saferoute/internal/api/response"
	"github.com/saferoute/saferoute/internal/cluster"
	"github.com/saferoute/saferoute/internal/provider/resilience"
	"github.com/saferoute/saferoute/internal/storage"
)

const readinessTimeout = 2 * time.Second

// readinessKey is probed to check the cache store answers.
const readinessKey = "saferoute:readiness"

// OpsConfig holds the dependencies of the ops endpoints. Nil fields are skipped.
type OpsConfig struct {
	Version   string
	BuildTime string
	Registry  *resilience.Registry
	Store     storage.Store
	Tips      interface {
		CacheSize(ctx context.Context) (int, error)
	}
	Heatmap interface {
		Len(ctx context.Context) (int, error)
	}
	Clusters interface {
		Stats() cluster.Stats
	}
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	cfg OpsConfig
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(cfg OpsConfig) *OpsHandler {
	return &OpsHandler{cfg: cfg}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]any{
			"version":   h.cfg.Version,
			"buildTime": h.cfg.BuildTime,
		},
	})
}

// ReadinessCheck handles GET /v1/ops/ready. The instance is ready when the
// cache store answers.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{Status: models.HealthStatusOK, Time: models.Timestamp(time.Now())}

	if err := h.probeStore(r.Context()); err != nil {
		health.Status = models.HealthStatusFail
		health.Details = map[string]any{"store": err.Error()}
		response.JSON(w, r, http.StatusServiceUnavailable, health)
		return
	}
	response.JSON(w, r, http.StatusOK, health)
}

// SystemStatus handles GET /v1/ops/status - upstream circuit state and cache sizes.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := models.SystemStatus{
		Status:    models.HealthStatusOK,
		Time:      models.Timestamp(time.Now()),
		Upstreams: []models.UpstreamStatus{},
		Caches:    []models.CacheStatus{},
	}

	if h.cfg.Registry != nil {
		for _, up := range h.cfg.Registry.Snapshot() {
			s := upstreamStatus(up)
			if s.Status != models.HealthStatusOK {
				status.Status = models.HealthStatusDegraded
			}
			status.Upstreams = append(status.Upstreams, s)
		}
	}

	store := models.SubsystemStatus{Name: "cache-store", Status: models.HealthStatusOK}
	if err := h.probeStore(ctx); err != nil {
		detail := err.Error()
		store.Status = models.HealthStatusFail
		store.Detail = &detail
		status.Status = models.HealthStatusDegraded
	}
	status.Subsystems = append(status.Subsystems, store)

	if h.cfg.Tips != nil {
		n, _ := h.cfg.Tips.CacheSize(ctx)
		status.Caches = append(status.Caches, models.CacheStatus{Name: "tips", Entries: n})
	}
	if h.cfg.Heatmap != nil {
		n, _ := h.cfg.Heatmap.Len(ctx)
		status.Caches = append(status.Caches, models.CacheStatus{Name: "heatmap", Entries: n})
	}
	if h.cfg.Clusters != nil {
		st := h.cfg.Clusters.Stats()
		status.Caches = append(status.Caches, models.CacheStatus{
			Name:    "clusters",
			Entries: st.ViewportEntries,
			Stats: map[string]int64{
				"indexBuilds":       st.IndexBuilds,
				"indexReuses":       st.IndexReuses,
				"indexedTips":       int64(st.IndexedTips),
				"generation":        int64(st.Generation),
				"viewportHits":      st.ViewportHits,
				"viewportMisses":    st.ViewportMisses,
				"viewportEvictions": st.ViewportEvictions,
			},
		})
	}

	response.JSON(w, r, http.StatusOK, status)
}

func (h *OpsHandler) probeStore(ctx context.Context) error {
	if h.cfg.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	if _, err := h.cfg.Store.Get(ctx, readinessKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func upstreamStatus(up resilience.UpstreamHealth) models.UpstreamStatus {
	s := models.UpstreamStatus{
		Name:                up.Name,
		CircuitState:        up.CircuitState.String(),
		ConsecutiveFailures: up.Counts.ConsecutiveFailures,
	}
	switch up.CircuitState {
	case gobreaker.StateClosed:
		s.Status = models.HealthStatusOK
	case gobreaker.StateHalfOpen:
		s.Status = models.HealthStatusDegraded
	default:
		s.Status = models.HealthStatusFail
	}
	if up.LastSuccessAt != nil {
		ts := models.Timestamp(*up.LastSuccessAt)
		s.LastSuccessAt = &ts
	}
	if up.LastFailureAt != nil {
		ts := models.Timestamp(*up.LastFailureAt)
		s.LastFailureAt = &ts
	}
	if up.LastError != "" {
		lastErr := up.LastError
		s.LastError = &lastErr
	}
	return s
}
