package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferoute/saferoute/internal/api"
	"github.com/saferoute/saferoute/internal/api/handler"
	"github.com/saferoute/saferoute/internal/api/models"
	"github.com/saferoute/saferoute/internal/apierror"
	"github.com/saferoute/saferoute/internal/auth"
	"github.com/saferoute/saferoute/internal/cluster"
	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/heatmap"
	"github.com/saferoute/saferoute/internal/provider/resilience"
	"github.com/saferoute/saferoute/internal/routesafety"
	"github.com/saferoute/saferoute/internal/storage"
	"github.com/saferoute/saferoute/internal/tips"
	"github.com/saferoute/saferoute/internal/worker"
	"github.com/saferoute/saferoute/pkg/polyline"
)

// fakeBackend stands in for the safety backend behind both providers.
type fakeBackend struct {
	mu          sync.Mutex
	raw         []tips.RawTip
	searchErr   error
	searches    int
	submissions []json.RawMessage
	tokens      []string
	zones       []heatmap.Zone
}

func (b *fakeBackend) SearchTips(_ context.Context, _ tips.Query) ([]tips.RawTip, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.searches++
	if b.searchErr != nil {
		return nil, b.searchErr
	}
	return b.raw, nil
}

func (b *fakeBackend) SubmitTip(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submissions = append(b.submissions, body)
	b.tokens = append(b.tokens, tips.AuthToken(ctx))
	return json.RawMessage(`{"success":true,"id":"tip-99"}`), nil
}

func (b *fakeBackend) FetchHeatmap(_ context.Context, _ geo.Bounds) (*heatmap.Payload, error) {
	return &heatmap.Payload{Success: true, Zones: b.zones}, nil
}

func (b *fakeBackend) setRaw(raw []tips.RawTip) {
	b.mu.Lock()
	b.raw = raw
	b.mu.Unlock()
}

func (b *fakeBackend) setSearchErr(err error) {
	b.mu.Lock()
	b.searchErr = err
	b.mu.Unlock()
}

type testServer struct {
	router  http.Handler
	backend *fakeBackend
	tokens  *auth.JWTService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	backend := &fakeBackend{
		raw: []tips.RawTip{
			{ID: "a", Latitude: 52.3700, Longitude: 4.8900, Category: "lighting", Severity: "medium"},
			{ID: "b", Latitude: 52.3705, Longitude: 4.8905, Category: "harassment", Severity: "high"},
			{ID: "c", Latitude: 52.3710, Longitude: 4.8910, Category: "transit", Severity: "low"},
		},
		zones: []heatmap.Zone{
			{ID: "z1", Lat: 52.37, Lon: 4.89, Radius: 150, Intensity: 0.8, TipCount: 3},
		},
	}

	store := storage.NewMemoryStore()
	tipSvc := tips.NewService(tips.ServiceConfig{Provider: backend, Store: store, Logger: logger})
	engine := cluster.NewEngine(cluster.EngineConfig{Logger: logger})
	tipSvc.OnInvalidate(func(context.Context, tips.InvalidationEvent) { engine.Invalidate() })

	heatmapSvc := heatmap.NewService(heatmap.ServiceConfig{
		Provider: backend,
		Cache:    heatmap.NewCache(heatmap.CacheConfig{Store: store, Logger: logger}),
		Logger:   logger,
	})
	sweeper := worker.NewSweeper(worker.SweeperConfig{
		Tips:     tipSvc,
		Heatmap:  heatmapSvc,
		Clusters: engine,
		Logger:   logger,
	})
	tokens := auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-secret-key-for-testing-only",
		Issuer:     "saferoute",
		Audience:   "saferoute-admin",
	})

	router := api.NewRouter(api.RouterConfig{
		Logger: logger,
		Ops: handler.OpsConfig{
			Version:  "test",
			Registry: resilience.NewRegistry(),
			Store:    store,
			Tips:     tipSvc,
			Heatmap:  heatmapSvc.Cache(),
			Clusters: engine,
		},
		Tips:        tipSvc,
		Invalidator: tipSvc,
		Clusters:    engine,
		Analyzer:    routesafety.NewAnalyzer(routesafety.AnalyzerConfig{Tips: tipSvc, Logger: logger}),
		Heatmap:     heatmapSvc,
		Sweeper:     sweeper,
		Tokens:      tokens,
	})

	return &testServer{router: router, backend: backend, tokens: tokens}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) adminToken(t *testing.T) string {
	t.Helper()
	token, _, err := s.tokens.Issue("ops@saferoute", auth.RoleAdmin)
	require.NoError(t, err)
	return "Bearer " + token
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRouter_Ops(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/ops/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, models.HealthStatusOK, decode[models.Health](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/v1/ops/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/ops/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[models.SystemStatus](t, rec)
	assert.Equal(t, models.HealthStatusOK, status.Status)
	names := []string{}
	for _, c := range status.Caches {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"tips", "heatmap", "clusters"}, names)
}

func TestRouter_ListTips(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/tips?lat=52.37&lon=4.89&radius=500", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[models.TipsResponse](t, rec)
	assert.Equal(t, 3, resp.Count)
	assert.Equal(t, tips.CategoryHarassment, resp.Tips[1].Category)

	// Second identical search is served from the tip cache.
	s.do(t, http.MethodGet, "/v1/tips?lat=52.37&lon=4.89&radius=500", nil)
	assert.Equal(t, 1, s.backend.searches)
}

func TestRouter_ListTips_Validation(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{
		"/v1/tips",
		"/v1/tips?lat=52.37",
		"/v1/tips?lat=abc&lon=4.89",
		"/v1/tips?lat=95&lon=4.89",
		"/v1/tips?lat=52.37&lon=4.89&radius=-1",
		"/v1/tips?lat=52.37&lon=4.89&category=weather",
		"/v1/tips?bounds=1,2,3",
	} {
		rec := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"), path)
	}
	assert.Zero(t, s.backend.searches)
}

func TestRouter_ListTips_UpstreamErrors(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{apierror.FromStatus(500, "boom"), http.StatusBadGateway},
		{apierror.FromStatus(401, "denied"), http.StatusUnauthorized},
		{apierror.Network("down"), http.StatusServiceUnavailable},
		{apierror.FromStatus(400, "bad"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(apierror.Code(tt.err), func(t *testing.T) {
			s := newTestServer(t)
			s.backend.setSearchErr(tt.err)

			rec := s.do(t, http.MethodGet, "/v1/tips?lat=52.37&lon=4.89", nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, apierror.Code(tt.err), decode[models.Problem](t, rec).Code)
		})
	}
}

type featureCollection struct {
	Type     string `json:"type"`
	Features []struct {
		Properties map[string]any `json:"properties"`
	} `json:"features"`
}

func TestRouter_ClustersLifecycle(t *testing.T) {
	s := newTestServer(t)
	const bounds = "52.36,4.88,52.38,4.90"

	rec := s.do(t, http.MethodGet, "/v1/tips/clusters?bounds="+bounds+"&zoom=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))
	fc := decode[featureCollection](t, rec)
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 1)
	props := fc.Features[0].Properties
	assert.Equal(t, true, props["cluster"])
	assert.Equal(t, float64(3), props["point_count"])
	clusterID := uint64(props["cluster_id"].(float64))

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/v1/tips/clusters/%d/leaves?limit=2", clusterID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	leaves := decode[models.ClusterLeavesResponse](t, rec)
	assert.Len(t, leaves.Tips, 2)
	assert.Equal(t, 2, leaves.Limit)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/v1/tips/clusters/%d/expansion-zoom", clusterID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Greater(t, decode[models.ExpansionZoomResponse](t, rec).Zoom, 10)

	// Zoomed in far enough, the tips come back as individual points.
	rec = s.do(t, http.MethodGet, "/v1/tips/clusters?bounds="+bounds+"&latitudeDelta=0.001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fc = decode[featureCollection](t, rec)
	require.Len(t, fc.Features, 3)
	for _, f := range fc.Features {
		assert.Equal(t, false, f.Properties["cluster"])
	}

	// A submission invalidates the clustering index, so old ids are gone.
	rec = s.do(t, http.MethodPost, "/v1/tips", map[string]any{"category": "lighting", "latitude": 52.37, "longitude": 4.89},
		"Authorization", "Bearer user-token")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"user-token"}, s.backend.tokens)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/v1/tips/clusters/%d/leaves", clusterID), nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestRouter_Clusters_Validation(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/tips/clusters", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/tips/clusters?bounds=52.36,4.88,52.38,4.90&zoom=x", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/tips/clusters/abc/leaves", nil).Code)
	assert.Equal(t, http.StatusGone, s.do(t, http.MethodGet, "/v1/tips/clusters/1/leaves", nil).Code)

	for _, query := range []string{"zoom=NaN", "zoom=Inf", "zoom=-Inf", "latitudeDelta=NaN"} {
		rec := s.do(t, http.MethodGet, "/v1/tips/clusters?bounds=52.36,4.88,52.38,4.90&"+query, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
	assert.Zero(t, s.backend.searches)
}

func clusterIDAt(t *testing.T, s *testServer, bounds string) uint64 {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/v1/tips/clusters?bounds="+bounds+"&zoom=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fc := decode[featureCollection](t, rec)
	require.Len(t, fc.Features, 1)
	require.Equal(t, true, fc.Features[0].Properties["cluster"])
	return uint64(fc.Features[0].Properties["cluster_id"].(float64))
}

func TestRouter_ClusterIDsSurviveOtherViewports(t *testing.T) {
	s := newTestServer(t)

	amsterdamID := clusterIDAt(t, s, "52.36,4.88,52.38,4.90")

	s.backend.setRaw([]tips.RawTip{
		{ID: "r1", Latitude: 51.9200, Longitude: 4.4800, Category: "lighting"},
		{ID: "r2", Latitude: 51.9204, Longitude: 4.4804, Category: "transit"},
	})
	rotterdamID := clusterIDAt(t, s, "51.91,4.47,51.93,4.49")
	require.NotEqual(t, amsterdamID, rotterdamID)

	rec := s.do(t, http.MethodGet, fmt.Sprintf("/v1/tips/clusters/%d/leaves", amsterdamID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[models.ClusterLeavesResponse](t, rec).Tips, 3)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/v1/tips/clusters/%d/leaves", rotterdamID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[models.ClusterLeavesResponse](t, rec).Tips, 2)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/v1/tips/clusters/%d/expansion-zoom", amsterdamID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_SubmitTip_RejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/tips", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/tips", bytes.NewBufferString("category=lighting"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	assert.Empty(t, s.backend.submissions)
}

// nearRoute starts on harassment tip "b"; farRoute is several kilometres away.
var (
	nearRoute = []models.Point{{Lat: 52.3705, Lon: 4.8905}, {Lat: 52.3705, Lon: 4.8910}}
	farRoute  = []models.Point{{Lat: 52.3000, Lon: 4.8000}, {Lat: 52.3000, Lon: 4.8005}}
)

func TestRouter_RouteSafety(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/routes:safety", models.RouteSafetyRequest{
		RouteInput: models.RouteInput{Coordinates: nearRoute},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	near := decode[routesafety.Analysis](t, rec)
	require.Len(t, near.Segments, 1)
	require.Len(t, near.Segments[0].Tips, 1)
	assert.Equal(t, "b", near.Segments[0].Tips[0].ID)
	assert.Less(t, near.OverallScore, routesafety.BaselineScore)

	encoded := polyline.Encode([]geo.Point{farRoute[0].Geo(), farRoute[1].Geo()})
	rec = s.do(t, http.MethodPost, "/v1/routes:safety", map[string]string{"polyline": encoded})
	require.Equal(t, http.StatusOK, rec.Code)
	far := decode[routesafety.Analysis](t, rec)
	assert.Equal(t, routesafety.BaselineScore, far.OverallScore)
	assert.Equal(t, routesafety.ColorFor(routesafety.BaselineScore), far.Segments[0].Color)
}

func TestRouter_RouteSafety_Validation(t *testing.T) {
	s := newTestServer(t)

	bodies := []any{
		map[string]any{},
		map[string]any{"coordinates": nearRoute, "polyline": "_p~iF~ps|U"},
		map[string]any{"coordinates": []models.Point{{Lat: 91, Lon: 0}}},
		map[string]any{"polyline": "\x7f"},
		map[string]any{"coordinates": nearRoute, "unexpected": true},
	}
	for i, body := range bodies {
		rec := s.do(t, http.MethodPost, "/v1/routes:safety", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %d", i)
	}
	assert.Zero(t, s.backend.searches)
}

func TestRouter_CompareRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/routes:compare", models.RouteCompareRequest{
		Routes: []models.RouteInput{{Coordinates: nearRoute}, {Coordinates: farRoute}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[models.RouteCompareResponse](t, rec)
	require.Len(t, resp.Routes, 2)
	assert.Equal(t, 1, resp.Routes[0].Index)
	assert.Equal(t, 1, resp.Routes[0].Rank)
	assert.Equal(t, 0, resp.Routes[1].Index)
	assert.Equal(t, 2, resp.Routes[1].Rank)

	rec = s.do(t, http.MethodPost, "/v1/routes:compare", models.RouteCompareRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_Heatmap(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/heatmap?bounds=52.36,4.88,52.38,4.90", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[models.HeatmapResponse](t, rec)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "z1", resp.Zones[0].ID)

	rec = s.do(t, http.MethodGet, "/v1/heatmap", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_Admin(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/admin/caches/invalidate", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	viewer, _, err := s.tokens.Issue("someone", "viewer")
	require.NoError(t, err)
	rec = s.do(t, http.MethodPost, "/v1/admin/caches/sweep", nil, "Authorization", "Bearer "+viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Populate the tip cache, then clear it as an operator.
	s.do(t, http.MethodGet, "/v1/tips?lat=52.37&lon=4.89", nil)
	rec = s.do(t, http.MethodPost, "/v1/admin/caches/invalidate", models.InvalidateRequest{Reason: "bad data"},
		"Authorization", s.adminToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	inv := decode[models.InvalidateResponse](t, rec)
	assert.Equal(t, 1, inv.Removed)
	assert.Equal(t, "bad data", inv.Reason)

	rec = s.do(t, http.MethodPost, "/v1/admin/caches/sweep", nil, "Authorization", s.adminToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[models.SweepResponse](t, rec).Tips.Remaining)
}

func TestRouter_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestRouter_RequestID_Preserved(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/ops/health", nil, "X-Request-Id", "req_client_supplied")
	assert.Equal(t, "req_client_supplied", rec.Header().Get("X-Request-Id"))
}
