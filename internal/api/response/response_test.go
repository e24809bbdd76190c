package response_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferoute/saferoute/internal/api/middleware"
	"github.com/saferoute/saferoute/internal/api/models"
	"github.com/saferoute/saferoute/internal/api/response"
	"github.com/saferoute/saferoute/internal/apierror"
)

// requestWithContext returns a request that has passed through the
// RequestID middleware.
func requestWithContext(t *testing.T, method, path string) (*http.Request, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(method, path, http.NoBody)
	req.Header.Set("X-Request-Id", "req_fixed")

	var processed *http.Request
	middleware.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		processed = r
	})).ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, processed)
	return processed, httptest.NewRecorder()
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) models.Problem {
	t.Helper()
	var p models.Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestJSON_IncludesRequestID(t *testing.T) {
	req, rec := requestWithContext(t, http.MethodGet, "/v1/tips")

	response.JSON(rec, req, http.StatusOK, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req_fixed", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"message":"hello"}`, rec.Body.String())
}

func TestJSON_NilData(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	response.JSON(rec, req, http.StatusAccepted, nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Empty(t, rec.Header().Get("X-Request-Id"))
}

func TestGeoJSON_ContentType(t *testing.T) {
	req, rec := requestWithContext(t, http.MethodGet, "/v1/tips/clusters")

	response.GeoJSON(rec, req, map[string]any{"type": "FeatureCollection", "features": []any{}})

	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "FeatureCollection")
}

func TestBadRequest_SetsInstanceAndTraceID(t *testing.T) {
	req, rec := requestWithContext(t, http.MethodGet, "/v1/heatmap")

	response.BadRequest(rec, req, "bounds is required", []models.FieldError{{Field: "bounds", Message: "required"}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "/v1/heatmap", p.Instance)
	assert.Equal(t, "req_fixed", p.TraceID)
	require.Len(t, p.Errors, 1)
}

func TestUpstream_MapsErrorKinds(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		retryAfter bool
	}{
		{"validation", apierror.FromStatus(400, "bad"), http.StatusBadRequest, apierror.CodeValidation, false},
		{"authentication", apierror.FromStatus(401, "no"), http.StatusUnauthorized, apierror.CodeAuthentication, false},
		{"network", apierror.Network("down"), http.StatusServiceUnavailable, apierror.CodeNetwork, true},
		{"timeout", apierror.Timeout("slow"), http.StatusServiceUnavailable, apierror.CodeTimeout, true},
		{"service", apierror.FromStatus(500, "boom"), http.StatusBadGateway, apierror.CodeService, true},
		{"wrapped service", fmt.Errorf("fetching: %w", apierror.FromStatus(503, "boom")), http.StatusBadGateway, apierror.CodeService, true},
		{"foreign", errors.New("boom"), http.StatusInternalServerError, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := requestWithContext(t, http.MethodGet, "/v1/tips")

			written := response.Upstream(rec, req, tt.err)

			require.True(t, written)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantCode, decodeProblem(t, rec).Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After") != "")
		})
	}
}

func TestUpstream_CanceledWritesNothing(t *testing.T) {
	for _, err := range []error{apierror.Canceled("client gone"), context.Canceled} {
		req, rec := requestWithContext(t, http.MethodGet, "/v1/tips")
		ctx, cancel := context.WithCancel(req.Context())
		cancel()

		assert.False(t, response.Upstream(rec, req.WithContext(ctx), err))
		assert.Empty(t, rec.Body.String())
		assert.Empty(t, rec.Header().Get("Content-Type"))
	}
}

func TestUpstream_SupersededIsNoContent(t *testing.T) {
	req, rec := requestWithContext(t, http.MethodGet, "/v1/tips/clusters")

	assert.True(t, response.Upstream(rec, req, apierror.Canceled("superseded")))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestNoContent_IncludesRequestID(t *testing.T) {
	req, rec := requestWithContext(t, http.MethodPost, "/v1/admin/caches/sweep")

	response.NoContent(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "req_fixed", rec.Header().Get("X-Request-Id"))
}
