package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferoute/saferoute/internal/api/models"
	"github.com/saferoute/saferoute/internal/storage"
	"github.com/saferoute/saferoute/internal/worker"
)

type unreachableStore struct {
	storage.Store
}

func (unreachableStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestBootstrapLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := bootstrapLogger(&buf, "saferoute-worker")
	logger.Error().Msg("invalid configuration")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "saferoute-worker", entry["service"])
	assert.Equal(t, "invalid configuration", entry["message"])
}

func TestHealthRouter(t *testing.T) {
	warmup := worker.NewWarmupJob(worker.WarmupJobConfig{Logger: zerolog.Nop()})

	get := func(h http.Handler, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	healthy := healthRouter(storage.NewMemoryStore(), warmup)

	rec := get(healthy, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var health models.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, models.HealthStatusOK, health.Status)
	assert.Equal(t, Version, health.Details["version"])

	rec = get(healthy, "/ready")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Contains(t, health.Details, "warmup")

	rec = get(healthRouter(unreachableStore{}, warmup), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
