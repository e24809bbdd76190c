package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/saferoute/saferoute/internal/api/middleware"
)

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestRateLimitByIP(t *testing.T) {
	handler := middleware.RateLimitByIP(middleware.RateLimitConfig{
		RequestLimit: 3,
		WindowLength: time.Minute,
	})(okHandler)

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/heatmap", http.NoBody)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, send("10.0.0.1:1234").Code, "request %d", i+1)
	}

	rec := send("10.0.0.1:1234")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Rate limit exceeded")

	assert.Equal(t, http.StatusOK, send("10.0.0.2:1234").Code)
}

func TestDefaultRateLimits(t *testing.T) {
	assert.Equal(t, 10, middleware.SubmissionRateLimit.RequestLimit)
	assert.Equal(t, 30, middleware.ExpensiveRateLimit.RequestLimit)
	assert.Equal(t, 100, middleware.StandardRateLimit.RequestLimit)
}
