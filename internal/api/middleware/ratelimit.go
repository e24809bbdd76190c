package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/saferoute/saferoute/internal/api/models"
)

// RateLimitConfig holds configuration for rate limiting.
type RateLimitConfig struct {
	RequestLimit int
	WindowLength time.Duration
}

// Default rate limits per endpoint class.
var (
	// SubmissionRateLimit applies to tip submissions (10 req/min).
	SubmissionRateLimit = RateLimitConfig{RequestLimit: 10, WindowLength: time.Minute}

	// ExpensiveRateLimit applies to route analysis (30 req/min).
	ExpensiveRateLimit = RateLimitConfig{RequestLimit: 30, WindowLength: time.Minute}

	// StandardRateLimit applies to map queries (100 req/min).
	StandardRateLimit = RateLimitConfig{RequestLimit: 100, WindowLength: time.Minute}
)

// RateLimitByIP limits requests per client IP. Run chi's RealIP first so
// proxied requests are keyed by the original client.
func RateLimitByIP(cfg RateLimitConfig) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(cfg.WindowLength.Seconds()))

	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowLength,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", retryAfter)
			writeProblem(w, r, models.NewTooManyRequests(GetRequestID(r.Context()),
				"Rate limit exceeded. Please try again later."))
		}),
	)
}
