package middleware

import (
	"net/http"

	"github.com/saferoute/saferoute/internal/api/models"
)

// SecurityHeaders adds the standard hardening headers for a JSON API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=()")

		next.ServeHTTP(w, r)
	})
}

// RequireTLS rejects requests a load balancer reports as plain HTTP via
// X-Forwarded-Proto. It is a pass-through when enabled is false.
func RequireTLS(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" && proto != "https" {
				p := models.NewProblem(models.ProblemTypeTLSRequired, "TLS required", http.StatusForbidden, GetRequestID(r.Context()))
				p.Detail = "This endpoint requires HTTPS"
				writeProblem(w, r, p)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
