package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/saferoute/saferoute/internal/api/models"
	"github.com/saferoute/saferoute/internal/auth"
	"github.com/saferoute/saferoute/internal/tips"
)

type subjectKey struct{}

// AdminAuth requires a bearer token issued by tokens that carries the admin role.
func AdminAuth(tokens *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeUnauthorized(w, r, "missing or malformed bearer token")
				return
			}

			claims, err := tokens.Authorize(token, auth.RoleAdmin)
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				writeUnauthorized(w, r, "token has expired")
				return
			case errors.Is(err, auth.ErrForbidden):
				writeProblem(w, r, models.NewForbidden(GetRequestID(r.Context()), "admin role required"))
				return
			case err != nil:
				writeUnauthorized(w, r, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ForwardAuthToken stores the caller's bearer token, if any, so upstream
// tip requests can be made on the caller's behalf.
func ForwardAuthToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, ok := bearerToken(r); ok {
			r = r.WithContext(tips.WithAuthToken(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}

// GetSubject returns the authenticated admin subject, or "".
func GetSubject(ctx context.Context) string {
	if s, ok := ctx.Value(subjectKey{}).(string); ok {
		return s
	}
	return ""
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="saferoute"`)
	writeProblem(w, r, models.NewUnauthorized(GetRequestID(r.Context()), detail))
}
