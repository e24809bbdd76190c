package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/api/models"
)

// Recovery turns handler panics into a 500 Problem response. The
// http.ErrAbortHandler sentinel is re-panicked so the server aborts the
// connection as intended.
func Recovery(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler { //nolint:errorlint // sentinel compared by identity
					panic(rec)
				}

				requestID := GetRequestID(r.Context())
				log.Error().
					Str("request_id", requestID).
					Interface("error", rec).
					Str("stack", string(debug.Stack())).
					Msg("panic recovered")

				writeProblem(w, r, models.NewInternalError(requestID, "an unexpected error occurred"))
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// writeProblem writes p for r. It lives here rather than in the response
// package, which imports middleware.
func writeProblem(w http.ResponseWriter, r *http.Request, p *models.Problem) {
	p.Instance = r.URL.Path
	p.Write(w)
}
