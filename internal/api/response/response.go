// Package response provides utilities for HTTP response handling.
package response

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/saferoute/saferoute/internal/api/middleware"
	"github.com/saferoute/saferoute/internal/api/models"
	"github.com/saferoute/saferoute/internal/apierror"
)

// JSON writes a JSON response with the given status code.
// Includes X-Request-Id header for correlation.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	setRequestID(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// GeoJSON writes a GeoJSON document with status 200.
func GeoJSON(w http.ResponseWriter, r *http.Request, data any) {
	setRequestID(w, r)
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(data)
}

// Error writes a Problem+JSON error response.
func Error(w http.ResponseWriter, r *http.Request, problem *models.Problem) {
	problem.Instance = r.URL.Path
	problem.Write(w)
}

// BadRequest writes a 400 Bad Request error response.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string, errors []models.FieldError) {
	Error(w, r, models.NewBadRequest(middleware.GetRequestID(r.Context()), detail, errors))
}

// NotFound writes a 404 Not Found error response.
func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewNotFound(middleware.GetRequestID(r.Context()), detail))
}

// Gone writes a 410 Gone error response.
func Gone(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewGone(middleware.GetRequestID(r.Context()), detail))
}

// InternalError writes a 500 Internal Server Error response.
func InternalError(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewInternalError(middleware.GetRequestID(r.Context()), detail))
}

// ServiceUnavailable writes a 503 Service Unavailable error response.
func ServiceUnavailable(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewServiceUnavailable(middleware.GetRequestID(r.Context()), detail))
}

// Upstream writes the Problem for an error returned by the tip, heatmap or
// route safety layers. It reports whether anything was written. Canceled
// requests whose client has gone away get no response; a request superseded
// by a newer one in the same map session gets 204.
func Upstream(w http.ResponseWriter, r *http.Request, err error) bool {
	if apierror.IsCanceled(err) || errors.Is(err, context.Canceled) {
		if r.Context().Err() != nil {
			return false
		}
		NoContent(w, r)
		return true
	}

	traceID := middleware.GetRequestID(r.Context())
	var p *models.Problem
	switch {
	case errors.Is(err, apierror.ErrValidation):
		p = models.NewBadRequest(traceID, "the safety backend rejected the request", nil)
	case errors.Is(err, apierror.ErrAuthentication):
		p = models.NewUnauthorized(traceID, "the safety backend rejected the credentials")
	case errors.Is(err, apierror.ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		p = models.NewServiceUnavailable(traceID, "the safety backend is unreachable")
	case errors.Is(err, apierror.ErrService):
		p = models.NewBadGateway(traceID, "the safety backend failed")
	default:
		p = models.NewInternalError(traceID, "an unexpected error occurred")
	}

	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		p.Code = apiErr.Code
		if apiErr.IsRetryable() {
			w.Header().Set("Retry-After", "5")
		}
	}

	Error(w, r, p)
	return true
}

// NoContent writes a 204 No Content response.
// Includes X-Request-Id header for correlation.
func NoContent(w http.ResponseWriter, r *http.Request) {
	setRequestID(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// Created writes a 201 Created response.
func Created(w http.ResponseWriter, r *http.Request, data any) {
	JSON(w, r, http.StatusCreated, data)
}

func setRequestID(w http.ResponseWriter, r *http.Request) {
	if requestID := middleware.GetRequestID(r.Context()); requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}
}
