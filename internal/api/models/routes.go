package models

import (
	"github.com/saferoute/saferoute/internal/routesafety"
)

// MaxRoutePoints bounds the coordinates accepted for a single route.
const MaxRoutePoints = 10000

// MaxCompareRoutes bounds the routes accepted by routes:compare.
const MaxCompareRoutes = 5

// RouteInput is a route given either as coordinates or as an encoded polyline.
type RouteInput struct {
	Coordinates []Point `json:"coordinates,omitempty"`
	Polyline    string  `json:"polyline,omitempty"`
}

// RouteSafetyRequest is the body for POST /v1/routes:safety.
type RouteSafetyRequest struct {
	RouteInput
}

// RouteCompareRequest is the body for POST /v1/routes:compare.
type RouteCompareRequest struct {
	Routes []RouteInput `json:"routes"`
}

// RankedRoute is one entry of a comparison, best first.
type RankedRoute struct {
	// Index is the route's position in the request.
	Index    int                   `json:"index"`
	Rank     int                   `json:"rank"`
	Analysis *routesafety.Analysis `json:"analysis"`
}

// RouteCompareResponse is the reply for POST /v1/routes:compare.
type RouteCompareResponse struct {
	Routes []RankedRoute `json:"routes"`
}
