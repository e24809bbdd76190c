package handler

import (
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferoute/saferoute/internal/api/models"
	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/tips"
	"github.com/saferoute/saferoute/pkg/polyline"
)

func TestFloatParam(t *testing.T) {
	tests := []struct {
		raw     string
		want    float64
		wantOK  bool
		wantErr bool
	}{
		{raw: "", wantOK: false},
		{raw: "12.5", want: 12.5, wantOK: true},
		{raw: "-3", want: -3, wantOK: true},
		{raw: "abc", wantErr: true},
		{raw: "NaN", wantErr: true},
		{raw: "Inf", wantErr: true},
		{raw: "-Inf", wantErr: true},
		{raw: "1e400", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			v, ok, err := floatParam(url.Values{"zoom": {tt.raw}}, "zoom")
			if tt.wantErr {
				require.Error(t, err)
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestParseTipQuery(t *testing.T) {
	viewport := geo.Bounds{South: 52.36, West: 4.88, North: 52.38, East: 4.90}
	viewportQuery := tips.BoundsQuery(viewport)

	tests := []struct {
		name      string
		query     string
		wantField string
		check     func(t *testing.T, q tips.Query)
	}{
		{
			name:  "center uses default radius",
			query: "lat=52.37&lon=4.89",
			check: func(t *testing.T, q tips.Query) {
				assert.Equal(t, geo.Point{Lat: 52.37, Lon: 4.89}, q.Center)
				assert.Equal(t, float64(DefaultTipRadiusMeters), q.RadiusMeters)
				assert.Nil(t, q.Bounds)
			},
		},
		{
			name:  "bounds alone",
			query: "bounds=52.36,4.88,52.38,4.90",
			check: func(t *testing.T, q tips.Query) {
				require.NotNil(t, q.Bounds)
				assert.Equal(t, viewport, *q.Bounds)
				assert.Equal(t, viewportQuery.Center, q.Center)
				assert.Equal(t, viewportQuery.RadiusMeters, q.RadiusMeters)
			},
		},
		{
			name:  "center with bounds keeps the bounds radius",
			query: "bounds=52.36,4.88,52.38,4.90&lat=52.375&lon=4.895",
			check: func(t *testing.T, q tips.Query) {
				require.NotNil(t, q.Bounds)
				assert.Equal(t, geo.Point{Lat: 52.375, Lon: 4.895}, q.Center)
				assert.Equal(t, viewportQuery.RadiusMeters, q.RadiusMeters)
			},
		},
		{
			name:  "explicit radius overrides bounds radius",
			query: "bounds=52.36,4.88,52.38,4.90&radius=750",
			check: func(t *testing.T, q tips.Query) {
				assert.Equal(t, 750.0, q.RadiusMeters)
			},
		},
		{
			name:  "largest radius accepted",
			query: "lat=52.37&lon=4.89&radius=50000",
			check: func(t *testing.T, q tips.Query) {
				assert.Equal(t, float64(MaxTipRadiusMeters), q.RadiusMeters)
			},
		},
		{
			name:  "all category and time filter",
			query: "lat=52.37&lon=4.89&category=all&time=week",
			check: func(t *testing.T, q tips.Query) {
				assert.Empty(t, q.Category)
				assert.Equal(t, "week", q.TimeFilter)
			},
		},
		{
			name:  "known category",
			query: "lat=52.37&lon=4.89&category=harassment",
			check: func(t *testing.T, q tips.Query) {
				assert.Equal(t, "harassment", q.Category)
			},
		},
		{name: "nothing given", query: "", wantField: "lat"},
		{name: "lat without lon", query: "lat=52.37", wantField: "lat"},
		{name: "lon without lat", query: "lon=4.89", wantField: "lat"},
		{name: "lat without lon next to bounds", query: "bounds=52.36,4.88,52.38,4.90&lat=52.37", wantField: "lat"},
		{name: "latitude out of range", query: "lat=91&lon=4.89", wantField: "lat"},
		{name: "longitude out of range", query: "lat=52.37&lon=181", wantField: "lat"},
		{name: "non-finite lon", query: "lat=52.37&lon=NaN", wantField: "lon"},
		{name: "zero radius", query: "lat=52.37&lon=4.89&radius=0", wantField: "radius"},
		{name: "radius above maximum", query: "lat=52.37&lon=4.89&radius=50001", wantField: "radius"},
		{name: "radius not a number", query: "lat=52.37&lon=4.89&radius=far", wantField: "radius"},
		{name: "unknown category", query: "lat=52.37&lon=4.89&category=weather", wantField: "category"},
		{name: "short bounds", query: "bounds=1,2,3", wantField: "bounds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/tips?"+tt.query, nil)
			q, errs := parseTipQuery(r)

			if tt.wantField != "" {
				require.Len(t, errs, 1)
				assert.Equal(t, tt.wantField, errs[0].Field)
				return
			}
			require.Empty(t, errs)
			tt.check(t, q)
		})
	}
}

func TestRoutePoints(t *testing.T) {
	coords := []models.Point{{Lat: 52.37, Lon: 4.89}, {Lat: 52.38, Lon: 4.90}}
	encoded := polyline.Encode([]geo.Point{coords[0].Geo(), coords[1].Geo()})

	tooMany := make([]models.Point, models.MaxRoutePoints+1)
	for i := range tooMany {
		tooMany[i] = models.Point{Lat: 52.37, Lon: 4.89}
	}

	tests := []struct {
		name    string
		in      models.RouteInput
		want    []geo.Point
		wantErr string
	}{
		{
			name: "coordinates",
			in:   models.RouteInput{Coordinates: coords},
			want: []geo.Point{{Lat: 52.37, Lon: 4.89}, {Lat: 52.38, Lon: 4.90}},
		},
		{
			name: "polyline",
			in:   models.RouteInput{Polyline: encoded},
			want: []geo.Point{{Lat: 52.37, Lon: 4.89}, {Lat: 52.38, Lon: 4.90}},
		},
		{name: "both given", in: models.RouteInput{Coordinates: coords, Polyline: encoded}, wantErr: "not both"},
		{name: "neither given", in: models.RouteInput{}, wantErr: "required"},
		{name: "bad polyline", in: models.RouteInput{Polyline: "\x7f"}, wantErr: "polyline"},
		{name: "point out of range", in: models.RouteInput{Coordinates: []models.Point{{Lat: 52.37, Lon: 4.89}, {Lat: -91, Lon: 0}}}, wantErr: "point 1"},
		{name: "too many points", in: models.RouteInput{Coordinates: tooMany}, wantErr: "at most"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := routePoints(tt.in)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.InDelta(t, tt.want[i].Lat, got[i].Lat, 1e-5)
				assert.InDelta(t, tt.want[i].Lon, got[i].Lon, 1e-5)
			}
		})
	}
}
