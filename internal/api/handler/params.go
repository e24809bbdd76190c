package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/saferoute/saferoute/internal/api/models"
	"github.com/saferoute/saferoute/internal/geo"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

var errMissing = errors.New("is required")

// decodeJSON decodes a single JSON document from the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("body must contain a single JSON object")
	}
	return nil
}

// floatParam parses an optional finite float query parameter. ok is false when absent.
func floatParam(q url.Values, name string) (v float64, ok bool, err error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err = strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, fmt.Errorf("%s must be a finite number", name)
	}
	return v, true, nil
}

// intParam parses an optional non-negative integer query parameter.
func intParam(q url.Values, name string, def int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}

// boundsParam parses the "bounds" query parameter (south,west,north,east).
func boundsParam(q url.Values) (geo.Bounds, error) {
	raw := q.Get("bounds")
	if raw == "" {
		return geo.Bounds{}, errMissing
	}
	return geo.ParseBounds(raw)
}

func fieldError(field string, err error) []models.FieldError {
	return []models.FieldError{{Field: field, Message: err.Error()}}
}
