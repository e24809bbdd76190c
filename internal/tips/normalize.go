package tips

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Normalize converts raw backend tips into Tips. Bad coordinates fall back to
// 0,0 with a warning; missing metadata gets defaults. It never fails.
func Normalize(raw []RawTip, logger zerolog.Logger) []Tip {
	out := make([]Tip, 0, len(raw))
	for i, r := range raw {
		out = append(out, normalizeOne(i, r, logger))
	}
	return out
}

func normalizeOne(index int, r RawTip, logger zerolog.Logger) Tip {
	id := coerceID(r.ID)

	lat, latOK := coerceFloat(r.Latitude)
	lon, lonOK := coerceFloat(r.Longitude)
	if !latOK || !lonOK || math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		logger.Warn().
			Str("tip_id", id).
			Int("index", index).
			Interface("latitude", r.Latitude).
			Interface("longitude", r.Longitude).
			Msg("tip has invalid coordinates, using 0,0")
		lat, lon = 0, 0
	}

	category := Category(strings.ToLower(strings.TrimSpace(r.Category)))
	if !category.Valid() {
		category = CategoryLighting
	}

	severity := Severity(strings.ToLower(strings.TrimSpace(r.Severity)))
	if !severity.Valid() {
		severity = SeverityMedium
	}

	tip := Tip{
		ID:          id,
		Lat:         lat,
		Lon:         lon,
		Category:    category,
		Severity:    severity,
		Title:       r.Title,
		Description: r.Description,
	}
	if r.HelpfulCount != nil && *r.HelpfulCount > 0 {
		tip.HelpfulCount = *r.HelpfulCount
	}
	if r.Verified != nil {
		tip.Verified = *r.Verified
	}
	if r.CreatedAt != nil {
		if t, err := time.Parse(time.RFC3339, *r.CreatedAt); err == nil {
			tip.CreatedAt = &t
		}
	}
	return tip
}

func coerceFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case int:
		f = float64(x)
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func coerceID(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case int:
		return strconv.Itoa(x)
	default:
		return ""
	}
}
