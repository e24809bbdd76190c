// Package polyline decodes and encodes routes in Google's encoded polyline format.
// See https://developers.google.com/maps/documentation/utilities/polylinealgorithm
package polyline

import (
	"errors"
	"math"

	"github.com/saferoute/saferoute/internal/geo"
)

// ErrTruncated is returned when the input ends in the middle of a value.
var ErrTruncated = errors.New("polyline: truncated input")

// ErrInvalidCharacter is returned for bytes outside the polyline alphabet.
var ErrInvalidCharacter = errors.New("polyline: invalid character")

const precision = 1e5

// Decode decodes an encoded polyline (precision 5) into points.
// An empty string decodes to nil.
func Decode(encoded string) ([]geo.Point, error) {
	if encoded == "" {
		return nil, nil
	}

	points := make([]geo.Point, 0, len(encoded)/4)
	index, lat, lon := 0, 0, 0

	for index < len(encoded) {
		latDelta, next, err := decodeValue(encoded, index)
		if err != nil {
			return nil, err
		}
		lonDelta, next, err := decodeValue(encoded, next)
		if err != nil {
			return nil, err
		}
		index = next
		lat += latDelta
		lon += lonDelta

		points = append(points, geo.Point{
			Lat: float64(lat) / precision,
			Lon: float64(lon) / precision,
		})
	}

	return points, nil
}

func decodeValue(encoded string, index int) (int, int, error) {
	shift, result := 0, 0

	for {
		if index >= len(encoded) {
			return 0, index, ErrTruncated
		}
		b := int(encoded[index]) - 63
		if b < 0 || b > 0x3f {
			return 0, index, ErrInvalidCharacter
		}
		index++
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}

	if result&1 != 0 {
		return ^(result >> 1), index, nil
	}
	return result >> 1, index, nil
}

// Encode encodes points into a polyline string (precision 5).
func Encode(points []geo.Point) string {
	if len(points) == 0 {
		return ""
	}

	buf := make([]byte, 0, len(points)*6)
	prevLat, prevLon := 0, 0

	for _, p := range points {
		lat := int(math.Round(p.Lat * precision))
		lon := int(math.Round(p.Lon * precision))

		buf = encodeValue(buf, lat-prevLat)
		buf = encodeValue(buf, lon-prevLon)

		prevLat, prevLon = lat, lon
	}

	return string(buf)
}

func encodeValue(buf []byte, value int) []byte {
	if value < 0 {
		value = ^(value << 1)
	} else {
		value <<= 1
	}

	for value >= 0x20 {
		buf = append(buf, byte((value&0x1f)|0x20)+63)
		value >>= 5
	}
	return append(buf, byte(value)+63)
}
