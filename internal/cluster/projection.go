package cluster

import "math"

// Web Mercator projection onto the unit square, as used by map tiles.

func lngX(lng float64) float64 {
	return lng/360 + 0.5
}

func latY(lat float64) float64 {
	sin := math.Sin(lat * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	switch {
	case y < 0:
		return 0
	case y > 1:
		return 1
	default:
		return y
	}
}

func xLng(x float64) float64 {
	return (x - 0.5) * 360
}

func yLat(y float64) float64 {
	y2 := (180 - y*360) * math.Pi / 180
	return 360*math.Atan(math.Exp(y2))/math.Pi - 90
}
