// Package worker runs the background jobs of the SafeRoute service: cache
// sweeps, hotspot warmup and cross-instance cache invalidation.
package worker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/saferoute/saferoute/internal/geo"
)

// Hotspot is an area whose tips are prefetched so the first viewer hits a warm cache.
type Hotspot struct {
	Name   string
	Center geo.Point

	// Priority orders warmup (lower = earlier).
	Priority int
}

// WarmupConfig holds configuration for the warmup job.
type WarmupConfig struct {
	// Hotspots are the areas to prefetch. If empty, uses DefaultHotspots.
	Hotspots []Hotspot

	// RadiusMeters is the search radius around each hotspot.
	// Default: 1000
	RadiusMeters float64

	// HeatmapSpanDegrees is the half-width of the heatmap box prefetched
	// around each hotspot. Zero disables heatmap warmup.
	HeatmapSpanDegrees float64

	// Concurrency is the number of concurrent hotspot fetches.
	// Default: 3
	Concurrency int

	// Timeout bounds the work for a single hotspot.
	// Default: 30 seconds
	Timeout time.Duration
}

// DefaultWarmupConfig returns the default warmup configuration.
func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{
		Hotspots:           DefaultHotspots(),
		RadiusMeters:       1000,
		HeatmapSpanDegrees: 0.02,
		Concurrency:        3,
		Timeout:            30 * time.Second,
	}
}

// DefaultHotspots returns busy downtown areas with heavy evening foot traffic.
func DefaultHotspots() []Hotspot {
	return []Hotspot{
		{Name: "San Francisco Union Square", Center: geo.Point{Lat: 37.7880, Lon: -122.4075}, Priority: 1},
		{Name: "New York Times Square", Center: geo.Point{Lat: 40.7580, Lon: -73.9855}, Priority: 1},
		{Name: "Chicago Loop", Center: geo.Point{Lat: 41.8837, Lon: -87.6289}, Priority: 2},
		{Name: "Los Angeles Downtown", Center: geo.Point{Lat: 34.0407, Lon: -118.2468}, Priority: 2},
		{Name: "Seattle Pike Place", Center: geo.Point{Lat: 47.6097, Lon: -122.3422}, Priority: 3},
	}
}

// withDefaults fills zero fields.
func (c WarmupConfig) withDefaults() WarmupConfig {
	def := DefaultWarmupConfig()
	if len(c.Hotspots) == 0 {
		c.Hotspots = def.Hotspots
	}
	if c.RadiusMeters <= 0 {
		c.RadiusMeters = def.RadiusMeters
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// ParseHotspots parses "name:lat,lon[:priority]" entries separated by ';'.
// Entries without a priority get priority 1.
func ParseHotspots(s string) ([]Hotspot, error) {
	var hotspots []Hotspot
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("hotspot %q: want name:lat,lon[:priority]", entry)
		}

		coords := strings.Split(parts[1], ",")
		if len(coords) != 2 {
			return nil, fmt.Errorf("hotspot %q: want lat,lon", entry)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(coords[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("hotspot %q latitude: %w", entry, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(coords[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("hotspot %q longitude: %w", entry, err)
		}
		center := geo.Point{Lat: lat, Lon: lon}
		if !geo.ValidCoordinate(center) {
			return nil, fmt.Errorf("hotspot %q: coordinate out of range", entry)
		}

		priority := 1
		if len(parts) == 3 {
			if priority, err = strconv.Atoi(strings.TrimSpace(parts[2])); err != nil {
				return nil, fmt.Errorf("hotspot %q priority: %w", entry, err)
			}
		}

		hotspots = append(hotspots, Hotspot{
			Name:     strings.TrimSpace(parts[0]),
			Center:   center,
			Priority: priority,
		})
	}
	return hotspots, nil
}
