package heatmap

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/apierror"
	"github.com/saferoute/saferoute/internal/geo"
)

// ServiceConfig holds configuration for the heatmap service.
type ServiceConfig struct {
	Provider Provider
	Cache    *Cache
	Logger   zerolog.Logger

	// FetchTimeout bounds each upstream request (default: 12 seconds).
	FetchTimeout time.Duration
}

// Service answers heatmap queries from cache or upstream.
type Service struct {
	provider Provider
	cache    *Cache
	logger   zerolog.Logger
	timeout  time.Duration
}

// NewService creates a heatmap service.
func NewService(cfg ServiceConfig) *Service {
	timeout := cfg.FetchTimeout
	if timeout == 0 {
		timeout = 12 * time.Second
	}
	return &Service{
		provider: cfg.Provider,
		cache:    cfg.Cache,
		logger:   cfg.Logger,
		timeout:  timeout,
	}
}

// GetZones returns the zones for bounds. An unsuccessful or undecodable
// backend reply yields zero zones and no error; such results are not cached.
// Transport and HTTP status failures are returned as *apierror.Error.
func (s *Service) GetZones(ctx context.Context, bounds geo.Bounds) ([]Zone, error) {
	if zones, ok := s.cache.Get(ctx, bounds); ok {
		return zones, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := s.provider.FetchHeatmap(fetchCtx, bounds)
	switch {
	case errors.Is(err, ErrMalformedPayload):
		s.logger.Warn().Err(err).Str("bounds", bounds.String()).Msg("heatmap payload malformed, returning no zones")
		return []Zone{}, nil
	case err != nil:
		if ctx.Err() != nil {
			return nil, apierror.Canceled("heatmap request canceled")
		}
		if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			return nil, apierror.Timeout("heatmap request timed out")
		}
		return nil, err
	case payload == nil || !payload.Success:
		s.logger.Warn().Str("bounds", bounds.String()).Msg("heatmap backend reported failure, returning no zones")
		return []Zone{}, nil
	}

	zones := make([]Zone, 0, len(payload.Zones))
	for _, z := range payload.Zones {
		if !z.Valid() {
			s.logger.Warn().Str("zone_id", z.ID).Msg("dropping heatmap zone with invalid geometry")
			continue
		}
		zones = append(zones, z)
	}

	if len(zones) == 0 {
		return zones, nil
	}

	if err := s.cache.Set(ctx, bounds, zones); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write heatmap cache")
	}
	return zones, nil
}

// Cleanup runs cache maintenance.
func (s *Service) Cleanup(ctx context.Context) error {
	_, err := s.cache.Cleanup(ctx)
	return err
}

// Cache returns the underlying cache.
func (s *Service) Cache() *Cache {
	return s.cache
}
