package tips

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/apierror"
	"github.com/saferoute/saferoute/internal/cache"
	"github.com/saferoute/saferoute/internal/storage"
)

// CachePrefix namespaces tip cache entries in the store.
const CachePrefix = "tips_cache_"

// Defaults for ServiceConfig.
const (
	DefaultCacheTTL     = 5 * time.Minute
	DefaultMaxEntries   = 50
	DefaultFetchTimeout = 12 * time.Second
)

var errSuperseded = errors.New("superseded by a newer request")

// InvalidationEvent describes why the tip cache was cleared.
type InvalidationEvent struct {
	Reason string
	// Remote is set when the invalidation originated on another instance.
	Remote bool
}

// InvalidationListener is notified after the tip cache is cleared.
type InvalidationListener func(ctx context.Context, event InvalidationEvent)

// ServiceConfig holds configuration for the tip service.
type ServiceConfig struct {
	Provider Provider
	Store    storage.Store
	Logger   zerolog.Logger

	// CacheTTL is how long a query result stays cached (default: 5 minutes).
	CacheTTL time.Duration

	// MaxEntries bounds the cache during Sweep (default: 50).
	MaxEntries int

	// FetchTimeout bounds each upstream search (default: 12 seconds).
	FetchTimeout time.Duration

	Recorder cache.Recorder
	Now      func() time.Time
}

// Service provides tip search with caching.
type Service struct {
	provider Provider
	cache    *cache.Persistent[[]Tip]
	logger   zerolog.Logger
	timeout  time.Duration

	mu       sync.Mutex
	inflight map[string]*flight

	listenersMu sync.RWMutex
	listeners   []InvalidationListener
}

type flight struct {
	cancel context.CancelCauseFunc
}

// NewService creates a tip service.
func NewService(cfg ServiceConfig) *Service {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	maxEntries := cfg.MaxEntries
	if maxEntries == 0 {
		maxEntries = DefaultMaxEntries
	}
	timeout := cfg.FetchTimeout
	if timeout == 0 {
		timeout = DefaultFetchTimeout
	}

	return &Service{
		provider: cfg.Provider,
		cache: cache.New[[]Tip](cache.Config{
			Name:       "tips",
			Prefix:     CachePrefix,
			TTL:        ttl,
			MaxEntries: maxEntries,
			Store:      cfg.Store,
			Logger:     cfg.Logger,
			Recorder:   cfg.Recorder,
			Now:        cfg.Now,
		}),
		logger:   cfg.Logger,
		timeout:  timeout,
		inflight: make(map[string]*flight),
	}
}

// FetchTips returns tips matching q, from cache when a fresh entry exists.
func (s *Service) FetchTips(ctx context.Context, q Query) ([]Tip, error) {
	key := q.CacheKey()

	if cached, ok := s.cache.Get(ctx, key); ok {
		s.logger.Debug().Str("key", key).Int("tips", len(cached)).Msg("tip cache hit")
		return cached, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.provider.SearchTips(fetchCtx, q)
	if err != nil {
		return nil, s.classify(ctx, fetchCtx, err)
	}
	if ctx.Err() != nil {
		return nil, apierror.Canceled("tip search canceled")
	}

	tips := Normalize(raw, s.logger)

	if err := s.cache.Set(ctx, key, tips, q.Bounds); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to write tip cache")
	}

	s.logger.Debug().Str("key", key).Int("tips", len(tips)).Msg("tips fetched")
	return tips, nil
}

// FetchTipsLatest is FetchTips where a newer call for the same slot cancels
// the older one. The superseded call returns an ErrCanceled error and its
// result is never cached.
func (s *Service) FetchTipsLatest(ctx context.Context, slot string, q Query) ([]Tip, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	current := &flight{cancel: cancel}

	s.mu.Lock()
	if prev, ok := s.inflight[slot]; ok {
		prev.cancel(errSuperseded)
	}
	s.inflight[slot] = current
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.inflight[slot] == current {
			delete(s.inflight, slot)
		}
		s.mu.Unlock()
		cancel(nil)
	}()

	tips, err := s.FetchTips(ctx, q)
	if errors.Is(context.Cause(ctx), errSuperseded) {
		s.logger.Debug().Str("slot", slot).Msg("tip fetch superseded")
		return nil, apierror.Canceled("tip search superseded by a newer request")
	}
	return tips, err
}

// SubmitTip forwards a submission and, on success, clears the whole tip
// cache and notifies invalidation listeners.
func (s *Service) SubmitTip(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err := s.provider.SubmitTip(fetchCtx, body)
	if err != nil {
		return nil, s.classify(ctx, fetchCtx, err)
	}

	if _, err := s.invalidate(ctx, InvalidationEvent{Reason: "tip_submitted"}); err != nil {
		s.logger.Error().Err(err).Msg("failed to clear tip cache after submission")
	}
	return reply, nil
}

// Invalidate clears the tip cache and notifies listeners.
func (s *Service) Invalidate(ctx context.Context, event InvalidationEvent) (int, error) {
	return s.invalidate(ctx, event)
}

// OnInvalidate registers a listener called after every invalidation.
func (s *Service) OnInvalidate(listener InvalidationListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Sweep removes expired entries and keeps at most MaxEntries, newest first.
func (s *Service) Sweep(ctx context.Context) (cache.SweepResult, error) {
	return s.cache.Sweep(ctx)
}

// CacheSize returns the number of stored tip cache entries.
func (s *Service) CacheSize(ctx context.Context) (int, error) {
	return s.cache.Len(ctx)
}

func (s *Service) invalidate(ctx context.Context, event InvalidationEvent) (int, error) {
	removed, err := s.cache.Clear(ctx)

	s.logger.Info().
		Str("reason", event.Reason).
		Bool("remote", event.Remote).
		Int("removed", removed).
		Msg("tip cache invalidated")

	s.listenersMu.RLock()
	listeners := append([]InvalidationListener(nil), s.listeners...)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ctx, event)
	}
	return removed, err
}

// classify maps an upstream failure onto the apierror taxonomy.
func (s *Service) classify(parent, fetchCtx context.Context, err error) error {
	if parent.Err() != nil {
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			return apierror.Timeout("tip request timed out")
		}
		return apierror.Canceled("tip request canceled")
	}
	if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
		return apierror.Timeout("tip request timed out")
	}

	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if ctxErr := apierror.FromContext(err); ctxErr != nil {
		return ctxErr
	}
	return &apierror.Error{Code: apierror.CodeService, Message: err.Error(), Err: apierror.ErrService}
}
