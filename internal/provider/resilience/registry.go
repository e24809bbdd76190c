package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// UpstreamHealth is a point-in-time view of one upstream client.
type UpstreamHealth struct {
	Name          string
	CircuitState  gobreaker.State
	Counts        gobreaker.Counts
	LastSuccessAt *time.Time
	LastFailureAt *time.Time
	LastError     string
}

// Status maps the breaker state to healthy, degraded or unhealthy.
func (h UpstreamHealth) Status() string {
	switch h.CircuitState {
	case gobreaker.StateClosed:
		return "healthy"
	case gobreaker.StateHalfOpen:
		return "degraded"
	default:
		return "unhealthy"
	}
}

type breakerView interface {
	CircuitBreakerState() gobreaker.State
	CircuitBreakerCounts() gobreaker.Counts
}

type registered struct {
	client        breakerView
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// Registry tracks upstream clients for the ops status endpoint.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*registered
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*registered),
		now:     time.Now,
	}
}

// Register adds or replaces a client under name.
func (r *Registry) Register(name string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = &registered{client: client}
}

// RecordSuccess stamps the last successful call for name.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[name]; ok {
		now := r.now()
		c.lastSuccessAt = &now
	}
}

// RecordFailure stamps the last failed call for name.
func (r *Registry) RecordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[name]; ok {
		now := r.now()
		c.lastFailureAt = &now
		if err != nil {
			c.lastError = err.Error()
		}
	}
}

// Health returns the health of one upstream, or false when unknown.
func (r *Registry) Health(name string) (UpstreamHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[name]
	if !ok {
		return UpstreamHealth{}, false
	}
	return c.health(name), true
}

// Snapshot returns the health of every upstream sorted by name.
func (r *Registry) Snapshot() []UpstreamHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]UpstreamHealth, 0, len(r.clients))
	for name, c := range r.clients {
		out = append(out, c.health(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *registered) health(name string) UpstreamHealth {
	return UpstreamHealth{
		Name:          name,
		CircuitState:  c.client.CircuitBreakerState(),
		Counts:        c.client.CircuitBreakerCounts(),
		LastSuccessAt: c.lastSuccessAt,
		LastFailureAt: c.lastFailureAt,
		LastError:     c.lastError,
	}
}
