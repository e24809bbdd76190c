package resilience

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrCircuitOpen is returned without contacting upstream while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ClientConfig holds configuration for the resilient HTTP client.
type ClientConfig struct {
	// Name identifies the upstream in the breaker, registry and logs.
	Name string

	// Timeout bounds each individual attempt. Default 12s.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt. Default 2.
	MaxRetries uint64

	// DisableRetries turns off retrying, leaving only the breaker.
	DisableRetries bool

	InitialInterval time.Duration // Default 200ms
	MaxInterval     time.Duration // Default 2s

	// CircuitBreaker defaults to DefaultCircuitBreakerConfig(Name).
	CircuitBreaker *CircuitBreakerConfig

	// Registry, when set, receives the client and its success/failure events.
	Registry *Registry

	// Transport overrides the underlying round tripper (tests).
	Transport http.RoundTripper
}

// DefaultClientConfig returns the defaults used for the safety backend.
func DefaultClientConfig(name string) ClientConfig {
	cb := DefaultCircuitBreakerConfig(name)
	return ClientConfig{
		Name:            name,
		Timeout:         12 * time.Second,
		MaxRetries:      2,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		CircuitBreaker:  &cb,
	}
}

// Client executes requests through a circuit breaker with retries on
// network errors and 5xx responses. 4xx responses are returned as-is.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	config     ClientConfig
}

// NewClient creates a resilient client and registers it when cfg.Registry is set.
func NewClient(cfg ClientConfig) *Client {
	defaults := DefaultClientConfig(cfg.Name)
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxRetries == 0 && !cfg.DisableRetries {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.DisableRetries {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = defaults.InitialInterval
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = defaults.MaxInterval
	}
	if cfg.CircuitBreaker == nil {
		cfg.CircuitBreaker = defaults.CircuitBreaker
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		breaker:    NewCircuitBreaker[*http.Response](*cfg.CircuitBreaker), //nolint:bodyclose // type param, not response
		config:     cfg,
	}

	if cfg.Registry != nil {
		cfg.Registry.Register(cfg.Name, c)
	}
	return c
}

// Name returns the upstream name.
func (c *Client) Name() string {
	return c.config.Name
}

// Do executes req. The request context bounds all attempts and backoff waits.
// After exhausting retries on 5xx the last response is returned with a nil
// error so callers can map the status themselves.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.InitialInterval
	bo.MaxInterval = c.config.MaxInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.config.MaxRetries), ctx)

	var last *http.Response

	attempt := func() error {
		attemptReq, err := rewind(ctx, req)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) { //nolint:bodyclose // closed by caller or below
			r, err := c.httpClient.Do(attemptReq)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= http.StatusInternalServerError {
				return r, &ServerError{StatusCode: r.StatusCode}
			}
			return r, nil
		})

		if last != nil && last != resp {
			drain(last)
		}
		last = resp

		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(ErrCircuitOpen)
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		default:
			return err
		}
	}

	err := backoff.Retry(attempt, policy)

	var serverErr *ServerError
	switch {
	case err == nil:
		c.record(nil)
		return last, nil
	case errors.As(err, &serverErr) && last != nil:
		c.record(err)
		return last, nil
	default:
		if last != nil {
			drain(last)
		}
		c.record(err)
		return nil, err
	}
}

// CircuitBreakerState returns the breaker state.
func (c *Client) CircuitBreakerState() gobreaker.State {
	return c.breaker.State()
}

// CircuitBreakerCounts returns the breaker counters.
func (c *Client) CircuitBreakerCounts() gobreaker.Counts {
	return c.breaker.Counts()
}

func (c *Client) record(err error) {
	if c.config.Registry == nil {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.config.Registry.RecordFailure(c.config.Name, err)
		return
	}
	if err == nil {
		c.config.Registry.RecordSuccess(c.config.Name)
	}
}

// rewind clones req for another attempt, restoring the body when possible.
func rewind(ctx context.Context, req *http.Request) (*http.Request, error) {
	clone := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return clone, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// ServerError represents an upstream 5xx response.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}
