// Package safetyapi is the HTTP client for the community safety backend.
// It implements tips.Provider and heatmap.Provider.
package safetyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/apierror"
	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/heatmap"
	"github.com/saferoute/saferoute/internal/provider/resilience"
	"github.com/saferoute/saferoute/internal/tips"
)

const (
	// ProviderName identifies the backend in the resilience registry.
	ProviderName = "safety-api"

	// DefaultTimeout bounds each request to the backend.
	DefaultTimeout = 12 * time.Second

	maxBodyBytes = 8 << 20
)

// HTTPDoer executes HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig holds configuration for the safety backend client.
type ClientConfig struct {
	// BaseURL is the backend root, e.g. https://api.example.com/v1 (required).
	BaseURL string

	// APIKey, when set, is sent as X-API-Key on every request.
	APIKey string

	// HTTPClient overrides the resilient client (tests).
	HTTPClient HTTPDoer

	// Timeout bounds each request (default 12s).
	Timeout time.Duration

	// Registry receives the resilient client for health reporting.
	Registry *resilience.Registry

	Logger zerolog.Logger
}

// Client talks to the safety backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient HTTPDoer
	logger     zerolog.Logger
}

var (
	_ tips.Provider    = (*Client)(nil)
	_ heatmap.Provider = (*Client)(nil)
)

// NewClient creates a backend client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		clientCfg := resilience.DefaultClientConfig(ProviderName)
		clientCfg.Timeout = timeout
		clientCfg.Registry = cfg.Registry
		clientCfg.CircuitBreaker.OnStateChange = resilience.LogStateChanges(cfg.Logger)
		httpClient = resilience.NewClient(clientCfg)
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     cfg.Logger,
	}
}

type tipsResponse struct {
	Tips []tips.RawTip `json:"tips"`
}

// SearchTips calls GET /locations/search?mode=tips.
func (c *Client) SearchTips(ctx context.Context, q tips.Query) ([]tips.RawTip, error) {
	params := url.Values{}
	params.Set("mode", "tips")
	params.Set("lat", strconv.FormatFloat(q.Center.Lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(q.Center.Lon, 'f', -1, 64))
	if q.RadiusMeters > 0 {
		params.Set("radius", strconv.FormatFloat(q.RadiusMeters, 'f', -1, 64))
	}
	if cat := q.CategoryOrAll(); cat != "all" {
		params.Set("category", cat)
	}
	if q.TimeFilter != "" {
		params.Set("time", q.TimeFilter)
	}
	if q.Bounds != nil {
		params.Set("bounds", q.Bounds.String())
	}

	body, err := c.get(ctx, "/locations/search", params)
	if err != nil {
		return nil, err
	}

	var resp tipsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &apierror.Error{
			Code:    apierror.CodeService,
			Message: "safety backend returned an unreadable tip list",
			Status:  http.StatusOK,
			Err:     apierror.ErrService,
		}
	}

	c.logger.Debug().Int("tips", len(resp.Tips)).Str("category", q.CategoryOrAll()).Msg("tips received")
	return resp.Tips, nil
}

// FetchHeatmap calls GET /locations/search?mode=heatmap. A reply that is not
// valid JSON is reported as heatmap.ErrMalformedPayload.
func (c *Client) FetchHeatmap(ctx context.Context, bounds geo.Bounds) (*heatmap.Payload, error) {
	params := url.Values{}
	params.Set("mode", "heatmap")
	params.Set("bounds", bounds.String())

	body, err := c.get(ctx, "/locations/search", params)
	if err != nil {
		return nil, err
	}

	var payload heatmap.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", heatmap.ErrMalformedPayload, err)
	}
	return &payload, nil
}

// SubmitTip calls POST /tips with the body unchanged.
func (c *Client) SubmitTip(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tips", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	reply, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(reply)) == 0 || !json.Valid(reply) {
		return json.RawMessage(`{}`), nil
	}
	return reply, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if token := tips.AuthToken(req.Context()); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", req.Method).Str("path", req.URL.Path).Msg("safety backend request failed")
		return nil, transportError(req.Context(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(req.Context(), err)
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("safety backend responded")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apierror.FromStatus(resp.StatusCode, errorMessage(resp.StatusCode, body))
	}
	return body, nil
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Detail  string `json:"detail"`
}

func errorMessage(status int, body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		for _, m := range []string{eb.Message, eb.Error, eb.Detail} {
			if m != "" {
				return m
			}
		}
	}
	return fmt.Sprintf("safety backend returned status %d", status)
}

func transportError(ctx context.Context, err error) error {
	if ctxErr := apierror.FromContext(ctx.Err()); ctxErr != nil {
		return ctxErr
	}
	if ctxErr := apierror.FromContext(err); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return apierror.Network("safety backend unavailable")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierror.Timeout("safety backend timed out")
	}
	return apierror.Network("could not reach safety backend")
}
