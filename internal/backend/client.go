// Package backend is the REST client for the tutoring backend: chat session
// management, session history and resource upload.
//
// Every call carries the user's bearer token, goes through a shared
// [resilience.CircuitBreaker] and is traced and timed by [observe.Transport].
// Non-2xx responses surface as [*APIError].
//
// Typical usage:
//
//	c, err := backend.New(backend.Config{
//	    BaseURL: "http://localhost:8000/api/",
//	    Token:   token,
//	})
//	sessions, err := c.ListSessions(ctx)
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/MrWong99/tutorchat/internal/observe"
	"github.com/MrWong99/tutorchat/internal/resilience"
)

const (
	defaultTimeout = 15 * time.Second

	// maxBody caps how much of a response body is read.
	maxBody = 8 << 20

	// maxErrorBody caps the body excerpt kept in an APIError.
	maxErrorBody = 512
)

// APIError is returned when the backend answers with a non-2xx status.
type APIError struct {
	Method string
	Route  string
	Status int
	Body   string
}

// Error implements error.
func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: %s %s: status %d", e.Method, e.Route, e.Status)
	}
	return fmt.Sprintf("backend: %s %s: status %d: %s", e.Method, e.Route, e.Status, e.Body)
}

// IsNotFound reports whether err is an [*APIError] with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// countsAsFailure decides which errors trip the breaker: transport errors
// and 5xx responses. A 4xx is the caller's problem, not a backend outage.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// Config configures a [Client].
type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8000/api/.
	BaseURL string

	// Token is sent as "Authorization: Bearer <token>".
	Token string

	// Timeout bounds every request. Default: 15s.
	Timeout time.Duration

	// Transport performs the requests below the instrumentation. Nil means
	// [http.DefaultTransport].
	Transport http.RoundTripper

	// Breaker guards all calls. Nil creates one with default settings.
	Breaker *resilience.CircuitBreaker

	// Metrics receives REST latency samples. Nil means [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Client talks to the tutoring backend. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	breaker *resilience.CircuitBreaker
}

// New validates cfg and returns a [Client].
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend: base url scheme must be http or https, got %q", base.Scheme)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = NewBreaker(resilience.CircuitBreakerConfig{})
	}
	return &Client{
		base:  base,
		token: cfg.Token,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &observe.Transport{Base: cfg.Transport, Metrics: cfg.Metrics},
		},
		breaker: breaker,
	}, nil
}

// NewBreaker returns a breaker that counts only transport errors and 5xx
// responses as failures.
func NewBreaker(cfg resilience.CircuitBreakerConfig) *resilience.CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "backend-rest"
	}
	cfg.IsFailure = countsAsFailure
	return resilience.NewCircuitBreaker(cfg)
}

// Breaker returns the circuit breaker guarding the client.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

// do sends one request and decodes a 2xx JSON response into out (which may
// be nil). route names the endpoint in spans and metrics.
func (c *Client) do(ctx context.Context, method, route, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: marshal %s: %w", route, err)
		}
		body = bytes.NewReader(data)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", route, err)
	}
	endpoint := c.base.ResolveReference(ref)

	return c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
		if err != nil {
			return fmt.Errorf("backend: build %s request: %w", route, err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set(observe.RouteHeader, route)
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("backend: %s %s: %w", method, route, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return fmt.Errorf("backend: read %s response: %w", route, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			excerpt := strings.TrimSpace(string(data))
			if len(excerpt) > maxErrorBody {
				excerpt = excerpt[:maxErrorBody]
			}
			return &APIError{Method: method, Route: route, Status: resp.StatusCode, Body: excerpt}
		}

		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := sonic.Unmarshal(data, out); err != nil {
			return fmt.Errorf("backend: decode %s response: %w", route, err)
		}
		return nil
	})
}
