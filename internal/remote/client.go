// Package remote is a client for the dashboard's REST API.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/maruel/speedtin/internal/metrics"
	"github.com/maruel/speedtin/internal/models"
)

// DefaultTimeout bounds a single request made by the default Doer.
const DefaultTimeout = 30 * time.Second

// Doer sends HTTP requests. *http.Client implements it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// StatusError is returned when the server answered with an unexpected status
// or with a JSON object holding an "error" field.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, strings.TrimSpace(e.Body))
}

// Options configures a Client.
type Options struct {
	// Doer defaults to an *http.Client with DefaultTimeout that does not
	// follow redirects.
	Doer Doer
	// RequestsPerSecond paces requests when positive.
	RequestsPerSecond float64
}

// Client talks to one project of the dashboard.
type Client struct {
	BaseURL   string
	ProjectID string
	Token     string

	doer    Doer
	limiter *rate.Limiter
}

// NewHTTPClient returns the default Doer.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// New returns a Client for projectID on the server at baseURL.
func New(baseURL, projectID, token string, opts *Options) *Client {
	c := &Client{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		ProjectID: projectID,
		Token:     token,
	}
	if opts != nil {
		c.doer = opts.Doer
		if opts.RequestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
		}
	}
	if c.doer == nil {
		c.doer = NewHTTPClient(DefaultTimeout)
	}
	return c
}

func (c *Client) benchmarksURL() string {
	return c.BaseURL + "/api/projects/" + url.PathEscape(c.ProjectID) + "/benchmarks"
}

// CreateBenchmark registers a benchmark and returns the server's
// representation of it.
func (c *Client) CreateBenchmark(ctx context.Context, b models.Benchmark) (json.RawMessage, error) {
	return c.call(ctx, "create_benchmark", http.MethodPost, c.benchmarksURL(), b, http.StatusCreated)
}

// ListBenchmarks returns every benchmark of the project, both decoded and as
// sent by the server.
func (c *Client) ListBenchmarks(ctx context.Context) ([]models.BenchmarkInfo, []json.RawMessage, error) {
	u := c.benchmarksURL()
	body, err := c.call(ctx, "list_benchmarks", http.MethodGet, u, nil, http.StatusOK)
	if err != nil {
		return nil, nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, fmt.Errorf("failed to decode benchmark list from %s: %w", u, err)
	}
	infos := make([]models.BenchmarkInfo, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &infos[i]); err != nil {
			return nil, nil, fmt.Errorf("failed to decode benchmark %s from %s: %w", r, u, err)
		}
	}
	return infos, raw, nil
}

// CreateMeasurement records m for the benchmark with the given server id.
func (c *Client) CreateMeasurement(ctx context.Context, benchmarkID int64, m models.Measurement) (json.RawMessage, error) {
	u := c.benchmarksURL() + "/" + strconv.FormatInt(benchmarkID, 10) + "/measurements"
	return c.call(ctx, "create_measurement", http.MethodPost, u, m, http.StatusCreated)
}

func (c *Client) call(ctx context.Context, endpoint, method, u string, in any, want int) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var body io.Reader = http.NoBody
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request for %s: %w", u, err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-AuthToken", c.Token)

	start := time.Now()
	resp, err := c.doer.Do(req)
	metrics.RemoteLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RemoteRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.RemoteRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response of %s %s: %w", method, u, err)
	}
	if resp.StatusCode != want {
		return nil, &StatusError{Method: method, URL: u, Status: resp.StatusCode, Body: string(respBody)}
	}
	if !json.Valid(respBody) {
		return nil, fmt.Errorf("%s %s: response is not JSON: %q", method, u, respBody)
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(respBody, &obj) == nil {
		if _, ok := obj["error"]; ok {
			return nil, &StatusError{Method: method, URL: u, Status: resp.StatusCode, Body: string(respBody)}
		}
	}
	slog.DebugContext(ctx, "Remote call", "method", method, "url", u, "status", resp.StatusCode, "duration", time.Since(start))
	return json.RawMessage(respBody), nil
}
