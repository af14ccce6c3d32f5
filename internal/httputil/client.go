package httputil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/velocast/internal/metrics"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 4
	DefaultUserAgent  = "velocast/1.0"
)

// NewClient returns an HTTP client with the given per-request timeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
	}
}

type Config struct {
	Timeout    time.Duration
	MaxRetries uint64
	UserAgent  string
	// InitialInterval is the first retry delay; later delays grow exponentially.
	InitialInterval time.Duration
}

// StatusError is a non-200 upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// Client performs GET requests against one upstream with bounded retries.
// Network errors, 429 and 5xx responses are retried; other statuses are not.
type Client struct {
	http       *http.Client
	source     string
	maxRetries uint64
	userAgent  string
	initial    time.Duration
}

func New(source string, cfg Config) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = backoff.DefaultInitialInterval
	}
	return &Client{
		http:       NewClient(cfg.Timeout),
		source:     source,
		maxRetries: cfg.MaxRetries,
		userAgent:  cfg.UserAgent,
		initial:    cfg.InitialInterval,
	}
}

// Get returns the body of url.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	operation := func() error {
		start := time.Now()
		b, status, err := c.do(ctx, url)
		metrics.UpstreamLatency.WithLabelValues(c.source).Observe(time.Since(start).Seconds())
		metrics.UpstreamCallsTotal.WithLabelValues(c.source, status).Inc()
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initial
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("%s: %w", c.source, err)
	}
	return body, nil
}

// GetJSON decodes the body of url into v and also returns the raw body.
func (c *Client) GetJSON(ctx context.Context, url string, v any) ([]byte, error) {
	body, err := c.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return body, fmt.Errorf("%s: unmarshal: %w", c.source, err)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "error", backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "error", backoff.Permanent(ctx.Err())
		}
		return nil, "error", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	status := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		serr := &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, status, serr
		}
		return nil, status, backoff.Permanent(serr)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, status, fmt.Errorf("read body: %w", err)
	}
	return body, status, nil
}
