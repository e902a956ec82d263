// Package fetch is the HTTP client for the item backend.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/e7canasta/scanlens/modules/itemcache"
)

// maxBodyBytes bounds a backend response.
const maxBodyBytes = 4 << 20

// ErrInvalidBarcode is returned for an empty barcode.
var ErrInvalidBarcode = errors.New("fetch: empty barcode")

// StatusError is returned for non-2xx backend responses (404 excepted).
type StatusError struct {
	Barcode    string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d for %s", e.StatusCode, e.Barcode)
}

// Retryable reports whether the status is worth retrying: 5xx and 429.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Config contains client settings.
type Config struct {
	BaseURL  string
	ItemPath string        // default: /items/
	Timeout  time.Duration // per attempt (default: 5s)
	Retry    RetryConfig

	// RateLimit caps requests per second; 0 disables.
	RateLimit float64
	Burst     int
}

// Stats is a snapshot of client counters.
type Stats struct {
	Requests  uint64
	Attempts  uint64
	Retries   uint64
	Failures  uint64
	NotFound  uint64
	Succeeded uint64
}

// Client fetches item records. Safe for concurrent use.
type Client struct {
	base     *url.URL
	itemPath string
	timeout  time.Duration
	retry    RetryConfig
	http     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger

	requests  atomic.Uint64
	attempts  atomic.Uint64
	retries   atomic.Uint64
	failures  atomic.Uint64
	notFound  atomic.Uint64
	succeeded atomic.Uint64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New validates cfg and builds a client.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("fetch: invalid base url %q", cfg.BaseURL)
	}
	if cfg.ItemPath == "" {
		cfg.ItemPath = "/items/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		base:     base,
		itemPath: cfg.ItemPath,
		timeout:  cfg.Timeout,
		retry:    cfg.Retry,
		http:     &http.Client{},
		limiter:  rate.NewLimiter(limit, burst),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "fetch")
	return c, nil
}

// Fetch returns the record for barcode.
//
// An unknown barcode (404) yields an empty record and no error. Transport
// errors, 5xx and 429 are retried with backoff; other failures are returned
// immediately.
func (c *Client) Fetch(ctx context.Context, barcode string) (itemcache.Record, error) {
	if strings.TrimSpace(barcode) == "" {
		return itemcache.Record{}, ErrInvalidBarcode
	}
	c.requests.Add(1)

	var rec itemcache.Record
	attempts, err := runWithRetry(ctx, func(ctx context.Context) error {
		r, err := c.attempt(ctx, barcode)
		if err != nil {
			return err
		}
		rec = r
		return nil
	}, c.retry, c.logger.With("barcode", barcode))

	if attempts > 1 {
		c.retries.Add(uint64(attempts - 1))
	}
	if err != nil {
		c.failures.Add(1)
		return itemcache.Record{}, fmt.Errorf("fetch %s: %w", barcode, err)
	}

	if rec.Empty() {
		c.notFound.Add(1)
	} else {
		c.succeeded.Add(1)
	}
	c.logger.Debug("item fetched",
		"barcode", barcode,
		"systems", len(rec.Systems),
		"attempts", attempts,
	)
	return rec, nil
}

func (c *Client) attempt(ctx context.Context, barcode string) (itemcache.Record, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return itemcache.Record{}, permanent(fmt.Errorf("rate limiter: %w", err))
	}
	c.attempts.Add(1)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.itemURL(barcode), nil)
	if err != nil {
		return itemcache.Record{}, permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return itemcache.Record{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return itemcache.Record{}, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return itemcache.Record{}, &StatusError{Barcode: barcode, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return itemcache.Record{}, fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return itemcache.Record{}, nil
	}

	rec, err := decodeRecord(body)
	if err != nil {
		return itemcache.Record{}, permanent(err)
	}
	return rec, nil
}

func (c *Client) itemURL(barcode string) string {
	u := *c.base
	prefix := strings.TrimSuffix(u.Path, "/") + "/" + strings.Trim(c.itemPath, "/") + "/"
	u.Path = prefix + barcode
	u.RawPath = (&url.URL{Path: prefix}).EscapedPath() + url.PathEscape(barcode)
	return u.String()
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:  c.requests.Load(),
		Attempts:  c.attempts.Load(),
		Retries:   c.retries.Load(),
		Failures:  c.failures.Load(),
		NotFound:  c.notFound.Load(),
		Succeeded: c.succeeded.Load(),
	}
}
