// Package upstream implements the HTTP contracts of the account service and
// the game service used to exchange credentials and read gacha history.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/gacha-agent/internal/config"
	"github.com/ashureev/gacha-agent/internal/domain"
	"github.com/ashureev/gacha-agent/internal/metrics"
	"golang.org/x/time/rate"
)

// maxBodySize caps how much of an upstream response is read.
const maxBodySize = 8 << 20

// Client talks to the account and game services. It is safe for concurrent use.
type Client struct {
	http    *http.Client
	cfg     config.UpstreamConfig
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client built from the configuration.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records every call on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the configured base URLs.
func NewClient(cfg config.UpstreamConfig, opts ...Option) *Client {
	c := &Client{
		http:   NewHTTPClient(cfg),
		cfg:    cfg,
		logger: slog.Default(),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewHTTPClient builds an HTTP client whose connect, header and overall
// request time are bounded by cfg.
func NewHTTPClient(cfg config.UpstreamConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: transport,
	}
}

// request describes one upstream call.
type request struct {
	op     string
	method string
	url    string
	query  url.Values
	body   any
	header http.Header
}

// response is a successfully transported upstream reply.
type response struct {
	body    []byte
	cookies []*http.Cookie
}

// do performs r once. Transport failures, non-2xx statuses and oversized
// bodies are returned as Upstream errors. There is no retry.
func (c *Client) do(ctx context.Context, r request) (*response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, domain.UpstreamError(r.op, 0, fmt.Errorf("wait for request slot: %w", err))
		}
	}

	target := r.url
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, domain.UpstreamError(r.op, 0, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return nil, domain.UpstreamError(r.op, 0, fmt.Errorf("build request: %w", err))
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.UpstreamError(r.op, 0, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close upstream body", "op", r.op, "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, domain.UpstreamError(r.op, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if len(data) > maxBodySize {
		return nil, domain.UpstreamError(r.op, resp.StatusCode, fmt.Errorf("response body exceeds %d bytes", maxBodySize))
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, domain.UpstreamError(r.op, resp.StatusCode, fmt.Errorf("unexpected HTTP status: %s", snippet(data)))
	}

	return &response{body: data, cookies: resp.Cookies()}, nil
}

// observe records the outcome of one operation.
func (c *Client) observe(op string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = domain.KindOf(err).String()
	}
	c.metrics.ObserveUpstream(op, outcome, started)
	c.logger.Debug("upstream call finished", "op", op, "outcome", outcome, "duration", time.Since(started))
}

// decode unmarshals data into v, mapping failures to Upstream errors.
func decode(op string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return domain.UpstreamError(op, 0, fmt.Errorf("decode body %q: %w", snippet(data), err))
	}
	return nil
}

// snippet shortens a body for error messages.
func snippet(data []byte) string {
	const limit = 200
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}

func sessionHeader(role domain.RoleToken, cookie domain.SessionCookie) http.Header {
	h := make(http.Header)
	h.Set("X-Role-Token", role.Token)
	h.Set("Cookie", domain.SessionCookieName+"="+cookie.Value)
	return h
}
