// Package clients provides the HTTP plumbing used to talk to Business Central:
// a pooled HTTP/2 client with rate limiting, a bounded retry policy, the
// OAuth2 token provider and an authenticated JSON API client.
package clients

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/nebula-bc/pkg/config"
	"github.com/ajitpratap0/nebula-bc/pkg/metrics"
)

// DefaultUserAgent is sent when no user agent is configured
const DefaultUserAgent = "nebula-bc/1.0"

// HTTPClient wraps net/http with a tuned transport, a request rate limiter
// and request metrics.
type HTTPClient struct {
	config     *HTTPConfig
	logger     *zap.Logger
	metrics    *metrics.Metrics
	httpClient *http.Client
	transport  *http.Transport
	limiter    *rate.Limiter
}

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	MaxIdleConns        int           `json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout"`

	EnableHTTP2 bool `json:"enable_http2"`

	DialTimeout         time.Duration `json:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `json:"tls_handshake_timeout"`
	// RequestTimeout bounds one HTTP call, including reading the body
	RequestTimeout time.Duration `json:"request_timeout"`
	KeepAlive      time.Duration `json:"keep_alive"`

	// RateLimit is requests per second; 0 disables limiting
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`

	UserAgent string `json:"user_agent"`
}

// DefaultHTTPConfig returns default client configuration
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		EnableHTTP2:         true,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		RequestTimeout:      60 * time.Second,
		KeepAlive:           30 * time.Second,
		RateBurst:           1,
		UserAgent:           DefaultUserAgent,
	}
}

// HTTPConfigFromBase derives client settings from the run configuration
func HTTPConfigFromBase(base *config.BaseConfig, userAgent string) *HTTPConfig {
	cfg := DefaultHTTPConfig()
	if base.Timeouts.Request > 0 {
		cfg.RequestTimeout = base.Timeouts.Request
	}
	if base.Timeouts.Connection > 0 {
		cfg.DialTimeout = base.Timeouts.Connection
		cfg.TLSHandshakeTimeout = base.Timeouts.Connection
	}
	if base.Timeouts.Idle > 0 {
		cfg.IdleConnTimeout = base.Timeouts.Idle
	}
	if base.Timeouts.KeepAlive > 0 {
		cfg.KeepAlive = base.Timeouts.KeepAlive
	}
	cfg.RateLimit = base.Reliability.RateLimitPerSec
	if base.Reliability.RateLimitBurst > 0 {
		cfg.RateBurst = base.Reliability.RateLimitBurst
	}
	if userAgent != "" {
		cfg.UserAgent = userAgent
	}
	return cfg
}

// NewHTTPClient creates a new HTTP client. m may be nil.
func NewHTTPClient(cfg *HTTPConfig, logger *zap.Logger, m *metrics.Metrics) *HTTPClient {
	if cfg == nil {
		cfg = DefaultHTTPConfig()
	}

	client := &HTTPClient{
		config:  cfg,
		logger:  logger.With(zap.String("component", "http_client")),
		metrics: m,
	}

	client.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if cfg.EnableHTTP2 {
		if err := http2.ConfigureTransport(client.transport); err != nil {
			client.logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	client.httpClient = &http.Client{
		Transport: client.transport,
		Timeout:   cfg.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return client
}

// Get performs an HTTP GET request
func (c *HTTPClient) Get(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, nil, headers)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Do waits for the rate limiter, performs the request and records metrics
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.metrics.ObserveRequest(req.URL.Host, status, time.Since(start))

	if err != nil {
		return nil, err
	}
	return resp, nil
}

// StandardClient exposes the underlying *http.Client for libraries that take one
func (c *HTTPClient) StandardClient() *http.Client {
	return c.httpClient
}

func (c *HTTPClient) newRequest(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	return req, nil
}

// Close releases idle connections
func (c *HTTPClient) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}
