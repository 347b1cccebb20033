package clients

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/nebula-bc/pkg/config"
	"github.com/ajitpratap0/nebula-bc/pkg/errors"
	"github.com/ajitpratap0/nebula-bc/pkg/metrics"
)

// TokenConfig holds the client identity and refresh credential.
type TokenConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	RefreshToken string
	TokenURL     string

	// AccessToken and AccessTokenLifetime seed the cache so the first call can skip a refresh
	AccessToken         string
	AccessTokenLifetime time.Duration
}

// TokenConfigFromSource extracts the credential settings from the source configuration
func TokenConfigFromSource(cfg config.DynamicsBCConfig) TokenConfig {
	return TokenConfig{
		ClientID:            cfg.ClientID,
		ClientSecret:        cfg.ClientSecret,
		RedirectURI:         cfg.RedirectURI,
		RefreshToken:        cfg.RefreshToken,
		TokenURL:            cfg.TokenURL,
		AccessToken:         cfg.AccessToken,
		AccessTokenLifetime: cfg.AccessTokenLifetime,
	}
}

// TokenProvider owns the single authentication identity of a process. It is
// constructed once and shared by every request. Refreshes are lazy and at most
// one is in flight at a time.
type TokenProvider struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	group singleflight.Group

	mu            sync.RWMutex
	accessToken   string
	tokenType     string
	refreshToken  string
	lastRefreshed time.Time
	lifetime      time.Duration
}

// TokenOption customizes a TokenProvider
type TokenOption func(*TokenProvider)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) TokenOption {
	return func(p *TokenProvider) { p.now = now }
}

// WithTokenMetrics records refresh outcomes on m
func WithTokenMetrics(m *metrics.Metrics) TokenOption {
	return func(p *TokenProvider) { p.metrics = m }
}

// NewTokenProvider creates a provider that refreshes against cfg.TokenURL using httpClient.
func NewTokenProvider(cfg TokenConfig, httpClient *http.Client, logger *zap.Logger, opts ...TokenOption) *TokenProvider {
	if cfg.TokenURL == "" {
		cfg.TokenURL = config.DefaultTokenURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.RedirectURI != "" {
		httpClient = withRedirectURI(httpClient, cfg.TokenURL, cfg.RedirectURI)
	}

	p := &TokenProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient:   httpClient,
		logger:       logger.With(zap.String("component", "token_provider")),
		now:          time.Now,
		refreshToken: cfg.RefreshToken,
		tokenType:    "Bearer",
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.AccessToken != "" && cfg.AccessTokenLifetime > 0 {
		p.accessToken = cfg.AccessToken
		p.lifetime = cfg.AccessTokenLifetime
		p.lastRefreshed = p.now()
	}

	return p
}

// IsValid reports whether the cached credential can be used. It is false
// before the first refresh, always true for a credential without a declared
// lifetime, and otherwise true while less than the lifetime has elapsed.
func (p *TokenProvider) IsValid() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.validLocked()
}

func (p *TokenProvider) validLocked() bool {
	if p.lastRefreshed.IsZero() {
		return false
	}
	if p.lifetime <= 0 {
		return true
	}
	return p.now().Sub(p.lastRefreshed) < p.lifetime
}

// Headers returns the Authorization header, refreshing first if needed
func (p *TokenProvider) Headers(ctx context.Context) (map[string]string, error) {
	if !p.IsValid() {
		if err := p.ensureFresh(ctx); err != nil {
			return nil, err
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]string{
		"Authorization": p.tokenType + " " + p.accessToken,
	}, nil
}

// ensureFresh collapses concurrent refreshes into one. Validity is checked
// again inside the flight so a caller arriving after a completed refresh
// reuses the new token instead of replacing it.
func (p *TokenProvider) ensureFresh(ctx context.Context) error {
	_, err, _ := p.group.Do("refresh", func() (interface{}, error) {
		if p.IsValid() {
			return nil, nil
		}
		return nil, p.refresh(ctx)
	})
	return err
}

func (p *TokenProvider) refresh(ctx context.Context) error {
	p.mu.RLock()
	refreshToken := p.refreshToken
	p.mu.RUnlock()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	p.metrics.RecordTokenRefresh(err)
	if err != nil {
		return p.classify(ctx, err)
	}

	lifetime := p.declaredLifetime(tok)

	p.mu.Lock()
	p.accessToken = tok.AccessToken
	p.tokenType = tok.Type()
	if tok.RefreshToken != "" {
		p.refreshToken = tok.RefreshToken
	}
	p.lifetime = lifetime
	p.lastRefreshed = p.now()
	p.mu.Unlock()

	p.logger.Info("token refreshed", zap.Duration("lifetime", lifetime))
	return nil
}

func (p *TokenProvider) classify(ctx context.Context, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		e := errors.Wrap(err, errors.ErrorTypeAuthentication, "token refresh rejected")
		if re.Response != nil {
			e = e.WithDetail("status", re.Response.StatusCode)
		}
		if re.ErrorCode != "" {
			e = e.WithDetail("code", re.ErrorCode)
		}
		p.logger.Error("token refresh rejected", zap.Error(err))
		return e
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, "token endpoint unreachable")
}

// declaredLifetime reads expires_in from the token response. Zero means the
// credential never expires.
func (p *TokenProvider) declaredLifetime(tok *oauth2.Token) time.Duration {
	var seconds float64
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		seconds = v
	case json.Number:
		seconds, _ = v.Float64()
	case string:
		seconds, _ = strconv.ParseFloat(v, 64)
	default:
		if !tok.Expiry.IsZero() {
			return tok.Expiry.Sub(p.now())
		}
	}
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// redirectTransport adds redirect_uri to the refresh grants posted to the
// token endpoint. x/oauth2 sends no extra parameters on a refresh.
type redirectTransport struct {
	base        http.RoundTripper
	tokenURL    string
	redirectURI string
}

func withRedirectURI(c *http.Client, tokenURL, redirectURI string) *http.Client {
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *c
	wrapped.Transport = &redirectTransport{base: base, tokenURL: tokenURL, redirectURI: redirectURI}
	return &wrapped
}

func (t *redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPost || req.Body == nil || req.URL.String() != t.tokenURL {
		return t.base.RoundTrip(req)
	}

	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, err
	}
	form.Set("redirect_uri", t.redirectURI)
	encoded := form.Encode()

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(strings.NewReader(encoded))
	out.ContentLength = int64(len(encoded))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(encoded)), nil
	}
	return t.base.RoundTrip(out)
}
