package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"

	"github.com/ajitpratap0/nebula-bc/pkg/errors"
	"github.com/ajitpratap0/nebula-bc/pkg/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// tokenServer issues access-1, access-2, ... and counts refresh grants.
func tokenServer(t *testing.T, expiresIn string, delay time.Duration) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("client_id") != "client" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := atomic.AddInt32(&hits, 1)
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		body := fmt.Sprintf(`{"access_token":"access-%d","token_type":"Bearer","refresh_token":"refresh-%d"`, n, n+1)
		if expiresIn != "" {
			body += `,"expires_in":` + expiresIn
		}
		fmt.Fprint(w, body+"}")
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestProvider(t *testing.T, tokenURL string, clock *fakeClock, opts ...TokenOption) *TokenProvider {
	cfg := TokenConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RefreshToken: "refresh-1",
		TokenURL:     tokenURL,
	}
	opts = append(opts, WithClock(clock.Now))
	return NewTokenProvider(cfg, http.DefaultClient, zaptest.NewLogger(t), opts...)
}

func TestTokenProviderIsValid(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}

	t.Run("never obtained", func(t *testing.T) {
		p := newTestProvider(t, "http://unused", clock)
		assert.False(t, p.IsValid())
	})

	t.Run("lifetime elapsed strictly", func(t *testing.T) {
		srv, _ := tokenServer(t, "3600", 0)
		p := newTestProvider(t, srv.URL, clock)
		_, err := p.Headers(context.Background())
		require.NoError(t, err)

		assert.True(t, p.IsValid())
		clock.Advance(3599 * time.Second)
		assert.True(t, p.IsValid())
		clock.Advance(time.Second)
		assert.False(t, p.IsValid(), "elapsed equal to lifetime is stale")
	})

	t.Run("zero lifetime never expires", func(t *testing.T) {
		srv, _ := tokenServer(t, "", 0)
		p := newTestProvider(t, srv.URL, clock)
		_, err := p.Headers(context.Background())
		require.NoError(t, err)

		clock.Advance(365 * 24 * time.Hour)
		assert.True(t, p.IsValid())
	})

	t.Run("seeded access token", func(t *testing.T) {
		p := NewTokenProvider(TokenConfig{AccessToken: "seed", AccessTokenLifetime: time.Minute},
			http.DefaultClient, zaptest.NewLogger(t), WithClock(clock.Now))
		headers, err := p.Headers(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Bearer seed", headers["Authorization"])
	})
}

func TestTokenProviderRefreshesLazily(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	srv, hits := tokenServer(t, "60", 0)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := newTestProvider(t, srv.URL, clock, WithTokenMetrics(m))

	headers, err := p.Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer access-1", headers["Authorization"])

	_, err = p.Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits), "valid token is reused")

	clock.Advance(time.Minute)
	headers, err = p.Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer access-2", headers["Authorization"])
	assert.Equal(t, int32(2), atomic.LoadInt32(hits))

	count, err := testutil.GatherAndCount(reg, "nebula_bc_token_refreshes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTokenProviderSingleFlight(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	srv, hits := tokenServer(t, "3600", 50*time.Millisecond)
	p := newTestProvider(t, srv.URL, clock)

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			headers, err := p.Headers(context.Background())
			if assert.NoError(t, err) {
				results[i] = headers["Authorization"]
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
	for _, r := range results {
		assert.Equal(t, "Bearer access-1", r)
	}
}

func TestTokenProviderRejectedGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"AADSTS70008: expired"}`)
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Now()}
	p := newTestProvider(t, srv.URL, clock)

	_, err := p.Headers(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	assert.False(t, errors.IsRetryable(err))
	assert.True(t, errors.IsRunFatal(err))
	assert.False(t, p.IsValid())
}

func TestTokenProviderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := newTestProvider(t, url, &fakeClock{now: time.Now()})
	_, err := p.Headers(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	assert.True(t, errors.IsRetryable(err))
}

func TestTokenProviderRotatesRefreshToken(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	var n int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		seen = append(seen, r.PostForm.Get("refresh_token"))
		mu.Unlock()
		i := atomic.AddInt32(&n, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"a%d","refresh_token":"rotated-%d","expires_in":10}`, i, i)
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Now()}
	p := newTestProvider(t, srv.URL, clock)
	_, err := p.Headers(context.Background())
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = p.Headers(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"refresh-1", "rotated-1"}, seen)
}

func TestTokenProviderSendsRedirectURI(t *testing.T) {
	var redirect string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		redirect = r.PostForm.Get("redirect_uri")
		if r.PostForm.Get("refresh_token") != "refresh-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"a1","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	cfg := TokenConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURI:  "https://localhost/callback",
		RefreshToken: "refresh-1",
		TokenURL:     srv.URL,
	}
	p := NewTokenProvider(cfg, http.DefaultClient, zaptest.NewLogger(t))

	headers, err := p.Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer a1", headers["Authorization"])
	assert.Equal(t, "https://localhost/callback", redirect)
}

func TestDeclaredLifetimeFromExpiryUsesClock(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	p := newTestProvider(t, "http://127.0.0.1:0", clock)

	tok := &oauth2.Token{AccessToken: "a", Expiry: clock.Now().Add(10 * time.Minute)}
	assert.Equal(t, 10*time.Minute, p.declaredLifetime(tok))
	assert.Zero(t, p.declaredLifetime(&oauth2.Token{AccessToken: "a"}))
}
