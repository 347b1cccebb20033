package clients

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-bc/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-bc/pkg/json"
	"github.com/ajitpratap0/nebula-bc/pkg/metrics"
)

// HeaderSource supplies authentication headers for each request.
// *TokenProvider implements it.
type HeaderSource interface {
	Headers(ctx context.Context) (map[string]string, error)
}

// APIClient issues authenticated GET requests that return JSON objects.
// Transient failures are retried by the configured RetryPolicy; every
// failure is returned as a typed *errors.Error.
type APIClient struct {
	http    *HTTPClient
	auth    HeaderSource
	retry   *RetryPolicy
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewAPIClient creates an APIClient. m may be nil.
func NewAPIClient(httpClient *HTTPClient, auth HeaderSource, retry *RetryPolicy, logger *zap.Logger, m *metrics.Metrics) *APIClient {
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	return &APIClient{
		http:    httpClient,
		auth:    auth,
		retry:   retry,
		logger:  logger.With(zap.String("component", "api_client")),
		metrics: m,
	}
}

// GetJSON fetches endpoint with params and decodes the body into a JSON object.
func (c *APIClient) GetJSON(ctx context.Context, endpoint string, params url.Values) (map[string]interface{}, error) {
	target := endpoint
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		target = endpoint + sep + params.Encode()
	}

	var body map[string]interface{}
	attempt := 0
	err := c.retry.Execute(ctx, func() error {
		attempt++
		if attempt > 1 {
			c.metrics.RecordRetry(http.MethodGet)
			c.logger.Warn("retrying request",
				zap.String("url", target),
				zap.Int("attempt", attempt))
		}

		out, err := c.getOnce(ctx, target)
		if err != nil {
			return err
		}
		body = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *APIClient) getOnce(ctx context.Context, target string) (map[string]interface{}, error) {
	auth, err := c.auth.Headers(ctx)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(auth)+1)
	for k, v := range auth {
		headers[k] = v
	}
	headers["Accept"] = "application/json"

	resp, err := c.http.Get(ctx, target, headers)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp, target)
	}

	var out map[string]interface{}
	dec := jsonpool.NewDecoder(resp.Body)
	if err := dec.Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode response").
			WithDetail("url", target)
	}
	if out == nil {
		return nil, errors.New(errors.ErrorTypeData, "response body is not a JSON object").
			WithDetail("url", target)
	}
	return out, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "request timed out")
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, "request failed")
}

// apiErrorBody is the error envelope Business Central returns
type apiErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// statusError maps a non-2xx response onto the error taxonomy
func statusError(resp *http.Response, target string) error {
	errType := errors.ErrorTypeAPI
	switch {
	case resp.StatusCode == http.StatusNotFound:
		errType = errors.ErrorTypeNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		errType = errors.ErrorTypeRateLimit
	case resp.StatusCode == http.StatusRequestTimeout:
		errType = errors.ErrorTypeTimeout
	case resp.StatusCode >= 500:
		errType = errors.ErrorTypeUnavailable
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	msg := fmt.Sprintf("GET returned %d", resp.StatusCode)

	var envelope apiErrorBody
	if len(raw) > 0 && jsonpool.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, envelope.Error.Message)
	}

	e := errors.New(errType, msg).
		WithDetail("status", resp.StatusCode).
		WithDetail("url", target)
	if envelope.Error.Code != "" {
		e = e.WithDetail("code", envelope.Error.Code)
	}
	return e
}
