package dynamicsbc

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/nebula-bc/pkg/errors"
	"github.com/ajitpratap0/nebula-bc/pkg/extract"
)

const invalidEnvironment = "invalid environment name provided"

// NormalizeEnvironment drops everything from the first '?'
func NormalizeEnvironment(name string) string {
	if i := strings.IndexByte(name, '?'); i >= 0 {
		return name[:i]
	}
	return name
}

// EnvironmentResolver validates the configured environment against the
// tenant's environment catalog and builds resource base URLs from it. The
// catalog is fetched at most once; a failed fetch is retried by the next call.
type EnvironmentResolver struct {
	fetcher extract.Fetcher
	apiBase string
	logger  *zap.Logger

	group singleflight.Group

	mu    sync.Mutex
	names []string
}

// NewEnvironmentResolver creates a resolver that reads the catalog from apiBase
func NewEnvironmentResolver(fetcher extract.Fetcher, apiBase string, logger *zap.Logger) *EnvironmentResolver {
	return &EnvironmentResolver{
		fetcher: fetcher,
		apiBase: strings.TrimRight(apiBase, "/"),
		logger:  logger.With(zap.String("component", "environment_resolver")),
	}
}

// Validate succeeds when some catalog entry name, lowercased, is contained
// in the lowercased normalized name. The tenant prefix is therefore optional.
func (r *EnvironmentResolver) Validate(ctx context.Context, name string) error {
	names, err := r.environments(ctx)
	if err != nil {
		return err
	}

	normalized := strings.ToLower(NormalizeEnvironment(name))
	for _, env := range names {
		if strings.Contains(normalized, env) {
			return nil
		}
	}
	return errors.New(errors.ErrorTypeConfig, invalidEnvironment).
		WithDetail("environment", NormalizeEnvironment(name))
}

// BaseURL validates name and returns the URL root of kind
func (r *EnvironmentResolver) BaseURL(ctx context.Context, name string, kind BaseKind) (string, error) {
	bases, err := r.BaseURLs(ctx, name)
	if err != nil {
		return "", err
	}
	base, ok := bases[kind]
	if !ok {
		return "", errors.Newf(errors.ErrorTypeConfig, "unknown base kind %q", kind)
	}
	return base, nil
}

// BaseURLs validates name and returns the URL root of every base kind
func (r *EnvironmentResolver) BaseURLs(ctx context.Context, name string) (map[BaseKind]string, error) {
	if err := r.Validate(ctx, name); err != nil {
		return nil, err
	}
	env := r.apiBase + "/v2.0/" + NormalizeEnvironment(name)
	return map[BaseKind]string{
		BaseAPI:            env + "/api/v2.0",
		BaseReportsFinance: env + "/api/microsoft/reportsFinance/beta",
		BaseOData:          env + "/ODataV4",
	}, nil
}

func (r *EnvironmentResolver) environments(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	names := r.names
	r.mu.Unlock()
	if names != nil {
		return names, nil
	}

	v, err, _ := r.group.Do("environments", func() (interface{}, error) {
		r.mu.Lock()
		cached := r.names
		r.mu.Unlock()
		if cached != nil {
			return cached, nil
		}

		fetched, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.names = fetched
		r.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (r *EnvironmentResolver) fetch(ctx context.Context) ([]string, error) {
	body, err := r.fetcher.GetJSON(ctx, r.apiBase+"/environments/v1.1", nil)
	if err != nil {
		r.logger.Error("failed to fetch environment catalog", zap.Error(err))
		return nil, err
	}

	names := []string{}
	entries, _ := body["value"].([]interface{})
	for _, e := range entries {
		obj, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if name, ok := obj["name"].(string); ok && name != "" {
			names = append(names, strings.ToLower(name))
		}
	}
	r.logger.Debug("environment catalog loaded", zap.Strings("environments", names))
	return names, nil
}
