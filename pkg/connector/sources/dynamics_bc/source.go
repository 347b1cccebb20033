// Package dynamicsbc is the Microsoft Dynamics 365 Business Central source.
// It resolves the configured environment, builds the resource graph from the
// embedded catalog and streams the engine's records to the destination.
package dynamicsbc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-bc/pkg/clients"
	"github.com/ajitpratap0/nebula-bc/pkg/config"
	"github.com/ajitpratap0/nebula-bc/pkg/connector/base"
	"github.com/ajitpratap0/nebula-bc/pkg/connector/core"
	"github.com/ajitpratap0/nebula-bc/pkg/errors"
	"github.com/ajitpratap0/nebula-bc/pkg/extract"
	"github.com/ajitpratap0/nebula-bc/pkg/metrics"
)

// ConnectorName is the registry name of the source
const ConnectorName = "dynamics_bc"

// Source extracts Business Central resources
type Source struct {
	*base.BaseConnector

	cfg     *config.Config
	metrics *metrics.Metrics
	now     func() time.Time

	httpClient *clients.HTTPClient
	tokens     *clients.TokenProvider
	api        *clients.APIClient
	resolver   *EnvironmentResolver

	catalog    []ResourceSpec
	startDate  time.Time
	watermarks *extract.WatermarkStore

	readOnce sync.Once
}

// Option customizes a Source
type Option func(*Source)

// WithMetrics records HTTP, token and extraction metrics on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Source) { s.metrics = m }
}

// WithClock replaces time.Now for the engine and the token cache
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// WithLogger replaces the connector logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Source) { s.SetLogger(l) }
}

// NewSource creates an uninitialized source for cfg
func NewSource(cfg *config.Config, opts ...Option) (*Source, error) {
	catalog, err := LoadCatalog()
	if err != nil {
		return nil, err
	}

	s := &Source{
		BaseConnector: base.NewBaseConnector(ConnectorName, core.ConnectorTypeSource, "1.0.0"),
		cfg:           cfg,
		now:           time.Now,
		catalog:       catalog,
		watermarks:    extract.NewWatermarkStore(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Initialize validates the configuration and builds the HTTP stack. No
// request is made until Check, Discover or Read.
func (s *Source) Initialize(ctx context.Context, cfg *config.Config) error {
	if cfg != nil {
		s.cfg = cfg
	}
	if s.cfg == nil {
		return errors.New(errors.ErrorTypeConfig, "source configuration is required")
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	start, err := s.cfg.Source.StartTime()
	if err != nil {
		return err
	}
	s.startDate = start

	logger := s.GetLogger()
	src := s.cfg.Source

	s.httpClient = clients.NewHTTPClient(
		clients.HTTPConfigFromBase(&s.cfg.BaseConfig, src.UserAgent), logger, s.metrics)
	s.tokens = clients.NewTokenProvider(
		clients.TokenConfigFromSource(src),
		s.httpClient.StandardClient(),
		logger,
		clients.WithClock(s.now),
		clients.WithTokenMetrics(s.metrics))
	s.api = clients.NewAPIClient(
		s.httpClient, s.tokens, clients.RetryPolicyFromConfig(s.cfg.Reliability), logger, s.metrics)
	s.resolver = NewEnvironmentResolver(s.api, src.APIBaseURL, logger)

	logger.Info("source initialized",
		zap.String("environment", NormalizeEnvironment(src.EnvironmentName)),
		zap.String("api_generation", src.APIGeneration),
		zap.Time("start_date", start),
		zap.Strings("streams", src.Streams))
	return nil
}

// Check refreshes the credential and validates the environment
func (s *Source) Check(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.tokens.Headers(ctx); err != nil {
		return err
	}
	if err := s.resolver.Validate(ctx, s.cfg.Source.EnvironmentName); err != nil {
		return err
	}
	s.GetLogger().Info("connection check passed")
	return nil
}

// Discover lists the catalog with the configured selection applied. It does
// not contact the API.
func (s *Source) Discover(ctx context.Context) (*core.Catalog, error) {
	graph, err := s.graph(nil)
	if err != nil {
		return nil, err
	}

	catalog := &core.Catalog{Streams: make([]core.StreamInfo, 0, len(graph.Nodes()))}
	for _, n := range graph.Order() {
		catalog.Streams = append(catalog.Streams, core.StreamInfo{
			Name:             n.Name,
			Parent:           n.Parent,
			PrimaryKeys:      n.PrimaryKeys,
			IncrementalField: n.IncrementalField,
			Pagination:       string(n.Pagination),
			Optional:         n.Optional,
			Selected:         n.Selected,
		})
	}
	return catalog, nil
}

// Read resolves the environment, then runs the extraction on its own
// goroutine. Records arrive on a channel bounded by performance.buffer_size;
// the run's result, nil included, is the single value sent on Errors.
func (s *Source) Read(ctx context.Context) (*core.RecordStream, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	started := false
	s.readOnce.Do(func() { started = true })
	if !started {
		return nil, errors.New(errors.ErrorTypeValidation, "source has already been read")
	}

	bases, err := s.resolver.BaseURLs(ctx, s.cfg.Source.EnvironmentName)
	if err != nil {
		return nil, err
	}
	graph, err := s.graph(bases)
	if err != nil {
		return nil, err
	}

	engine := extract.NewEngine(graph, s.api, s.GetLogger(),
		extract.WithStartDate(s.startDate),
		extract.WithReportPeriods(s.cfg.Source.ReportPeriods),
		extract.WithWatermarks(s.watermarks),
		extract.WithMetrics(s.metrics),
		extract.WithClock(s.now))

	records := make(chan *core.Record, s.cfg.Performance.BufferSize)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)

		errs <- engine.Run(ctx, func(ctx context.Context, rec *core.Record) error {
			select {
			case records <- rec:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	return &core.RecordStream{Records: records, Errors: errs}, nil
}

// GetState returns the current watermarks
func (s *Source) GetState() *core.State {
	return &core.State{Bookmarks: s.watermarks.Snapshot()}
}

// SetState loads persisted watermarks. It must be called before Read.
func (s *Source) SetState(state *core.State) error {
	if err := s.BaseConnector.SetState(state); err != nil {
		return err
	}
	s.watermarks.Load(state.Bookmarks)
	return nil
}

// Close releases idle connections
func (s *Source) Close(ctx context.Context) error {
	if s.httpClient != nil {
		_ = s.httpClient.Close()
	}
	return s.BaseConnector.Close(ctx)
}

func (s *Source) ready() error {
	if s.IsClosed() {
		return errors.New(errors.ErrorTypeValidation, "source is closed")
	}
	if s.api == nil {
		return errors.New(errors.ErrorTypeValidation, "source is not initialized")
	}
	return nil
}

func (s *Source) graph(bases map[BaseKind]string) (*extract.StreamGraph, error) {
	if s.cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "source configuration is required")
	}
	graph, err := BuildGraph(s.catalog, GraphOptions{
		Bases:         bases,
		APIGeneration: s.cfg.Source.APIGeneration,
		Companies:     s.cfg.Source.CompanyIDSet(),
	})
	if err != nil {
		return nil, err
	}
	if err := graph.Select(s.cfg.Source.Streams); err != nil {
		return nil, err
	}
	return graph, nil
}
