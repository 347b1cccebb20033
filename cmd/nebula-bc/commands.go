package main

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-bc/internal/pipeline"
	"github.com/ajitpratap0/nebula-bc/pkg/config"
	"github.com/ajitpratap0/nebula-bc/pkg/connector/core"
	"github.com/ajitpratap0/nebula-bc/pkg/connector/registry"
	dynamicsbc "github.com/ajitpratap0/nebula-bc/pkg/connector/sources/dynamics_bc"
	jsonpool "github.com/ajitpratap0/nebula-bc/pkg/json"
	"github.com/ajitpratap0/nebula-bc/pkg/logger"
	"github.com/ajitpratap0/nebula-bc/pkg/metrics"
	"github.com/ajitpratap0/nebula-bc/pkg/observability"
	"github.com/ajitpratap0/nebula-bc/pkg/state"
)

// session is the per-invocation setup shared by every command
type session struct {
	cfg *config.Config
	ctx context.Context
	log *zap.Logger
}

// setup loads the configuration and applies its observability settings.
// The returned cleanup flushes tracing and the logger.
func setup(ctx context.Context, configFile string) (*session, func(), error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
	}); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx = logger.WithRunID(ctx, uuid.NewString())
	log := logger.WithContext(ctx).With(zap.String("component", "nebula-bc-cli"))

	if cfg.Observability.EnableTracing {
		if err := observability.InitTracing(observability.TracingConfigFromBase(&cfg.BaseConfig)); err != nil {
			return nil, nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, log); err != nil {
				log.Warn("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	cleanup := func() {
		if err := observability.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return &session{cfg: cfg, ctx: ctx, log: log}, cleanup, nil
}

func (s *session) source() (core.Source, error) {
	source, err := registry.CreateSource(dynamicsbc.ConnectorName, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create source connector '%s': %w", dynamicsbc.ConnectorName, err)
	}
	if err := source.Initialize(s.ctx, s.cfg); err != nil {
		_ = source.Close(s.ctx)
		return nil, fmt.Errorf("failed to initialize source: %w", err)
	}
	return source, nil
}

func runCheck(ctx context.Context, configFile string, out io.Writer) error {
	s, cleanup, err := setup(ctx, configFile)
	if err != nil {
		return err
	}
	defer cleanup()

	source, err := s.source()
	if err != nil {
		return err
	}
	defer source.Close(s.ctx)

	if err := source.Check(s.ctx); err != nil {
		return fmt.Errorf("connection check failed: %w", err)
	}
	fmt.Fprintf(out, "connection check succeeded for environment %q\n",
		dynamicsbc.NormalizeEnvironment(s.cfg.Source.EnvironmentName))
	return nil
}

func runDiscover(ctx context.Context, configFile string, out io.Writer) error {
	s, cleanup, err := setup(ctx, configFile)
	if err != nil {
		return err
	}
	defer cleanup()

	source, err := s.source()
	if err != nil {
		return err
	}
	defer source.Close(s.ctx)

	catalog, err := source.Discover(s.ctx)
	if err != nil {
		return err
	}
	data, err := jsonpool.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func runExtraction(ctx context.Context, configFile string) error {
	s, cleanup, err := setup(ctx, configFile)
	if err != nil {
		return err
	}
	defer cleanup()

	s.log.Info("starting extraction",
		zap.String("environment", dynamicsbc.NormalizeEnvironment(s.cfg.Source.EnvironmentName)),
		zap.String("destination", s.cfg.Destination.Type),
		zap.Strings("streams", s.cfg.Source.Streams))

	source, err := s.source()
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(s.ctx); err != nil {
			s.log.Warn("failed to close source", zap.Error(err))
		}
	}()

	destination, err := registry.CreateDestination(s.cfg.Destination.Type, s.cfg)
	if err != nil {
		return fmt.Errorf("failed to create destination connector '%s': %w", s.cfg.Destination.Type, err)
	}
	if err := destination.Initialize(s.ctx, s.cfg); err != nil {
		return fmt.Errorf("failed to initialize destination: %w", err)
	}
	defer func() {
		if err := destination.Close(context.WithoutCancel(s.ctx)); err != nil {
			s.log.Warn("failed to close destination", zap.Error(err))
		}
	}()

	store, err := state.Open(s.ctx, s.cfg.State)
	if err != nil {
		return err
	}

	stats, err := pipeline.New(source, destination, store, s.log).Run(s.ctx)
	if stats != nil {
		s.log.Info("extraction summary",
			zap.Int64("records", stats.Records),
			zap.Any("per_stream", stats.PerStream),
			zap.Duration("duration", stats.Duration),
			zap.Float64("records_per_second", float64(stats.Records)/stats.Duration.Seconds()),
			zap.Bool("state_saved", stats.StateSaved))
	}
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}
	return nil
}
