package dynamicsbc

import (
	"github.com/ajitpratap0/nebula-bc/pkg/config"
	"github.com/ajitpratap0/nebula-bc/pkg/connector/core"
	"github.com/ajitpratap0/nebula-bc/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-bc/pkg/metrics"
)

func init() {
	// Register the Business Central source in the global registry
	_ = registry.RegisterSource(ConnectorName, func(cfg *config.Config) (core.Source, error) {
		return NewSource(cfg, WithMetrics(metrics.Default()))
	})
}
