package jsonl

import (
	"github.com/ajitpratap0/nebula-bc/pkg/config"
	"github.com/ajitpratap0/nebula-bc/pkg/connector/core"
	"github.com/ajitpratap0/nebula-bc/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterDestination(ConnectorName, func(cfg *config.Config) (core.Destination, error) {
		return NewDestination(cfg), nil
	})
}
