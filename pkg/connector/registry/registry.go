// Package registry maps connector names to factories. Connectors register
// themselves from init, and the CLI resolves them by the names used in the
// configuration file.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-bc/pkg/config"
	"github.com/ajitpratap0/nebula-bc/pkg/connector/core"
	"github.com/ajitpratap0/nebula-bc/pkg/errors"
	"github.com/ajitpratap0/nebula-bc/pkg/logger"
)

// SourceFactory creates a source connector for the given run configuration.
// The returned connector still has to be initialized.
type SourceFactory func(cfg *config.Config) (core.Source, error)

// DestinationFactory creates a destination connector for the given run configuration
type DestinationFactory func(cfg *config.Config) (core.Destination, error)

// factories is one named table of constructors
type factories[C core.Connector] struct {
	kind  string
	mu    sync.RWMutex
	items map[string]func(*config.Config) (C, error)
}

func newFactories[C core.Connector](kind string) *factories[C] {
	return &factories[C]{kind: kind, items: make(map[string]func(*config.Config) (C, error))}
}

func (f *factories[C]) add(name string, factory func(*config.Config) (C, error)) error {
	if name == "" || factory == nil {
		return errors.Newf(errors.ErrorTypeConfig, "%s connector needs a name and a factory", f.kind)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.items[name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "%s connector %s already registered", f.kind, name)
	}
	f.items[name] = factory
	return nil
}

func (f *factories[C]) create(name string, cfg *config.Config) (C, error) {
	var zero C

	f.mu.RLock()
	factory, exists := f.items[name]
	f.mu.RUnlock()
	if !exists {
		return zero, errors.Newf(errors.ErrorTypeConfig, "%s connector %q not found (available: %s)",
			f.kind, name, strings.Join(f.names(), ", ")).WithDetail("connector", name)
	}

	conn, err := factory(cfg)
	if err != nil {
		return zero, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create %s connector %s", f.kind, name))
	}
	return conn, nil
}

func (f *factories[C]) names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.items))
	for name := range f.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (f *factories[C]) has(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.items[name]
	return ok
}

// Registry holds the source and destination tables
type Registry struct {
	sources      *factories[core.Source]
	destinations *factories[core.Destination]
	logger       *zap.Logger
}

var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sources:      newFactories[core.Source]("source"),
		destinations: newFactories[core.Destination]("destination"),
		logger:       logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// RegisterSource adds a source factory. Names are unique per table.
func (r *Registry) RegisterSource(name string, factory SourceFactory) error {
	if err := r.sources.add(name, factory); err != nil {
		return err
	}
	r.logger.Debug("source connector registered", zap.String("name", name))
	return nil
}

func (r *Registry) RegisterDestination(name string, factory DestinationFactory) error {
	if err := r.destinations.add(name, factory); err != nil {
		return err
	}
	r.logger.Debug("destination connector registered", zap.String("name", name))
	return nil
}

// CreateSource builds the named source. Unknown names and factory failures
// are configuration errors.
func (r *Registry) CreateSource(name string, cfg *config.Config) (core.Source, error) {
	return r.sources.create(name, cfg)
}

func (r *Registry) CreateDestination(name string, cfg *config.Config) (core.Destination, error) {
	return r.destinations.create(name, cfg)
}

// ListSources returns the registered source names in order
func (r *Registry) ListSources() []string { return r.sources.names() }
func (r *Registry) ListDestinations() []string { return r.destinations.names() }
func (r *Registry) HasSource(name string) bool { return r.sources.has(name) }
func (r *Registry) HasDestination(name string) bool { return r.destinations.has(name) }

// Package-level helpers operate on the registry connectors add themselves to.

func RegisterSource(name string, factory SourceFactory) error {
	return globalRegistry.RegisterSource(name, factory)
}

func RegisterDestination(name string, factory DestinationFactory) error {
	return globalRegistry.RegisterDestination(name, factory)
}

func CreateSource(name string, cfg *config.Config) (core.Source, error) {
	return globalRegistry.CreateSource(name, cfg)
}

func CreateDestination(name string, cfg *config.Config) (core.Destination, error) {
	return globalRegistry.CreateDestination(name, cfg)
}

func ListSources() []string { return globalRegistry.ListSources() }
func ListDestinations() []string { return globalRegistry.ListDestinations() }
