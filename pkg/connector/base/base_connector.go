// Package base provides the BaseConnector embedded by nebula-bc connectors.
// It owns the connector identity, a component logger, the incremental state
// and the closed flag, so concrete connectors only add their own I/O.
//
// # Usage
//
//	type MySource struct {
//	    *base.BaseConnector
//	}
//
//	func NewMySource() *MySource {
//	    return &MySource{
//	        BaseConnector: base.NewBaseConnector("my_source", core.ConnectorTypeSource, "1.0.0"),
//	    }
//	}
package base

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-bc/pkg/connector/core"
	"github.com/ajitpratap0/nebula-bc/pkg/errors"
	"github.com/ajitpratap0/nebula-bc/pkg/logger"
)

// BaseConnector provides common functionality for all connectors
type BaseConnector struct {
	name          string
	connectorType core.ConnectorType
	version       string
	logger        *zap.Logger

	state      *core.State
	stateMutex sync.RWMutex

	closed     bool
	closeMutex sync.Mutex
}

// NewBaseConnector creates a base connector with the given identity
func NewBaseConnector(name string, connectorType core.ConnectorType, version string) *BaseConnector {
	return &BaseConnector{
		name:          name,
		connectorType: connectorType,
		version:       version,
		state:         core.NewState(),
		logger: logger.Get().With(
			zap.String("connector", name),
			zap.String("type", string(connectorType))),
	}
}

// Name returns the connector name
func (bc *BaseConnector) Name() string {
	return bc.name
}

// Type returns the connector type
func (bc *BaseConnector) Type() core.ConnectorType {
	return bc.connectorType
}

// Version returns the connector version
func (bc *BaseConnector) Version() string {
	return bc.version
}

// GetLogger returns the connector logger
func (bc *BaseConnector) GetLogger() *zap.Logger {
	return bc.logger
}

// SetLogger replaces the connector logger, typically with one carrying a run id
func (bc *BaseConnector) SetLogger(l *zap.Logger) {
	bc.logger = l.With(zap.String("connector", bc.name))
}

// GetState returns a copy of the connector state
func (bc *BaseConnector) GetState() *core.State {
	bc.stateMutex.RLock()
	defer bc.stateMutex.RUnlock()
	return bc.state.Clone()
}

// SetState replaces the connector state
func (bc *BaseConnector) SetState(state *core.State) error {
	if state == nil {
		return errors.New(errors.ErrorTypeValidation, "state must not be nil")
	}
	bc.stateMutex.Lock()
	defer bc.stateMutex.Unlock()
	bc.state = state.Clone()
	return nil
}

// IsClosed reports whether Close has been called
func (bc *BaseConnector) IsClosed() bool {
	bc.closeMutex.Lock()
	defer bc.closeMutex.Unlock()
	return bc.closed
}

// Close marks the connector closed. It is safe to call more than once.
func (bc *BaseConnector) Close(ctx context.Context) error {
	bc.closeMutex.Lock()
	defer bc.closeMutex.Unlock()

	if bc.closed {
		return nil
	}
	bc.closed = true
	bc.logger.Debug("connector closed")
	return nil
}
