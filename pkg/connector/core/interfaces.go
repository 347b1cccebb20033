package core

import (
	"context"
	"time"

	"github.com/ajitpratap0/nebula-bc/pkg/config"
)

// ConnectorType represents the type of connector
type ConnectorType string

const (
	ConnectorTypeSource      ConnectorType = "source"
	ConnectorTypeDestination ConnectorType = "destination"
)

// Record is one extracted business record tagged with its stream
type Record struct {
	Stream      string                 `json:"stream"`
	Data        map[string]interface{} `json:"record"`
	ExtractedAt time.Time              `json:"time_extracted"`
}

// NewRecord creates a record stamped with the extraction time
func NewRecord(stream string, data map[string]interface{}, extractedAt time.Time) *Record {
	return &Record{
		Stream:      stream,
		Data:        data,
		ExtractedAt: extractedAt.UTC(),
	}
}

// Bookmarks maps resource name to partition key to watermark value
type Bookmarks map[string]map[string]string

// State is the resumable incremental state of a source
type State struct {
	Bookmarks Bookmarks `json:"bookmarks"`
}

// NewState returns an empty state
func NewState() *State {
	return &State{Bookmarks: Bookmarks{}}
}

// Clone returns a deep copy of s
func (s *State) Clone() *State {
	out := NewState()
	if s == nil {
		return out
	}
	for resource, partitions := range s.Bookmarks {
		cp := make(map[string]string, len(partitions))
		for k, v := range partitions {
			cp[k] = v
		}
		out.Bookmarks[resource] = cp
	}
	return out
}

// RecordStream represents a stream of records. Errors carries at most one
// error and is closed after Records.
type RecordStream struct {
	Records <-chan *Record
	Errors  <-chan error
}

// StreamInfo describes one extractable stream
type StreamInfo struct {
	Name             string   `json:"name"`
	Parent           string   `json:"parent,omitempty"`
	PrimaryKeys      []string `json:"primary_keys"`
	IncrementalField string   `json:"incremental_field,omitempty"`
	Pagination       string   `json:"pagination"`
	Optional         bool     `json:"optional,omitempty"`
	Selected         bool     `json:"selected"`
}

// Catalog is the result of Discover
type Catalog struct {
	Streams []StreamInfo `json:"streams"`
}

// Connector is the base interface for all connectors
type Connector interface {
	Name() string
	Type() ConnectorType
	Close(ctx context.Context) error
}

// Source is the interface that all source connectors must implement
type Source interface {
	Connector

	Initialize(ctx context.Context, cfg *config.Config) error
	// Check verifies configuration, environment and credentials without extracting
	Check(ctx context.Context) error
	Discover(ctx context.Context) (*Catalog, error)
	Read(ctx context.Context) (*RecordStream, error)

	GetState() *State
	SetState(state *State) error
}

// Destination is the interface that all destination connectors must implement
type Destination interface {
	Connector

	Initialize(ctx context.Context, cfg *config.Config) error
	Write(ctx context.Context, stream *RecordStream) error
	WriteState(ctx context.Context, state *State) error
}
