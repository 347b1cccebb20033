// Package state persists the incremental bookmarks of a run. A Store is
// chosen by URI: a local path or file:// URI, s3://bucket/key or
// gs://bucket/key. A missing state object loads as an empty state.
package state

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/ajitpratap0/nebula-bc/pkg/config"
	"github.com/ajitpratap0/nebula-bc/pkg/connector/core"
	"github.com/ajitpratap0/nebula-bc/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-bc/pkg/json"
)

// Store reads and writes the state blob
type Store interface {
	Load(ctx context.Context) (*core.State, error)
	Save(ctx context.Context, state *core.State) error
	String() string
}

// Open returns the store addressed by cfg.URI. An empty URI keeps state in memory.
func Open(ctx context.Context, cfg config.StateConfig) (Store, error) {
	raw := strings.TrimSpace(cfg.URI)
	if raw == "" {
		return NewMemoryStore(), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid state uri").WithDetail("uri", raw)
	}

	switch u.Scheme {
	case "":
		return NewFileStore(raw), nil
	case "file":
		return NewFileStore(u.Path), nil
	case "s3":
		bucket, key, err := bucketAndKey(u)
		if err != nil {
			return nil, err
		}
		return NewS3Store(ctx, bucket, key, cfg.Region)
	case "gs":
		bucket, key, err := bucketAndKey(u)
		if err != nil {
			return nil, err
		}
		return NewGCSStore(ctx, bucket, key, cfg.CredentialsFile)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported state uri scheme %q", u.Scheme)
	}
}

func bucketAndKey(u *url.URL) (string, string, error) {
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", errors.Newf(errors.ErrorTypeConfig, "state uri %q needs a bucket and a key", u.String())
	}
	return u.Host, key, nil
}

// Decode parses a state blob. Empty input is an empty state.
func Decode(data []byte) (*core.State, error) {
	st := core.NewState()
	if len(strings.TrimSpace(string(data))) == 0 {
		return st, nil
	}
	if err := jsonpool.Unmarshal(data, st); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid state document")
	}
	if st.Bookmarks == nil {
		st.Bookmarks = core.Bookmarks{}
	}
	return st, nil
}

// Encode renders st as indented JSON
func Encode(st *core.State) ([]byte, error) {
	if st == nil {
		st = core.NewState()
	}
	data, err := jsonpool.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode state")
	}
	return append(data, '\n'), nil
}

// MemoryStore keeps state for the lifetime of the process
type MemoryStore struct {
	mu    sync.Mutex
	state *core.State
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: core.NewState()}
}

func (m *MemoryStore) Load(context.Context) (*core.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, st *core.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st.Clone()
	return nil
}

func (m *MemoryStore) String() string { return "memory" }
