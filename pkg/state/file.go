package state

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ajitpratap0/nebula-bc/pkg/connector/core"
	"github.com/ajitpratap0/nebula-bc/pkg/errors"
)

// FileStore keeps state in a local JSON file
type FileStore struct {
	path string
}

// NewFileStore creates a store at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load(context.Context) (*core.State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return core.NewState(), nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read state").WithDetail("path", f.path)
	}
	return Decode(data)
}

// Save replaces the file atomically
func (f *FileStore) Save(_ context.Context, st *core.State) error {
	data, err := Encode(st)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create state directory").WithDetail("path", dir)
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create temp state file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write state")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write state")
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to replace state").WithDetail("path", f.path)
	}
	return nil
}

func (f *FileStore) String() string { return "file://" + f.path }
