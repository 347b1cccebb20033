package state

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/nebula-bc/pkg/connector/core"
	"github.com/ajitpratap0/nebula-bc/pkg/errors"
)

// gcsObject is the part of *storage.ObjectHandle the store uses
type gcsObject interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context) io.WriteCloser
}

type objectHandle struct {
	obj *storage.ObjectHandle
}

func (h objectHandle) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return h.obj.NewReader(ctx)
}

func (h objectHandle) NewWriter(ctx context.Context) io.WriteCloser {
	w := h.obj.NewWriter(ctx)
	w.ContentType = "application/json"
	return w
}

// GCSStore keeps state in one Cloud Storage object
type GCSStore struct {
	object gcsObject
	bucket string
	key    string
}

// NewGCSStore creates a storage client, using credentialsFile when set
func NewGCSStore(ctx context.Context, bucket, key, credentialsFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create storage client")
	}
	return newGCSStore(objectHandle{obj: client.Bucket(bucket).Object(key)}, bucket, key), nil
}

func newGCSStore(object gcsObject, bucket, key string) *GCSStore {
	return &GCSStore{object: object, bucket: bucket, key: key}
}

func (g *GCSStore) Load(ctx context.Context) (*core.State, error) {
	r, err := g.object.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return core.NewState(), nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read state").WithDetail("uri", g.String())
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read state").WithDetail("uri", g.String())
	}
	return Decode(data)
}

func (g *GCSStore) Save(ctx context.Context, st *core.State) error {
	data, err := Encode(st)
	if err != nil {
		return err
	}

	w := g.object.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to write state").WithDetail("uri", g.String())
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to write state").WithDetail("uri", g.String())
	}
	return nil
}

func (g *GCSStore) String() string { return "gs://" + g.bucket + "/" + g.key }
