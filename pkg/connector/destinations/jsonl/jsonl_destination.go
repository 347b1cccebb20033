// Package jsonl writes extracted records as line-delimited messages: one
// RECORD message per record in emission order and a STATE message carrying
// the watermarks. Output goes to stdout or a file and may be compressed.
package jsonl

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-bc/pkg/compression"
	"github.com/ajitpratap0/nebula-bc/pkg/config"
	"github.com/ajitpratap0/nebula-bc/pkg/connector/base"
	"github.com/ajitpratap0/nebula-bc/pkg/connector/core"
	"github.com/ajitpratap0/nebula-bc/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-bc/pkg/json"
)

// ConnectorName is the registry name of the destination
const ConnectorName = "jsonl"

const (
	messageRecord = "RECORD"
	messageState  = "STATE"
)

type recordMessage struct {
	Type          string                 `json:"type"`
	Stream        string                 `json:"stream"`
	Record        map[string]interface{} `json:"record"`
	TimeExtracted time.Time              `json:"time_extracted"`
}

type stateMessage struct {
	Type  string      `json:"type"`
	Value *core.State `json:"value"`
}

// Destination writes messages to a single output
type Destination struct {
	*base.BaseConnector

	cfg *config.Config
	// stdout is where "-" writes; tests replace it
	stdout io.Writer

	mu         sync.Mutex
	path       string
	file       *os.File
	buf        *bufio.Writer
	compressor io.WriteCloser
	encoder    *jsonpool.LineEncoder
	progress   *base.ProgressReporter
}

// Option customizes a Destination
type Option func(*Destination)

// WithStdout replaces os.Stdout as the "-" output
func WithStdout(w io.Writer) Option {
	return func(d *Destination) { d.stdout = w }
}

// WithLogger replaces the connector logger
func WithLogger(l *zap.Logger) Option {
	return func(d *Destination) { d.SetLogger(l) }
}

// NewDestination creates an uninitialized destination
func NewDestination(cfg *config.Config, opts ...Option) *Destination {
	d := &Destination{
		BaseConnector: base.NewBaseConnector(ConnectorName, core.ConnectorTypeDestination, "1.0.0"),
		cfg:           cfg,
		stdout:        os.Stdout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Initialize opens the output. A file path gets the compression extension
// appended when compression is enabled and the path does not carry it yet.
func (d *Destination) Initialize(ctx context.Context, cfg *config.Config) error {
	if cfg != nil {
		d.cfg = cfg
	}
	if d.cfg == nil {
		return errors.New(errors.ErrorTypeConfig, "destination configuration is required")
	}

	algorithm := compression.None
	level := compression.Default
	if d.cfg.Advanced.EnableCompression {
		a, err := compression.ParseAlgorithm(d.cfg.Advanced.CompressionAlgorithm)
		if err != nil {
			return err
		}
		algorithm = a
		if d.cfg.Advanced.CompressionLevel > 0 {
			level = compression.Level(d.cfg.Advanced.CompressionLevel)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var out io.Writer = d.stdout
	path := d.cfg.Destination.Path
	if path != "" && path != "-" {
		if ext := algorithm.Extension(); ext != "" && !strings.HasSuffix(path, ext) {
			path += ext
		}
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to create output file").
				WithDetail("path", path)
		}
		d.file = f
		out = f
	}
	d.path = path

	d.buf = bufio.NewWriterSize(out, 64*1024)
	w, err := compression.NewWriter(d.buf, algorithm, level)
	if err != nil {
		d.closeFileLocked()
		return err
	}
	d.compressor = w
	d.encoder = jsonpool.NewLineEncoder(w)
	d.progress = base.NewProgressReporter(d.GetLogger(), 10*time.Second)

	d.GetLogger().Info("destination initialized",
		zap.String("path", path),
		zap.String("compression", string(algorithm)))
	return nil
}

// Write consumes stream.Records until the channel closes or ctx is done.
// The caller owns stream.Errors.
func (d *Destination) Write(ctx context.Context, stream *core.RecordStream) error {
	if err := d.ready(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-stream.Records:
			if !ok {
				return d.flush()
			}
			if err := d.writeRecord(rec); err != nil {
				return err
			}
		}
	}
}

func (d *Destination) writeRecord(rec *core.Record) error {
	msg := recordMessage{
		Type:          messageRecord,
		Stream:        rec.Stream,
		Record:        rec.Data,
		TimeExtracted: rec.ExtractedAt,
	}
	if err := d.encoder.Encode(&msg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write record").
			WithDetail("stream", rec.Stream)
	}
	d.progress.Record(rec.Stream)
	return nil
}

// WriteState appends the STATE message and flushes
func (d *Destination) WriteState(ctx context.Context, state *core.State) error {
	if err := d.ready(); err != nil {
		return err
	}
	if state == nil {
		state = core.NewState()
	}
	if err := d.encoder.Encode(&stateMessage{Type: messageState, Value: state}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write state")
	}
	return d.flush()
}

// RecordsWritten returns how many records were written
func (d *Destination) RecordsWritten() int64 {
	if d.progress == nil {
		return 0
	}
	return d.progress.Total()
}

// Path returns the output path, "-" or empty for stdout
func (d *Destination) Path() string {
	return d.path
}

// Close finishes the compressed stream and closes the file
func (d *Destination) Close(ctx context.Context) error {
	if d.IsClosed() {
		return nil
	}

	d.mu.Lock()
	var errs []error
	if d.encoder != nil {
		_ = d.encoder.Close()
	}
	if d.compressor != nil {
		if err := d.compressor.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeFile, "failed to finish compressed output"))
		}
	}
	if d.buf != nil {
		if err := d.buf.Flush(); err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeFile, "failed to flush output"))
		}
	}
	if err := d.closeFileLocked(); err != nil {
		errs = append(errs, err)
	}
	d.mu.Unlock()

	if d.progress != nil {
		d.progress.Finish()
	}
	errs = append(errs, d.BaseConnector.Close(ctx))
	return errors.Join(errs...)
}

func (d *Destination) ready() error {
	if d.IsClosed() {
		return errors.New(errors.ErrorTypeValidation, "destination is closed")
	}
	if d.encoder == nil {
		return errors.New(errors.ErrorTypeValidation, "destination is not initialized")
	}
	return nil
}

// flush pushes buffered bytes through the compressor to the output. The
// compressed frame stays open until Close.
func (d *Destination) flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if f, ok := d.compressor.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush compressor")
		}
	}
	if err := d.buf.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush output")
	}
	return nil
}

func (d *Destination) closeFileLocked() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to close output file")
	}
	return nil
}
