// Package json wraps goccy/go-json for response decoding and JSON lines output.
// Response bodies are decoded with UseNumber so ids and amounts keep their
// exact textual form when they are re-encoded into the output stream.
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

// Number is the type numeric values decode into
type Number = gojson.Number

var bufferPool = sync.Pool{New: func() interface{} { return new(bytes.Buffer) }}

// NewDecoder returns a decoder that keeps numbers as Number
func NewDecoder(r io.Reader) *gojson.Decoder {
	dec := gojson.NewDecoder(r)
	dec.UseNumber()
	return dec
}

// Marshal is a drop-in replacement for json.Marshal
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal is a drop-in replacement for json.Unmarshal
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// MarshalIndent is a drop-in replacement for json.MarshalIndent
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// LineEncoder writes one JSON document per line without HTML escaping.
// Each document is rendered into a pooled buffer first so a failed encode
// never leaves a partial line on w.
type LineEncoder struct {
	mu     sync.Mutex
	w      io.Writer
	count  int64
	closed bool
}

// NewLineEncoder creates a line-delimited encoder on w
func NewLineEncoder(w io.Writer) *LineEncoder {
	return &LineEncoder{w: w}
}

// Encode writes v followed by a newline
func (le *LineEncoder) Encode(v interface{}) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	enc := gojson.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}

	le.mu.Lock()
	defer le.mu.Unlock()
	if le.closed {
		return io.ErrClosedPipe
	}
	if _, err := le.w.Write(buf.Bytes()); err != nil {
		return err
	}
	le.count++
	return nil
}

// Count returns how many documents were written
func (le *LineEncoder) Count() int64 {
	le.mu.Lock()
	defer le.mu.Unlock()
	return le.count
}

// Close stops further writes. The underlying writer is left open.
func (le *LineEncoder) Close() error {
	le.mu.Lock()
	defer le.mu.Unlock()
	le.closed = true
	return nil
}
