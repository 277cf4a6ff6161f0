package sim

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Codec converts State, World, Update and protocol values to and from the
// opaque blobs stored in the shared store. Implementations must be safe for
// concurrent use. Errors returned wrap ErrSerialization.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes values with encoding/json.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: json marshal %T: %w", ErrSerialization, v, err)
	}
	return b, nil
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: json unmarshal %T: %w", ErrSerialization, v, err)
	}
	return nil
}

// GobCodec encodes values with encoding/gob. Each value is a self-contained
// gob stream, so blobs can be decoded independently.
type GobCodec struct{}

func (GobCodec) Name() string { return "gob" }

func (GobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: gob encode %T: %w", ErrSerialization, v, err)
	}
	return buf.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("%w: gob decode %T: %w", ErrSerialization, v, err)
	}
	return nil
}

// CompressedCodec wraps another codec with zstd block compression. Useful
// when states are large and the store sits across a network.
type CompressedCodec struct {
	inner Codec
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewCompressedCodec wraps inner with zstd compression.
func NewCompressedCodec(inner Codec) (*CompressedCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &CompressedCodec{inner: inner, enc: enc, dec: dec}, nil
}

func (c *CompressedCodec) Name() string { return c.inner.Name() + "+zstd" }

func (c *CompressedCodec) Marshal(v any) ([]byte, error) {
	raw, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

func (c *CompressedCodec) Unmarshal(data []byte, v any) error {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("%w: zstd decode: %w", ErrSerialization, err)
	}
	return c.inner.Unmarshal(raw, v)
}

// ValidCodecs is the set of recognized codec names.
var ValidCodecs = map[string]bool{"": true, "json": true, "gob": true, "json+zstd": true, "gob+zstd": true}

// NewCodec returns the codec registered under name. Empty selects json.
func NewCodec(name string) (Codec, error) {
	if !ValidCodecs[name] {
		return nil, fmt.Errorf("unknown codec %q; valid: json, gob, json+zstd, gob+zstd", name)
	}
	base, compressed := strings.CutSuffix(name, "+zstd")
	var inner Codec = JSONCodec{}
	if base == "gob" {
		inner = GobCodec{}
	}
	if !compressed {
		return inner, nil
	}
	return NewCompressedCodec(inner)
}
