// Package codec turns canvas states into wire payloads and back.
//
// A payload is one format byte followed by the body: 'J' for plain JSON, 'Z'
// for zstd-compressed JSON. Decode accepts both regardless of how the
// receiving side is configured.
package codec

import (
	"fmt"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/dkeye/CanvasShare/internal/domain"
)

const (
	formatRaw  byte = 'J'
	formatZstd byte = 'Z'

	// DefaultMaxDecoded caps the decompressed size accepted by Decode.
	DefaultMaxDecoded = 16 << 20
)

type Stats struct {
	Payloads     uint64
	RawBytes     uint64
	EncodedBytes uint64
}

// Ratio is encoded size over raw size; below 1 means compression helped.
func (s Stats) Ratio() float64 {
	if s.RawBytes == 0 {
		return 1
	}
	return float64(s.EncodedBytes) / float64(s.RawBytes)
}

// Codec is safe for concurrent use.
type Codec struct {
	fast  *zstd.Encoder
	dense *zstd.Encoder
	dec   *zstd.Decoder

	payloads     atomic.Uint64
	rawBytes     atomic.Uint64
	encodedBytes atomic.Uint64
}

func New() (*Codec, error) {
	fast, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("codec: fast encoder: %w", err)
	}
	dense, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		_ = fast.Close()
		return nil, fmt.Errorf("codec: dense encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(DefaultMaxDecoded))
	if err != nil {
		_ = fast.Close()
		_ = dense.Close()
		return nil, fmt.Errorf("codec: decoder: %w", err)
	}
	return &Codec{fast: fast, dense: dense, dec: dec}, nil
}

func (c *Codec) Close() {
	_ = c.fast.Close()
	_ = c.dense.Close()
	c.dec.Close()
}

// Encode serializes state, compressing it when compress is set.
func (c *Codec) Encode(state domain.CanvasState, compress bool) ([]byte, error) {
	if !compress {
		return c.encode(state, nil)
	}
	return c.encode(state, c.fast)
}

// EncodeDense always compresses, trading CPU for size on poor links.
func (c *Codec) EncodeDense(state domain.CanvasState) ([]byte, error) {
	return c.encode(state, c.dense)
}

func (c *Codec) encode(state domain.CanvasState, enc *zstd.Encoder) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}

	var out []byte
	if enc == nil {
		out = make([]byte, 0, len(raw)+1)
		out = append(out, formatRaw)
		out = append(out, raw...)
	} else {
		out = enc.EncodeAll(raw, []byte{formatZstd})
	}

	c.payloads.Add(1)
	c.rawBytes.Add(uint64(len(raw) + 1))
	c.encodedBytes.Add(uint64(len(out)))
	return out, nil
}

// Decode reverses Encode and validates the result.
func (c *Codec) Decode(data []byte) (domain.CanvasState, error) {
	var state domain.CanvasState
	if len(data) == 0 {
		return state, fmt.Errorf("%w: empty payload", domain.ErrInvalidInput)
	}

	body := data[1:]
	switch data[0] {
	case formatRaw:
	case formatZstd:
		var err error
		body, err = c.dec.DecodeAll(body, nil)
		if err != nil {
			return state, fmt.Errorf("%w: decompress: %v", domain.ErrInvalidInput, err)
		}
	default:
		return state, fmt.Errorf("%w: unknown payload format 0x%02x", domain.ErrInvalidInput, data[0])
	}

	if err := json.Unmarshal(body, &state); err != nil {
		return domain.CanvasState{}, fmt.Errorf("%w: unmarshal: %v", domain.ErrInvalidInput, err)
	}
	if err := state.Validate(); err != nil {
		return domain.CanvasState{}, err
	}
	return state, nil
}

func (c *Codec) Stats() Stats {
	return Stats{
		Payloads:     c.payloads.Load(),
		RawBytes:     c.rawBytes.Load(),
		EncodedBytes: c.encodedBytes.Load(),
	}
}
