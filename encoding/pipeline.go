package encoding

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Plan format tags. The first byte of a packed plan selects the body encoding.
const (
	planFormatRaw  byte = 0x00
	planFormatZstd byte = 0x01
)

// Plans larger than this are stored zstd-compressed. Small plans skip
// compression to avoid paying the frame overhead.
const planCompressThreshold = 512

var (
	planEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	planDecoder, _ = zstd.NewReader(nil)
)

// Phase is a single step of a resolution plan: an operation name plus its
// options. The subscriber's context is merged into Options at materialization
// time and is never part of the packed form.
type Phase struct {
	Name    string                 `msgpack:"name"`
	Options map[string]interface{} `msgpack:"opts"`
}

// Pipeline is an ordered sequence of resolution phases. It is the unit the
// codec packs for registry storage and unpacks for execution.
type Pipeline struct {
	Phases []Phase `msgpack:"phases"`
}

// Clone returns a copy with fresh top-level Options maps so the caller can
// inject per-subscriber keys without mutating a shared template.
func (p Pipeline) Clone() Pipeline {
	out := Pipeline{Phases: make([]Phase, len(p.Phases))}
	for i, ph := range p.Phases {
		opts := make(map[string]interface{}, len(ph.Options)+1)
		for k, v := range ph.Options {
			opts[k] = v
		}
		out.Phases[i] = Phase{Name: ph.Name, Options: opts}
	}
	return out
}

// Pack serializes a pipeline into its storable byte form. Bodies above the
// compression threshold are zstd-compressed; the format tag in the first byte
// keeps old raw plans readable forever.
func Pack(p Pipeline) ([]byte, error) {
	body, err := Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}

	if len(body) < planCompressThreshold {
		out := make([]byte, 1, len(body)+1)
		out[0] = planFormatRaw
		return append(out, body...), nil
	}

	out := make([]byte, 1, len(body)/2+1)
	out[0] = planFormatZstd
	out = planEncoder.EncodeAll(body, out)
	if len(out) >= len(body)+1 {
		raw := make([]byte, 1, len(body)+1)
		raw[0] = planFormatRaw
		return append(raw, body...), nil
	}
	return out, nil
}

// Unpack reverses Pack. Option values come back in their loose decoded forms
// (int64, float64, string, bool, nested maps and slices).
func Unpack(data []byte) (Pipeline, error) {
	if len(data) == 0 {
		return Pipeline{}, fmt.Errorf("unpack plan: empty payload")
	}

	body := data[1:]
	switch data[0] {
	case planFormatRaw:
	case planFormatZstd:
		decompressed, err := planDecoder.DecodeAll(body, nil)
		if err != nil {
			return Pipeline{}, fmt.Errorf("decompress plan: %w", err)
		}
		body = decompressed
	default:
		return Pipeline{}, fmt.Errorf("unpack plan: unknown format tag 0x%02x", data[0])
	}

	var p Pipeline
	if err := Unmarshal(body, &p); err != nil {
		return Pipeline{}, fmt.Errorf("decode plan: %w", err)
	}
	return p, nil
}
