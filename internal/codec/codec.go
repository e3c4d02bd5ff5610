package codec

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/skeinhq/skein/internal/typesys"
	"github.com/skeinhq/skein/pkg/schema"
)

// DefaultSpillThreshold is the encoded-payload size above which values are
// spilled to content-addressed blob storage.
const DefaultSpillThreshold = 256 * 1024

// Codec converts values between their in-memory representation and the wire
// format used for cross-node transfer. Strategy selection: scalar and small
// structured values use JSON, opaque values use msgpack (object-graph
// preserving), and any payload over the spill threshold is replaced in-line by
// a blob reference descriptor.
type Codec struct {
	registry  *typesys.Registry
	blobs     BlobStore
	threshold int64
	metrics   *Metrics
}

// Config holds Codec construction options. Zero values fall back to defaults.
type Config struct {
	SpillThreshold int64
}

// New creates a Codec. blobs may be nil only if spilling is impossible
// (threshold < 0); otherwise oversized payloads fail with CODEC_ERROR.
func New(registry *typesys.Registry, blobs BlobStore, cfg Config) *Codec {
	threshold := cfg.SpillThreshold
	if threshold == 0 {
		threshold = DefaultSpillThreshold
	}
	return &Codec{
		registry:  registry,
		blobs:     blobs,
		threshold: threshold,
		metrics:   NewMetrics(),
	}
}

// Metrics returns the codec's observability counters.
func (c *Codec) Metrics() *Metrics {
	return c.metrics
}

// Encode converts a value into its wire representation tagged with typeID.
// Encoding the same logical value always yields identical bytes (JSON and
// msgpack map keys are sorted), so blob checksums deduplicate.
func (c *Codec) Encode(ctx context.Context, value any, typeID string) (schema.WireValue, error) {
	start := time.Now()

	t, err := c.registry.Get(typeID)
	if err != nil {
		return schema.WireValue{}, err
	}

	var (
		payload  []byte
		encoding schema.WireEncoding
	)
	if t.Category == schema.CategoryOpaque {
		payload, err = marshalMsgpack(value)
		encoding = schema.EncodingMsgpack
	} else {
		payload, err = json.Marshal(value)
		encoding = schema.EncodingJSON
	}
	if err != nil {
		return schema.WireValue{}, schema.NewErrorf(schema.ErrCodeCodec,
			"encode %s as %s: %s", typeID, encoding, err.Error()).WithCause(err)
	}

	wire := schema.WireValue{Type: typeID, Encoding: encoding, Data: payload}

	if c.threshold >= 0 && int64(len(payload)) > c.threshold {
		if c.blobs == nil {
			return schema.WireValue{}, schema.NewErrorf(schema.ErrCodeCodec,
				"payload of %d bytes exceeds spill threshold and no blob store is configured", len(payload))
		}
		ref, err := c.blobs.Put(ctx, payload)
		if err != nil {
			return schema.WireValue{}, schema.NewErrorf(schema.ErrCodeCodec,
				"spill %s payload: %s", typeID, err.Error()).WithCause(err)
		}
		ref.Encoding = string(encoding)
		wire = schema.WireValue{Type: typeID, Encoding: schema.EncodingBlobRef, Blob: &ref}
		c.metrics.observeSpill(ref.Size)
	}

	c.metrics.observeEncode(encoding, int64(len(payload)), time.Since(start))
	return wire, nil
}

// Decode converts a wire value back into its in-memory representation. The
// wire value's declared type must be compatible with expectedType per the
// resolver (TYPE_MISMATCH otherwise); malformed payloads fail with CODEC_ERROR.
func (c *Codec) Decode(ctx context.Context, wire schema.WireValue, expectedType string) (any, error) {
	start := time.Now()

	if !c.registry.IsCompatible(wire.Type, expectedType) {
		return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"wire value of type %q is not compatible with expected type %q", wire.Type, expectedType)
	}

	payload := wire.Data
	encoding := wire.Encoding
	if encoding == schema.EncodingBlobRef {
		if wire.Blob == nil {
			return nil, schema.NewError(schema.ErrCodeCodec, "blobref wire value has no descriptor")
		}
		if c.blobs == nil {
			return nil, schema.NewError(schema.ErrCodeCodec, "blobref wire value but no blob store configured")
		}
		fetched, err := c.blobs.Get(ctx, *wire.Blob)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCodec,
				"fetch blob %s: %s", wire.Blob.ID, err.Error()).WithCause(err)
		}
		payload = fetched
		encoding = schema.WireEncoding(wire.Blob.Encoding)
	}

	var value any
	switch encoding {
	case schema.EncodingJSON:
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&value); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCodec,
				"malformed json payload for type %s: %s", wire.Type, err.Error()).WithCause(err)
		}
		value = numbersToNative(value)
	case schema.EncodingMsgpack:
		if err := msgpack.Unmarshal(payload, &value); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCodec,
				"malformed msgpack payload for type %s: %s", wire.Type, err.Error()).WithCause(err)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeCodec, "unknown wire encoding %q", encoding)
	}

	c.metrics.observeDecode(encoding, int64(len(payload)), time.Since(start))
	return value, nil
}

// marshalMsgpack encodes with sorted map keys so equal logical values produce
// identical bytes for checksum-based dedup.
func marshalMsgpack(value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// numbersToNative walks a decoded JSON tree converting json.Number to int64
// where exact, float64 otherwise.
func numbersToNative(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, e := range val {
			val[k] = numbersToNative(e)
		}
		return val
	case []any:
		for i, e := range val {
			val[i] = numbersToNative(e)
		}
		return val
	default:
		return v
	}
}
