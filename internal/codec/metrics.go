package codec

import (
	"sync/atomic"
	"time"

	"github.com/skeinhq/skein/pkg/schema"
)

// Metrics tracks codec operational counters. Every encode/decode records size
// and duration.
type Metrics struct {
	encodes       atomic.Int64
	decodes       atomic.Int64
	spills        atomic.Int64
	bytesEncoded  atomic.Int64
	bytesDecoded  atomic.Int64
	bytesSpilled  atomic.Int64
	encodeNanos   atomic.Int64
	decodeNanos   atomic.Int64
	msgpackValues atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Encodes      int64 `json:"encodes"`
	Decodes      int64 `json:"decodes"`
	Spills       int64 `json:"spills"`
	BytesEncoded int64 `json:"bytes_encoded"`
	BytesDecoded int64 `json:"bytes_decoded"`
	BytesSpilled int64 `json:"bytes_spilled"`
	EncodeNanos  int64 `json:"encode_nanos"`
	DecodeNanos  int64 `json:"decode_nanos"`
}

// NewMetrics creates zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) observeEncode(enc schema.WireEncoding, size int64, d time.Duration) {
	m.encodes.Add(1)
	m.bytesEncoded.Add(size)
	m.encodeNanos.Add(d.Nanoseconds())
	if enc == schema.EncodingMsgpack {
		m.msgpackValues.Add(1)
	}
}

func (m *Metrics) observeDecode(enc schema.WireEncoding, size int64, d time.Duration) {
	m.decodes.Add(1)
	m.bytesDecoded.Add(size)
	m.decodeNanos.Add(d.Nanoseconds())
}

func (m *Metrics) observeSpill(size int64) {
	m.spills.Add(1)
	m.bytesSpilled.Add(size)
}

// Read returns a snapshot of the current counters.
func (m *Metrics) Read() Snapshot {
	return Snapshot{
		Encodes:      m.encodes.Load(),
		Decodes:      m.decodes.Load(),
		Spills:       m.spills.Load(),
		BytesEncoded: m.bytesEncoded.Load(),
		BytesDecoded: m.bytesDecoded.Load(),
		BytesSpilled: m.bytesSpilled.Load(),
		EncodeNanos:  m.encodeNanos.Load(),
		DecodeNanos:  m.decodeNanos.Load(),
	}
}
