package schema

// WireEncoding names the strategy used to encode a WireValue.
type WireEncoding string

const (
	// EncodingJSON is the self-describing structured encoding for scalar and
	// small structured values.
	EncodingJSON WireEncoding = "json"
	// EncodingMsgpack is the object-graph-preserving binary encoding for
	// opaque/complex values.
	EncodingMsgpack WireEncoding = "msgpack"
	// EncodingBlobRef replaces an oversized payload with a content-addressed
	// blob descriptor.
	EncodingBlobRef WireEncoding = "blobref"
)

// BlobRef is the in-line descriptor left behind when a payload is spilled to
// content-addressed blob storage.
type BlobRef struct {
	ID       string `json:"id"` // content hash, also the storage key
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"` // sha256 hex of the encoded payload
	Encoding string `json:"encoding"` // encoding of the spilled payload
}

// WireValue is the encoded, type-tagged representation of data moving between
// nodes. Exactly one of Data or Blob is set.
type WireValue struct {
	Type     string       `json:"type"`
	Encoding WireEncoding `json:"encoding"`
	Data     []byte       `json:"data,omitempty"`
	Blob     *BlobRef     `json:"blob,omitempty"`
}
