// Package codec serializes request/response envelopes for the wire.
//
// Two formats are supported: JSON (debuggable, interoperable) and a
// compact hand-rolled binary format (no reflection on the hot path).
// The codec type travels in every frame header, so both ends of a
// connection always agree on the format per frame.
package codec

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

// Codec encodes and decodes message.Request / message.Response values.
// Encode accepts *message.Request or *message.Response; Decode fills
// one of the same two pointer types.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for the given type byte.
// Unknown values fall back to the binary codec.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}
	return &BinaryCodec{}
}
