// Package codec provides the pluggable message codec used by the wire layer.
// The default codec works with types implementing encoding.BinaryMarshaler /
// encoding.BinaryUnmarshaler, which keeps every message's byte encoding
// canonical and deterministic.
package codec

import (
	"encoding"
	"errors"
)

var (
	errCodecNotInit = errors.New("codec not init")

	_codec Codec = &BinaryCodec{}
)

// Codec encodes outbound messages and decodes inbound payloads.
type Codec interface {
	Encode(m encoding.BinaryMarshaler, b []byte) ([]byte, error)
	Decode(a any, b []byte) error
}

// Encode marshals m, appending to b.
func Encode(m encoding.BinaryMarshaler, b []byte) ([]byte, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.Encode(m, b)
}

// Decode unmarshals b into a.
func Decode(a any, b []byte) error {
	if _codec == nil {
		return errCodecNotInit
	}
	return _codec.Decode(a, b)
}

// SetCodec replaces the process-wide codec.
func SetCodec(c Codec) {
	_codec = c
}
