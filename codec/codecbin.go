package codec

import (
	"encoding"
	"errors"
)

var errNotUnmarshaler = errors.New("target does not implement encoding.BinaryUnmarshaler")

// BinaryCodec is the default codec. It delegates to the message types'
// own MarshalBinary / UnmarshalBinary, so the bytes on the wire are
// exactly what the type defines and nothing else.
type BinaryCodec struct{}

// Encode ...
func (c *BinaryCodec) Encode(m encoding.BinaryMarshaler, b []byte) ([]byte, error) {
	data, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(b, data...), nil
}

// Decode ...
func (c *BinaryCodec) Decode(a any, b []byte) error {
	u, ok := a.(encoding.BinaryUnmarshaler)
	if !ok {
		return errNotUnmarshaler
	}
	return u.UnmarshalBinary(b)
}
