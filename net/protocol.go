package net

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PeerID identifies one peer's session. Server-assigned, monotonically
// increasing, never reused within a process lifetime.
type PeerID uint64

// ControlStreamTag is reserved for the core's own handshake and identity
// traffic. Subsystem definitions may not claim it.
const ControlStreamTag uint8 = 0

// Control message kinds. Every control frame starts with one kind byte.
const (
	kindHello            = 0x01
	kindWelcome          = 0x02
	kindInitialStateDone = 0x03
	kindControlData      = 0x04
)

// streamReadySentinel is the canonical encoding of the per-stream ready
// marker. It starts with two 0xFF bytes so no length-prefixed or
// kind-prefixed domain encoding produced by the codec collides with it,
// and is compared byte-exact. Decode-and-see discrimination is unsound
// with codecs that tolerate trailing data.
var streamReadySentinel = []byte{0xFF, 0xFF, 'S', 'T', 'R', 'E', 'A', 'M', '-', 'R', 'E', 'A', 'D', 'Y', 0xFF, 0xFF}

// StreamReadyPayload returns a copy of the ready marker's canonical bytes.
func StreamReadyPayload() []byte {
	return append([]byte(nil), streamReadySentinel...)
}

// IsStreamReady reports whether payload is exactly the ready marker.
func IsStreamReady(payload []byte) bool {
	return bytes.Equal(payload, streamReadySentinel)
}

// Hello is the client's opening control message.
type Hello struct {
	// Name is the client's display name, surfaced in the connect event.
	Name string
}

// MarshalBinary ...
func (h *Hello) MarshalBinary() ([]byte, error) {
	if len(h.Name) > 0xFFFF {
		return nil, fmt.Errorf("hello name too long: %d", len(h.Name))
	}
	b := make([]byte, 3+len(h.Name))
	b[0] = kindHello
	binary.BigEndian.PutUint16(b[1:3], uint16(len(h.Name)))
	copy(b[3:], h.Name)
	return b, nil
}

// UnmarshalBinary ...
func (h *Hello) UnmarshalBinary(b []byte) error {
	if len(b) < 3 || b[0] != kindHello {
		return fmt.Errorf("decode hello: %w", ErrMalformedFrame)
	}
	n := int(binary.BigEndian.Uint16(b[1:3]))
	if len(b) != 3+n {
		return fmt.Errorf("decode hello: %w", ErrMalformedFrame)
	}
	h.Name = string(b[3:])
	return nil
}

// Welcome carries the server-assigned identity and the number of
// server-to-client streams the client should expect.
type Welcome struct {
	PeerID          PeerID
	ExpectedStreams uint8
}

// MarshalBinary ...
func (w *Welcome) MarshalBinary() ([]byte, error) {
	b := make([]byte, 10)
	b[0] = kindWelcome
	binary.BigEndian.PutUint64(b[1:9], uint64(w.PeerID))
	b[9] = w.ExpectedStreams
	return b, nil
}

// UnmarshalBinary ...
func (w *Welcome) UnmarshalBinary(b []byte) error {
	if len(b) != 10 || b[0] != kindWelcome {
		return fmt.Errorf("decode welcome: %w", ErrMalformedFrame)
	}
	w.PeerID = PeerID(binary.BigEndian.Uint64(b[1:9]))
	w.ExpectedStreams = b[9]
	return nil
}

// InitialStateDone marks the end of the server's initial replication for
// one peer. Written by the core itself, never by subsystems.
type InitialStateDone struct{}

// MarshalBinary ...
func (d *InitialStateDone) MarshalBinary() ([]byte, error) {
	return []byte{kindInitialStateDone}, nil
}

// UnmarshalBinary ...
func (d *InitialStateDone) UnmarshalBinary(b []byte) error {
	if len(b) != 1 || b[0] != kindInitialStateDone {
		return fmt.Errorf("decode initial state done: %w", ErrMalformedFrame)
	}
	return nil
}

// ControlData wraps an opaque application payload on the control stream,
// the ongoing client-to-server input path.
type ControlData struct {
	Data []byte
}

// MarshalBinary ...
func (c *ControlData) MarshalBinary() ([]byte, error) {
	b := make([]byte, 1+len(c.Data))
	b[0] = kindControlData
	copy(b[1:], c.Data)
	return b, nil
}

// UnmarshalBinary ...
func (c *ControlData) UnmarshalBinary(b []byte) error {
	if len(b) < 1 || b[0] != kindControlData {
		return fmt.Errorf("decode control data: %w", ErrMalformedFrame)
	}
	c.Data = append([]byte(nil), b[1:]...)
	return nil
}

// decodeControl parses one control-stream frame by its kind byte.
func decodeControl(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty control frame: %w", ErrMalformedFrame)
	}
	switch b[0] {
	case kindHello:
		m := &Hello{}
		return m, m.UnmarshalBinary(b)
	case kindWelcome:
		m := &Welcome{}
		return m, m.UnmarshalBinary(b)
	case kindInitialStateDone:
		m := &InitialStateDone{}
		return m, m.UnmarshalBinary(b)
	case kindControlData:
		m := &ControlData{}
		return m, m.UnmarshalBinary(b)
	default:
		return nil, fmt.Errorf("control kind 0x%02x: %w", b[0], ErrMalformedFrame)
	}
}
