package codec

import (
	"bytes"
	"encoding/binary"
	"testing"
)

type testMsg struct {
	ID  uint64
	Tag uint8
}

func (m *testMsg) MarshalBinary() ([]byte, error) {
	b := make([]byte, 9)
	binary.BigEndian.PutUint64(b, m.ID)
	b[8] = m.Tag
	return b, nil
}

func (m *testMsg) UnmarshalBinary(b []byte) error {
	m.ID = binary.BigEndian.Uint64(b)
	m.Tag = b[8]
	return nil
}

func TestBinaryCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  testMsg
	}{
		{"zero", testMsg{}},
		{"small", testMsg{ID: 7, Tag: 1}},
		{"max", testMsg{ID: ^uint64(0), Tag: 255}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(&tt.msg, nil)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			var got testMsg
			if err := Decode(&got, data); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.msg {
				t.Errorf("round trip mismatch: got %+v want %+v", got, tt.msg)
			}
		})
	}
}

func TestBinaryCodecAppends(t *testing.T) {
	prefix := []byte{0xAA, 0xBB}
	msg := testMsg{ID: 42, Tag: 3}

	data, err := Encode(&msg, prefix)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.HasPrefix(data, prefix) {
		t.Errorf("encode must append to the provided buffer, got %x", data)
	}
	if len(data) != len(prefix)+9 {
		t.Errorf("unexpected length %d", len(data))
	}
}

func TestBinaryCodecDeterministic(t *testing.T) {
	msg := testMsg{ID: 9000, Tag: 2}
	a, _ := Encode(&msg, nil)
	b, _ := Encode(&msg, nil)
	if !bytes.Equal(a, b) {
		t.Errorf("encoding is not deterministic: %x vs %x", a, b)
	}
}

func TestDecodeRejectsNonUnmarshaler(t *testing.T) {
	var s string
	if err := Decode(&s, []byte{1, 2, 3}); err == nil {
		t.Error("expected error for target without UnmarshalBinary")
	}
}
