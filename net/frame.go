package net

import (
	"encoding/binary"
	"errors"
	"io"
)

// FRAME_HEAD_SIZE 帧头长度.
const FRAME_HEAD_SIZE = 4

// DefaultMaxFrameSize bounds the allocation a single length prefix can
// demand. A prefix above the limit is treated as a protocol violation, not
// a large message.
const DefaultMaxFrameSize = 16 << 20

// EncodeFrameHead encodes the payload length as a 4-byte big-endian prefix.
func EncodeFrameHead(n uint32) []byte {
	buf := make([]byte, FRAME_HEAD_SIZE)
	binary.BigEndian.PutUint32(buf, n)
	return buf
}

// WriteFrame writes one length-prefixed frame. A nil or empty payload is a
// valid zero-length frame and is preserved as such on the read side.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(EncodeFrameHead(uint32(len(payload)))); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// FrameReader reads length-prefixed frames from an underlying stream.
type FrameReader struct {
	r        io.Reader
	maxFrame uint32
	head     [FRAME_HEAD_SIZE]byte
}

// NewFrameReader wraps r. maxFrame of 0 selects DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, maxFrame uint32) *FrameReader {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &FrameReader{r: r, maxFrame: maxFrame}
}

// ReadFrame returns the next payload. io.EOF means the stream closed cleanly
// on a frame boundary; ErrTruncated means it closed with a partial frame in
// flight; ErrMalformedFrame means the prefix exceeded the configured maximum.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.head[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(fr.head[:])
	if n > fr.maxFrame {
		return nil, ErrMalformedFrame
	}
	if n == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return payload, nil
}
