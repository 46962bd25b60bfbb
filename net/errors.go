package net

import "errors"

// Error taxonomy for the wire and stream layers. Callers discriminate with
// errors.Is; everything else is wrapped context around one of these.
var (
	// ErrDuplicateTag is returned when two stream definitions claim the same tag.
	ErrDuplicateTag = errors.New("duplicate stream tag")

	// ErrReservedTag is returned when a definition claims the control tag.
	ErrReservedTag = errors.New("stream tag reserved for control")

	// ErrUnknownTag is returned when a peer opens a stream with a tag that
	// has no registered definition.
	ErrUnknownTag = errors.New("unknown stream tag")

	// ErrTruncated is returned when the underlying stream closes mid-frame.
	ErrTruncated = errors.New("truncated frame")

	// ErrMalformedFrame is returned when a length prefix exceeds the
	// configured maximum frame size.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrBufferFull is returned by non-blocking sends when the peer's
	// outbound queue is saturated.
	ErrBufferFull = errors.New("send buffer full")

	// ErrChannelClosed is returned by sends after the connection has begun
	// teardown.
	ErrChannelClosed = errors.New("send channel closed")

	// ErrPeerNotFound is returned when a send targets an id with no live
	// connection.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrHandshakeIncomplete is returned by the client when the server did
	// not deliver the full registered stream set before the deadline.
	ErrHandshakeIncomplete = errors.New("handshake incomplete")

	// ErrDirection is returned when a handle is requested for a stream whose
	// direction does not permit that operation on this endpoint.
	ErrDirection = errors.New("stream direction mismatch")
)
