package net

import (
	"encoding"
	"fmt"

	"github.com/starfall-games/netsync/codec"
	"github.com/starfall-games/netsync/log"
	"github.com/starfall-games/netsync/metrics"
)

// PeerMsg pairs a decoded message with the peer that sent it.
type PeerMsg[T any] struct {
	Peer PeerID
	Msg  T
}

// PeerReceiver is the server-side typed read handle for one stream.
// Drain is a pull, called once per simulation tick by the owning
// subsystem; no callback ever runs into simulation state.
type PeerReceiver[T any, PT interface {
	*T
	encoding.BinaryUnmarshaler
}] struct {
	srv *Server
	def StreamDef
}

// PeerReceiverFor returns the typed receiver for tag. The definition
// must allow the client to write on it.
func PeerReceiverFor[T any, PT interface {
	*T
	encoding.BinaryUnmarshaler
}](srv *Server, tag uint8) (*PeerReceiver[T, PT], error) {
	def, ok := srv.registry.Lookup(tag)
	if !ok {
		return nil, fmt.Errorf("tag %d: %w", tag, ErrUnknownTag)
	}
	if !def.clientWrites() {
		return nil, fmt.Errorf("stream %q is %s: %w", def.Name, def.Direction, ErrDirection)
	}
	return &PeerReceiver[T, PT]{srv: srv, def: def}, nil
}

// Drain returns every message received since the last drain, in arrival
// order. A message that fails to decode is dropped and counted; the
// stream it arrived on keeps running.
func (r *PeerReceiver[T, PT]) Drain() []PeerMsg[T] {
	q, ok := r.srv.inbound[r.def.Tag]
	if !ok {
		return nil
	}
	frames := q.drain()
	if len(frames) == 0 {
		return nil
	}

	msgs := make([]PeerMsg[T], 0, len(frames))
	for _, f := range frames {
		var msg T
		if err := codec.Decode(PT(&msg), f.payload); err != nil {
			log.Warn().Uint8("tag", r.def.Tag).Uint64("peer", uint64(f.peer)).
				Err(err).Msg("dropping undecodable message")
			metrics.IncrCounterWithDimGroup("net", "decode_error_total", 1,
				map[string]string{"stream": r.def.Name})
			continue
		}
		msgs = append(msgs, PeerMsg[T]{Peer: f.peer, Msg: msg})
	}
	return msgs
}

// Receiver is the client-side typed read handle for one stream.
type Receiver[T any, PT interface {
	*T
	encoding.BinaryUnmarshaler
}] struct {
	c   *Client
	def StreamDef
}

// ReceiverFor returns the typed receiver for tag. The definition must
// allow the server to write on it.
func ReceiverFor[T any, PT interface {
	*T
	encoding.BinaryUnmarshaler
}](c *Client, tag uint8) (*Receiver[T, PT], error) {
	def, ok := c.registry.Lookup(tag)
	if !ok {
		return nil, fmt.Errorf("tag %d: %w", tag, ErrUnknownTag)
	}
	if !def.serverWrites() {
		return nil, fmt.Errorf("stream %q is %s: %w", def.Name, def.Direction, ErrDirection)
	}
	return &Receiver[T, PT]{c: c, def: def}, nil
}

// Drain returns every message received since the last drain, in arrival
// order.
func (r *Receiver[T, PT]) Drain() []T {
	q, ok := r.c.inbound[r.def.Tag]
	if !ok {
		return nil
	}
	frames := q.drain()
	if len(frames) == 0 {
		return nil
	}

	msgs := make([]T, 0, len(frames))
	for _, payload := range frames {
		var msg T
		if err := codec.Decode(PT(&msg), payload); err != nil {
			log.Warn().Uint8("tag", r.def.Tag).Err(err).
				Msg("dropping undecodable message")
			metrics.IncrCounterWithDimGroup("net.client", "decode_error_total", 1,
				map[string]string{"stream": r.def.Name})
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
