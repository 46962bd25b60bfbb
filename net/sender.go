package net

import (
	"encoding"
	"fmt"

	"github.com/starfall-games/netsync/codec"
	"github.com/starfall-games/netsync/metrics"
)

// Sender is the server-side typed write handle for one stream. Sends
// never block the caller: a saturated peer reports ErrBufferFull, a
// torn-down peer ErrChannelClosed, and the caller chooses its recovery.
type Sender[T encoding.BinaryMarshaler] struct {
	srv *Server
	def StreamDef
}

// SenderFor returns the typed sender for tag. The definition must allow
// the server to write on it.
func SenderFor[T encoding.BinaryMarshaler](srv *Server, tag uint8) (*Sender[T], error) {
	def, ok := srv.registry.Lookup(tag)
	if !ok {
		return nil, fmt.Errorf("tag %d: %w", tag, ErrUnknownTag)
	}
	if !def.serverWrites() {
		return nil, fmt.Errorf("stream %q is %s: %w", def.Name, def.Direction, ErrDirection)
	}
	return &Sender[T]{srv: srv, def: def}, nil
}

// SendTo serializes msg and enqueues it on one peer's stream queue.
func (s *Sender[T]) SendTo(peer PeerID, msg T) error {
	payload, err := codec.Encode(msg, nil)
	if err != nil {
		return fmt.Errorf("encode %q: %w", s.def.Name, err)
	}
	return s.sendPayload(peer, payload)
}

// Broadcast serializes msg once and enqueues it on every active peer's
// own queue. A slow peer's full queue never delays the others; failures
// are reported per peer in the returned map, which is nil when every
// send succeeded.
func (s *Sender[T]) Broadcast(msg T) map[PeerID]error {
	payload, err := codec.Encode(msg, nil)
	if err != nil {
		failures := make(map[PeerID]error)
		for _, id := range s.srv.Peers() {
			failures[id] = err
		}
		return failures
	}

	var failures map[PeerID]error
	for _, id := range s.srv.Peers() {
		if err := s.sendPayload(id, payload); err != nil {
			if failures == nil {
				failures = make(map[PeerID]error)
			}
			failures[id] = err
		}
	}
	return failures
}

// SendStreamReady writes this stream's ready marker for one peer,
// always last in the initial burst, and records the stream as complete
// for that peer's sync barrier. The marker blocks rather than drops.
func (s *Sender[T]) SendStreamReady(peer PeerID) error {
	pc, ok := s.srv.getConn(peer)
	if !ok {
		return fmt.Errorf("peer %d: %w", peer, ErrPeerNotFound)
	}
	ps, err := pc.outboundStream(s.def.Tag)
	if err != nil {
		return err
	}
	if err := ps.send(pc.ctx, StreamReadyPayload()); err != nil {
		return err
	}
	return pc.markStreamReady(s.def.Tag)
}

func (s *Sender[T]) sendPayload(peer PeerID, payload []byte) error {
	pc, ok := s.srv.getConn(peer)
	if !ok {
		return fmt.Errorf("peer %d: %w", peer, ErrPeerNotFound)
	}
	ps, err := pc.outboundStream(s.def.Tag)
	if err != nil {
		return err
	}
	if err := ps.trySend(pc.ctx, payload); err != nil {
		reason := "closed"
		if err == ErrBufferFull {
			reason = "buffer_full"
		}
		metrics.IncrCounterWithDimGroup("net", "send_drop_total", 1,
			map[string]string{"reason": reason})
		return err
	}
	return nil
}

// ClientSender is the client-side typed write handle for one stream.
type ClientSender[T encoding.BinaryMarshaler] struct {
	c   *Client
	def StreamDef
}

// ClientSenderFor returns the typed sender for tag. The definition must
// allow the client to write on it.
func ClientSenderFor[T encoding.BinaryMarshaler](c *Client, tag uint8) (*ClientSender[T], error) {
	def, ok := c.registry.Lookup(tag)
	if !ok {
		return nil, fmt.Errorf("tag %d: %w", tag, ErrUnknownTag)
	}
	if !def.clientWrites() {
		return nil, fmt.Errorf("stream %q is %s: %w", def.Name, def.Direction, ErrDirection)
	}
	return &ClientSender[T]{c: c, def: def}, nil
}

// Send serializes msg and enqueues it without blocking.
func (s *ClientSender[T]) Send(msg T) error {
	payload, err := codec.Encode(msg, nil)
	if err != nil {
		return fmt.Errorf("encode %q: %w", s.def.Name, err)
	}
	ps, ok := s.c.streams[s.def.Tag]
	if !ok {
		return ErrChannelClosed
	}
	if err := ps.trySend(s.c.ctx, payload); err != nil {
		reason := "closed"
		if err == ErrBufferFull {
			reason = "buffer_full"
		}
		metrics.IncrCounterWithDimGroup("net.client", "send_drop_total", 1,
			map[string]string{"reason": reason})
		return err
	}
	return nil
}
