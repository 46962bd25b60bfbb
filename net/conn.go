package net

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/yamux"
	"github.com/starfall-games/netsync/log"
	"github.com/starfall-games/netsync/metrics"
)

// ConnState is one peer connection's lifecycle position.
type ConnState uint32

// Connection states. Transitions only move forward.
const (
	StateAccepting ConnState = iota
	StateHandshaking
	StateActive
	StateClosing
	StateClosed
)

// String ...
func (s ConnState) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// peerStream is one logical stream's write side: a bounded outbound
// queue drained by a dedicated write task.
type peerStream struct {
	def    StreamDef
	stream *yamux.Stream
	sendCh chan []byte
}

// trySend enqueues one frame without blocking. Distinguishes a saturated
// queue from a torn-down connection, since callers recover differently.
func (ps *peerStream) trySend(ctx context.Context, payload []byte) error {
	select {
	case <-ctx.Done():
		return ErrChannelClosed
	default:
	}
	select {
	case ps.sendCh <- payload:
		return nil
	case <-ctx.Done():
		return ErrChannelClosed
	default:
		return ErrBufferFull
	}
}

// send enqueues one frame, blocking until queue space opens or the
// connection is torn down. Reserved for the core's own markers, which
// must not be droppable.
func (ps *peerStream) send(ctx context.Context, payload []byte) error {
	select {
	case ps.sendCh <- payload:
		return nil
	case <-ctx.Done():
		return ErrChannelClosed
	}
}

// peerConn is one peer's session on the server: the multiplexed session,
// one write queue per outbound stream, the spawned task pair per stream,
// and a cancellation scope that tears everything down together.
type peerConn struct {
	id         PeerID
	name       string
	remoteAddr string

	sess   *yamux.Session
	server *Server
	logger *log.PeerLogger

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Uint32
	closeOnce sync.Once

	// streams holds the write side of every outbound stream; inbound
	// holds the raw stream for every tag this peer may write on.
	streams map[uint8]*peerStream
	inbound map[uint8]*yamux.Stream

	readyMu   sync.Mutex
	readyTags map[uint8]bool
	doneSent  bool

	// routeMu orders inbound routing against teardown: once close has
	// set routeClosed and purged the server's queues, no late frame from
	// this peer can reappear behind the disconnect event.
	routeMu     sync.RWMutex
	routeClosed bool
}

// inboundStreams returns the streams a read task must be attached to.
func (pc *peerConn) inboundStreams() map[uint8]*yamux.Stream {
	return pc.inbound
}

// abortHandshake releases a half-established connection without
// emitting a disconnect event; the peer was never surfaced as connected.
func (pc *peerConn) abortHandshake() {
	pc.cancel()
	_ = pc.sess.Close()
	pc.setState(StateClosed)
}

// State ...
func (pc *peerConn) State() ConnState {
	return ConnState(pc.state.Load())
}

func (pc *peerConn) setState(s ConnState) {
	pc.state.Store(uint32(s))
}

// outboundStream returns the write handle for tag.
func (pc *peerConn) outboundStream(tag uint8) (*peerStream, error) {
	ps, ok := pc.streams[tag]
	if !ok {
		return nil, ErrUnknownTag
	}
	return ps, nil
}

// markStreamReady records that tag's initial burst is complete for this
// peer. When every server-written stream has reported, the core itself
// writes the done marker on the control stream.
func (pc *peerConn) markStreamReady(tag uint8) error {
	pc.readyMu.Lock()
	delete(pc.readyTags, tag)
	shouldSendDone := len(pc.readyTags) == 0 && !pc.doneSent
	if shouldSendDone {
		pc.doneSent = true
	}
	pc.readyMu.Unlock()

	if !shouldSendDone {
		return nil
	}

	control, err := pc.outboundStream(ControlStreamTag)
	if err != nil {
		return err
	}
	payload, err := (&InitialStateDone{}).MarshalBinary()
	if err != nil {
		return err
	}
	if err := control.send(pc.ctx, payload); err != nil {
		return err
	}
	pc.logger.Info().Msg("initial replication complete, done marker sent")
	return nil
}

// serveSend drains one stream's outbound queue into the wire.
func (pc *peerConn) serveSend(ps *peerStream) {
	defer pc.server.taskDone()

	for {
		select {
		case <-pc.ctx.Done():
			return
		case payload := <-ps.sendCh:
			if err := WriteFrame(ps.stream, payload); err != nil {
				pc.close(err)
				return
			}
			metrics.IncrCounterWithGroup("net", "frames_sent_total", 1)
		}
	}
}

// serveRecv decodes frames from one inbound stream and routes them to
// the server's per-tag queues. Any wire error tears down the whole
// connection; sibling connections are unaffected.
func (pc *peerConn) serveRecv(tag uint8, stream *yamux.Stream) {
	defer pc.server.taskDone()

	fr := NewFrameReader(stream, pc.server.maxFrameSize())
	for {
		select {
		case <-pc.ctx.Done():
			return
		default:
		}

		if limiter := pc.server.recvLimiter; limiter != nil {
			if err := limiter.Take(pc.ctx); err != nil {
				return
			}
		}

		payload, err := fr.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				pc.close(nil)
			} else {
				pc.logger.Warn().Uint8("tag", tag).Err(err).Msg("inbound frame error")
				pc.close(err)
			}
			return
		}
		metrics.IncrCounterWithGroup("net", "frames_recv_total", 1)

		if tag == ControlStreamTag {
			pc.handleControlFrame(payload)
			continue
		}
		pc.routeInbound(tag, payload)
	}
}

// routeInbound hands one payload to the server's per-tag queue unless
// this connection has begun teardown.
func (pc *peerConn) routeInbound(tag uint8, payload []byte) {
	pc.routeMu.RLock()
	defer pc.routeMu.RUnlock()
	if pc.routeClosed {
		return
	}
	pc.server.routeInbound(pc.id, tag, payload)
}

func (pc *peerConn) handleControlFrame(payload []byte) {
	msg, err := decodeControl(payload)
	if err != nil {
		pc.logger.Warn().Err(err).Msg("undecodable control frame")
		pc.close(err)
		return
	}
	switch m := msg.(type) {
	case *ControlData:
		pc.server.bridge.Push(ControlMessageEvent{Peer: pc.id, Data: m.Data})
	default:
		// handshake messages are not valid once active
		pc.logger.Warn().Any("type", m).Msg("unexpected control message, closing")
		pc.close(ErrMalformedFrame)
	}
}

// close tears down the connection exactly once: cancel the task scope,
// close the session, remove the peer from the registry, purge its
// undrained inbound frames, and emit the disconnect event. A consumer
// that observes the event never sees this identity's frames afterwards.
func (pc *peerConn) close(reason error) {
	pc.closeOnce.Do(func() {
		pc.setState(StateClosing)
		pc.cancel()
		_ = pc.sess.Close()

		pc.routeMu.Lock()
		pc.routeClosed = true
		pc.routeMu.Unlock()

		pc.server.removeConn(pc.id)
		pc.server.purgeInbound(pc.id)
		metrics.IncrCounterWithGroup("net", "connection_close_total", 1)
		metrics.UpdateGaugeWithGroup("net", "current_connections",
			metrics.Value(pc.server.ConnCount()))

		pc.setState(StateClosed)
		if reason != nil {
			pc.logger.Info().Err(reason).Msg("connection closed")
		} else {
			pc.logger.Info().Msg("connection closed")
		}
		pc.server.bridge.Push(PeerDisconnectedEvent{Peer: pc.id, Reason: reason})
	})
}
