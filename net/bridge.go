package net

import (
	"sync"
	"sync/atomic"

	"github.com/starfall-games/netsync/log"
	"github.com/starfall-games/netsync/metrics"
)

// DefaultMaxEventsPerPoll caps how many bridge events one Poll returns,
// so a traffic burst cannot stall a simulation tick indefinitely.
const DefaultMaxEventsPerPoll = 100

// Event is one bridge notification. Consumers type-switch on the
// concrete types below.
type Event any

// PeerConnectedEvent is emitted by the server once a peer reaches Active.
type PeerConnectedEvent struct {
	Peer PeerID
	Name string
	Addr string
}

// PeerDisconnectedEvent is emitted when a connection is torn down. No
// frame from this peer is ever surfaced after it.
type PeerDisconnectedEvent struct {
	Peer   PeerID
	Reason error
}

// ControlMessageEvent carries an opaque application payload received on
// the control stream.
type ControlMessageEvent struct {
	Peer PeerID
	Data []byte
}

// StreamReadyEvent is emitted on the client after a stream's initial
// burst has been fully drained, never in the same poll cycle as that
// burst.
type StreamReadyEvent struct {
	Tag  uint8
	Name string
}

// SyncCompleteEvent is emitted on the client exactly once, when every
// expected stream is ready and the control stream's done marker has been
// observed.
type SyncCompleteEvent struct {
	Peer PeerID
}

// Bridge is the only crossing point between the I/O tasks and the
// synchronous consumer loop. Tasks push events; the consumer polls once
// per tick and never blocks.
//
// Ready notifications take a two-generation path: an event deferred in
// one cycle is withheld through the next Poll and emitted by the one
// after, guaranteeing the consumer a full processing pass over the data
// that preceded it.
type Bridge struct {
	mu           sync.Mutex
	events       []Event
	deferredCur  []Event
	deferredPrev []Event
	maxPerPoll   int
	capWarned    atomic.Bool
}

// NewBridge creates a bridge. maxPerPoll of 0 selects
// DefaultMaxEventsPerPoll.
func NewBridge(maxPerPoll int) *Bridge {
	if maxPerPoll <= 0 {
		maxPerPoll = DefaultMaxEventsPerPoll
	}
	return &Bridge{maxPerPoll: maxPerPoll}
}

// Push queues an event for the next Poll.
func (b *Bridge) Push(ev Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	metrics.IncrCounterWithGroup("net.bridge", "events_pushed_total", 1)
}

// PushDeferred queues an event that must not surface until at least one
// full Poll cycle has elapsed.
func (b *Bridge) PushDeferred(ev Event) {
	b.mu.Lock()
	b.deferredCur = append(b.deferredCur, ev)
	b.mu.Unlock()
}

// Poll returns the events ready for this tick: first any deferred events
// whose waiting cycle has elapsed, then queued events up to the cap.
// Remaining events stay queued for the next tick; hitting the cap logs
// once per process.
func (b *Bridge) Poll() []Event {
	b.mu.Lock()

	promoted := b.deferredPrev
	b.deferredPrev = b.deferredCur
	b.deferredCur = nil

	budget := b.maxPerPoll - len(promoted)
	if budget < 0 {
		budget = 0
	}

	var drained []Event
	if len(b.events) <= budget {
		drained = b.events
		b.events = nil
	} else {
		drained = append([]Event(nil), b.events[:budget]...)
		b.events = append(b.events[:0:0], b.events[budget:]...)
	}
	remaining := len(b.events)
	b.mu.Unlock()

	if remaining > 0 && b.capWarned.CompareAndSwap(false, true) {
		log.Warn().Int("cap", b.maxPerPoll).Int("remaining", remaining).
			Msg("bridge event cap hit, deferring remainder to next tick")
	}
	if remaining > 0 {
		metrics.IncrCounterWithGroup("net.bridge", "poll_cap_hit_total", 1)
	}

	if len(promoted) == 0 {
		return drained
	}
	return append(promoted, drained...)
}

// syncBarrier tracks the two independent conditions of initial sync for
// one connection: a ready marker per expected stream, and the control
// stream's done marker. Completion is their conjunction, so it is
// resilient to cross-stream reordering.
type syncBarrier struct {
	mu        sync.Mutex
	pending   map[uint8]bool
	doneSeen  bool
	completed bool
}

func newSyncBarrier(tags []uint8) *syncBarrier {
	pending := make(map[uint8]bool, len(tags))
	for _, tag := range tags {
		pending[tag] = true
	}
	return &syncBarrier{pending: pending}
}

// markReady records a stream's ready marker. Returns true when this
// marker completes the barrier.
func (s *syncBarrier) markReady(tag uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, tag)
	return s.checkComplete()
}

// markDone records the control stream's done marker. Returns true when
// this marker completes the barrier.
func (s *syncBarrier) markDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doneSeen = true
	return s.checkComplete()
}

// checkComplete must be called with mu held. True exactly once.
func (s *syncBarrier) checkComplete() bool {
	if s.completed || !s.doneSeen || len(s.pending) > 0 {
		return false
	}
	s.completed = true
	return true
}

// complete reports whether the barrier has completed.
func (s *syncBarrier) complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}
