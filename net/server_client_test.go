package net

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	stdnet "net"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tagSnapshot uint8 = 1
	tagEvents   uint8 = 2
	tagInput    uint8 = 3
	tagChat     uint8 = 4
)

// snapshotMsg is a minimal domain payload for wire tests.
type snapshotMsg struct {
	Seq uint32
}

func (m *snapshotMsg) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Seq)
	return b, nil
}

func (m *snapshotMsg) UnmarshalBinary(b []byte) error {
	if len(b) != 4 {
		return fmt.Errorf("snapshot size %d: %w", len(b), ErrMalformedFrame)
	}
	m.Seq = binary.BigEndian.Uint32(b)
	return nil
}

// bulkMsg pads frames so a stalled reader exhausts transport flow
// control in a handful of sends.
type bulkMsg struct {
	data []byte
}

func (m *bulkMsg) MarshalBinary() ([]byte, error) {
	return m.data, nil
}

func (m *bulkMsg) UnmarshalBinary(b []byte) error {
	m.data = append([]byte(nil), b...)
	return nil
}

func testRegistry(t *testing.T) *StreamRegistry {
	t.Helper()
	r := NewStreamRegistry()
	require.NoError(t, r.Register(StreamDef{Tag: tagSnapshot, Name: "snapshot", Direction: ServerToClient}))
	require.NoError(t, r.Register(StreamDef{Tag: tagEvents, Name: "events", Direction: ServerToClient}))
	require.NoError(t, r.Register(StreamDef{Tag: tagInput, Name: "input", Direction: ClientToServer}))
	require.NoError(t, r.Register(StreamDef{Tag: tagChat, Name: "chat", Direction: Bidirectional}))
	return r
}

func startTestServer(t *testing.T, registry *StreamRegistry) *Server {
	t.Helper()
	srv, err := NewServer(&ServerCfg{Addr: "127.0.0.1:0"}, registry)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func connectTestClient(t *testing.T, addr, name string, registry *StreamRegistry) *Client {
	t.Helper()
	c, err := Connect(&ClientCfg{Addr: addr, Name: name}, registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitFor polls cond every few milliseconds until it holds or the
// deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// pollUntil drains the bridge until match returns true, accumulating
// every event seen on the way.
func pollUntil(t *testing.T, b *Bridge, match func(Event) bool, msg string) []Event {
	t.Helper()
	var seen []Event
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range b.Poll() {
			seen = append(seen, ev)
			if match(ev) {
				return seen
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, saw %d events", msg, len(seen))
	return nil
}

func TestHandshakeAndConnectEvent(t *testing.T) {
	registry := testRegistry(t)
	srv := startTestServer(t, registry)
	c := connectTestClient(t, srv.Addr(), "alice", registry)

	assert.NotZero(t, c.PeerID())
	waitFor(t, func() bool { return srv.ConnCount() == 1 }, "peer registration")
	assert.True(t, srv.HasPeer(c.PeerID()))

	seen := pollUntil(t, srv.Bridge(), func(ev Event) bool {
		_, ok := ev.(PeerConnectedEvent)
		return ok
	}, "connect event")
	ev := seen[len(seen)-1].(PeerConnectedEvent)
	assert.Equal(t, c.PeerID(), ev.Peer)
	assert.Equal(t, "alice", ev.Name)
	assert.NotEmpty(t, ev.Addr)
}

func TestHandshakeRejectsRegistryMismatch(t *testing.T) {
	serverRegistry := testRegistry(t)
	srv := startTestServer(t, serverRegistry)

	// client expecting an extra server stream must fail the attempt whole
	clientRegistry := testRegistry(t)
	require.NoError(t, clientRegistry.Register(StreamDef{Tag: 9, Name: "extra", Direction: ServerToClient}))

	_, err := Connect(&ClientCfg{
		Addr:               srv.Addr(),
		Name:               "mismatch",
		HandshakeTimeoutMs: 500,
	}, clientRegistry)
	assert.ErrorIs(t, err, ErrHandshakeIncomplete)
}

func TestInitialSyncOrdering(t *testing.T) {
	registry := testRegistry(t)
	srv := startTestServer(t, registry)
	c := connectTestClient(t, srv.Addr(), "alice", registry)
	waitFor(t, func() bool { return srv.ConnCount() == 1 }, "peer registration")
	peer := c.PeerID()

	snapSender, err := SenderFor[*snapshotMsg](srv, tagSnapshot)
	require.NoError(t, err)
	eventSender, err := SenderFor[*snapshotMsg](srv, tagEvents)
	require.NoError(t, err)
	chatSender, err := SenderFor[*snapshotMsg](srv, tagChat)
	require.NoError(t, err)

	snapRecv, err := ReceiverFor[snapshotMsg, *snapshotMsg](c, tagSnapshot)
	require.NoError(t, err)

	// initial burst on every server-written stream, marker last
	const burst = 3
	for i := uint32(0); i < burst; i++ {
		require.NoError(t, snapSender.SendTo(peer, &snapshotMsg{Seq: i}))
	}
	require.NoError(t, eventSender.SendTo(peer, &snapshotMsg{Seq: 100}))
	require.NoError(t, chatSender.SendTo(peer, &snapshotMsg{Seq: 200}))
	require.NoError(t, snapSender.SendStreamReady(peer))
	require.NoError(t, eventSender.SendStreamReady(peer))
	require.NoError(t, chatSender.SendStreamReady(peer))

	// tick loop: drain data then poll events, the consumer's real shape
	var drained []snapshotMsg
	drainedBeforeReady := -1
	syncCompletes := 0
	readySeen := map[uint8]bool{}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && syncCompletes == 0 {
		drained = append(drained, snapRecv.Drain()...)
		for _, ev := range c.Bridge().Poll() {
			switch e := ev.(type) {
			case StreamReadyEvent:
				readySeen[e.Tag] = true
				if e.Tag == tagSnapshot && drainedBeforeReady < 0 {
					drainedBeforeReady = len(drained)
				}
			case SyncCompleteEvent:
				syncCompletes++
				assert.Equal(t, peer, e.Peer)
			}
		}
		time.Sleep(2 * time.Millisecond)
	}

	// the snapshot burst was fully visible before its ready notification
	require.GreaterOrEqual(t, len(drained), burst)
	assert.Equal(t, burst, drainedBeforeReady)
	for i, m := range drained[:burst] {
		assert.Equal(t, uint32(i), m.Seq)
	}
	assert.True(t, readySeen[tagSnapshot])
	assert.True(t, readySeen[tagEvents])
	assert.True(t, readySeen[tagChat])
	assert.Equal(t, 1, syncCompletes)
	assert.True(t, c.SyncComplete())

	// completion never fires twice
	for i := 0; i < 5; i++ {
		for _, ev := range c.Bridge().Poll() {
			_, isSync := ev.(SyncCompleteEvent)
			assert.False(t, isSync)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestClientToServerDelivery(t *testing.T) {
	registry := testRegistry(t)
	srv := startTestServer(t, registry)
	c := connectTestClient(t, srv.Addr(), "alice", registry)
	waitFor(t, func() bool { return srv.ConnCount() == 1 }, "peer registration")

	inputSender, err := ClientSenderFor[*snapshotMsg](c, tagInput)
	require.NoError(t, err)
	inputRecv, err := PeerReceiverFor[snapshotMsg, *snapshotMsg](srv, tagInput)
	require.NoError(t, err)

	for i := uint32(0); i < 4; i++ {
		require.NoError(t, inputSender.Send(&snapshotMsg{Seq: i}))
	}

	var got []PeerMsg[snapshotMsg]
	waitFor(t, func() bool {
		got = append(got, inputRecv.Drain()...)
		return len(got) == 4
	}, "input delivery")
	for i, m := range got {
		assert.Equal(t, c.PeerID(), m.Peer)
		assert.Equal(t, uint32(i), m.Msg.Seq)
	}
}

func TestControlDataBothDirections(t *testing.T) {
	registry := testRegistry(t)
	srv := startTestServer(t, registry)
	c := connectTestClient(t, srv.Addr(), "alice", registry)
	waitFor(t, func() bool { return srv.ConnCount() == 1 }, "peer registration")

	require.NoError(t, c.SendControl([]byte("ping")))
	seen := pollUntil(t, srv.Bridge(), func(ev Event) bool {
		m, ok := ev.(ControlMessageEvent)
		return ok && string(m.Data) == "ping"
	}, "client control data")
	last := seen[len(seen)-1].(ControlMessageEvent)
	assert.Equal(t, c.PeerID(), last.Peer)

	require.NoError(t, srv.SendControl(c.PeerID(), []byte("pong")))
	pollUntil(t, c.Bridge(), func(ev Event) bool {
		m, ok := ev.(ControlMessageEvent)
		return ok && string(m.Data) == "pong"
	}, "server control data")
}

func TestMalformedFrameIsolatesPeer(t *testing.T) {
	registry := testRegistry(t)
	srv := startTestServer(t, registry)
	a := connectTestClient(t, srv.Addr(), "alice", registry)
	b := connectTestClient(t, srv.Addr(), "bob", registry)
	waitFor(t, func() bool { return srv.ConnCount() == 2 }, "both peers registered")

	// bypass the typed API and write garbage on bob's control stream
	badControl := b.streams[ControlStreamTag]
	require.NoError(t, WriteFrame(badControl.stream, []byte{0x7F}))

	waitFor(t, func() bool { return !srv.HasPeer(b.PeerID()) }, "bob removed")
	assert.Equal(t, 1, srv.ConnCount())
	assert.True(t, srv.HasPeer(a.PeerID()))

	pollUntil(t, srv.Bridge(), func(ev Event) bool {
		d, ok := ev.(PeerDisconnectedEvent)
		return ok && d.Peer == b.PeerID() && d.Reason != nil
	}, "bob disconnect event")

	// alice is untouched
	snapSender, err := SenderFor[*snapshotMsg](srv, tagSnapshot)
	require.NoError(t, err)
	assert.NoError(t, snapSender.SendTo(a.PeerID(), &snapshotMsg{Seq: 1}))
}

func TestSendToUnknownPeer(t *testing.T) {
	registry := testRegistry(t)
	srv := startTestServer(t, registry)

	snapSender, err := SenderFor[*snapshotMsg](srv, tagSnapshot)
	require.NoError(t, err)
	assert.ErrorIs(t, snapSender.SendTo(PeerID(999), &snapshotMsg{}), ErrPeerNotFound)
	assert.ErrorIs(t, snapSender.SendStreamReady(PeerID(999)), ErrPeerNotFound)
}

func TestSenderDirectionValidation(t *testing.T) {
	registry := testRegistry(t)
	srv := startTestServer(t, registry)
	c := connectTestClient(t, srv.Addr(), "alice", registry)

	_, err := SenderFor[*snapshotMsg](srv, tagInput)
	assert.ErrorIs(t, err, ErrDirection)
	_, err = SenderFor[*snapshotMsg](srv, 99)
	assert.ErrorIs(t, err, ErrUnknownTag)

	_, err = ClientSenderFor[*snapshotMsg](c, tagSnapshot)
	assert.ErrorIs(t, err, ErrDirection)
	_, err = PeerReceiverFor[snapshotMsg, *snapshotMsg](srv, tagSnapshot)
	assert.ErrorIs(t, err, ErrDirection)
	_, err = ReceiverFor[snapshotMsg, *snapshotMsg](c, tagInput)
	assert.ErrorIs(t, err, ErrDirection)
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	registry := testRegistry(t)
	srv := startTestServer(t, registry)
	a := connectTestClient(t, srv.Addr(), "alice", registry)
	b := connectTestClient(t, srv.Addr(), "bob", registry)
	waitFor(t, func() bool { return srv.ConnCount() == 2 }, "both peers registered")

	snapSender, err := SenderFor[*snapshotMsg](srv, tagSnapshot)
	require.NoError(t, err)
	assert.Nil(t, snapSender.Broadcast(&snapshotMsg{Seq: 7}))

	for _, c := range []*Client{a, b} {
		recv, err := ReceiverFor[snapshotMsg, *snapshotMsg](c, tagSnapshot)
		require.NoError(t, err)
		var got []snapshotMsg
		waitFor(t, func() bool {
			got = append(got, recv.Drain()...)
			return len(got) == 1
		}, "broadcast delivery")
		assert.Equal(t, uint32(7), got[0].Seq)
	}
}

// dialSlowPeer completes the whole handshake by hand and then never
// reads, so the server's outbound path to it fills up.
func dialSlowPeer(t *testing.T, addr string) *yamux.Session {
	t.Helper()
	conn, err := stdnet.Dial("tcp", addr)
	require.NoError(t, err)
	sess, err := yamux.Client(conn, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sess.Close()
		_ = conn.Close()
	})

	control, err := sess.OpenStream()
	require.NoError(t, err)
	_, err = control.Write([]byte{ControlStreamTag})
	require.NoError(t, err)
	hello, err := (&Hello{Name: "stalled"}).MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, WriteFrame(control, hello))

	for _, tag := range []uint8{tagInput, tagChat} {
		st, err := sess.OpenStream()
		require.NoError(t, err)
		_, err = st.Write([]byte{tag})
		require.NoError(t, err)
	}
	return sess
}

func TestSaturatedPeerDoesNotDelaySiblings(t *testing.T) {
	registry := testRegistry(t)
	srv, err := NewServer(&ServerCfg{Addr: "127.0.0.1:0", SendQueueSize: 1}, registry)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	healthy := connectTestClient(t, srv.Addr(), "alice", registry)
	dialSlowPeer(t, srv.Addr())
	waitFor(t, func() bool { return srv.ConnCount() == 2 }, "both peers registered")

	var slowPeer PeerID
	for _, id := range srv.Peers() {
		if id != healthy.PeerID() {
			slowPeer = id
		}
	}
	require.NotZero(t, slowPeer)

	// fill the transport window and then the bounded queue of the
	// stalled peer until a send reports backpressure
	bulkSender, err := SenderFor[*bulkMsg](srv, tagSnapshot)
	require.NoError(t, err)
	payload := &bulkMsg{data: make([]byte, 64<<10)}
	saturated := false
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		err := bulkSender.SendTo(slowPeer, payload)
		if errors.Is(err, ErrBufferFull) {
			saturated = true
			break
		}
		require.NoError(t, err)
	}
	require.True(t, saturated, "slow peer queue never filled")

	// the full queue reports that peer only, promptly, and delivery to
	// the healthy sibling is unaffected
	snapSender, err := SenderFor[*snapshotMsg](srv, tagSnapshot)
	require.NoError(t, err)
	start := time.Now()
	failures := snapSender.Broadcast(&snapshotMsg{Seq: 42})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[slowPeer], ErrBufferFull)

	recv, err := ReceiverFor[snapshotMsg, *snapshotMsg](healthy, tagSnapshot)
	require.NoError(t, err)
	var got []snapshotMsg
	waitFor(t, func() bool {
		got = append(got, recv.Drain()...)
		return len(got) == 1
	}, "delivery to the healthy peer")
	assert.Equal(t, uint32(42), got[0].Seq)
}

func TestDisconnectPurgesInboundFrames(t *testing.T) {
	registry := testRegistry(t)
	srv := startTestServer(t, registry)
	c := connectTestClient(t, srv.Addr(), "alice", registry)
	waitFor(t, func() bool { return srv.ConnCount() == 1 }, "peer registration")
	peer := c.PeerID()

	inputSender, err := ClientSenderFor[*snapshotMsg](c, tagInput)
	require.NoError(t, err)
	for i := uint32(0); i < 3; i++ {
		require.NoError(t, inputSender.Send(&snapshotMsg{Seq: i}))
	}

	q := srv.inbound[tagInput]
	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.frames) == 3
	}, "frames queued")

	// teardown before the consumer drains: the disconnect must not leave
	// this identity's frames behind it
	require.NoError(t, srv.CloseConn(peer))
	waitFor(t, func() bool { return !srv.HasPeer(peer) }, "peer removal")

	inputRecv, err := PeerReceiverFor[snapshotMsg, *snapshotMsg](srv, tagInput)
	require.NoError(t, err)
	assert.Empty(t, inputRecv.Drain())
}

func TestTrySendBackpressure(t *testing.T) {
	// no drain task attached, so the queue fills deterministically
	ps := &peerStream{
		def:    StreamDef{Tag: tagSnapshot, Name: "snapshot", Direction: ServerToClient},
		sendCh: make(chan []byte, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.NoError(t, ps.trySend(ctx, []byte("a")))
	assert.ErrorIs(t, ps.trySend(ctx, []byte("b")), ErrBufferFull)

	cancel()
	assert.ErrorIs(t, ps.trySend(ctx, []byte("c")), ErrChannelClosed)
	assert.ErrorIs(t, ps.send(ctx, []byte("d")), ErrChannelClosed)
}

func TestDisconnectEventOnClientClose(t *testing.T) {
	registry := testRegistry(t)
	srv := startTestServer(t, registry)
	c := connectTestClient(t, srv.Addr(), "alice", registry)
	waitFor(t, func() bool { return srv.ConnCount() == 1 }, "peer registration")
	peer := c.PeerID()

	require.NoError(t, c.Close())
	waitFor(t, func() bool { return !srv.HasPeer(peer) }, "peer removal")
	pollUntil(t, srv.Bridge(), func(ev Event) bool {
		d, ok := ev.(PeerDisconnectedEvent)
		return ok && d.Peer == peer
	}, "disconnect event")
}

func TestCancellationReleasesAllTasks(t *testing.T) {
	registry := testRegistry(t)
	srv, err := NewServer(&ServerCfg{Addr: "127.0.0.1:0"}, registry)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	a := connectTestClient(t, srv.Addr(), "alice", registry)
	b := connectTestClient(t, srv.Addr(), "bob", registry)
	waitFor(t, func() bool { return srv.ConnCount() == 2 }, "both peers registered")
	assert.Greater(t, srv.RunningTasks(), int64(0))
	assert.Greater(t, a.RunningTasks(), int64(0))

	require.NoError(t, srv.Stop())
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	waitFor(t, func() bool { return srv.RunningTasks() == 0 }, "server tasks drained")
	waitFor(t, func() bool { return a.RunningTasks() == 0 }, "alice tasks drained")
	waitFor(t, func() bool { return b.RunningTasks() == 0 }, "bob tasks drained")
	assert.Equal(t, 0, srv.ConnCount())
}

func TestCloseConn(t *testing.T) {
	registry := testRegistry(t)
	srv := startTestServer(t, registry)
	c := connectTestClient(t, srv.Addr(), "alice", registry)
	waitFor(t, func() bool { return srv.ConnCount() == 1 }, "peer registration")

	assert.ErrorIs(t, srv.CloseConn(PeerID(999)), ErrPeerNotFound)
	assert.NoError(t, srv.CloseConn(c.PeerID()))
	waitFor(t, func() bool { return srv.ConnCount() == 0 }, "peer removal")
}
