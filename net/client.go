package net

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdnet "net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/starfall-games/netsync/config"
	"github.com/starfall-games/netsync/log"
	"github.com/starfall-games/netsync/metrics"
)

// ClientCfg configures the client connection engine.
type ClientCfg struct {
	// Addr is the server address to dial.
	Addr string `mapstructure:"addr"`

	// Name is the display name sent in the hello.
	Name string `mapstructure:"name"`

	// SendQueueSize is the per-stream outbound queue depth, in frames.
	SendQueueSize uint32 `mapstructure:"sendQueueSize"`

	// MaxFrameSize bounds a single inbound frame. 0 selects the default.
	MaxFrameSize uint32 `mapstructure:"maxFrameSize"`

	// DialTimeoutMs bounds the TCP dial.
	DialTimeoutMs uint32 `mapstructure:"dialTimeoutMs"`

	// HandshakeTimeoutMs bounds stream establishment. Failing to receive
	// the full expected stream set within it is fatal to the attempt.
	HandshakeTimeoutMs uint32 `mapstructure:"handshakeTimeoutMs"`
}

// GetName returns the configuration section name.
func (c *ClientCfg) GetName() string {
	return "net_client"
}

// Validate ...
func (c *ClientCfg) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("Addr cannot be empty")
	}
	return nil
}

func (c *ClientCfg) applyDefaults() {
	if c.SendQueueSize == 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.DialTimeoutMs == 0 {
		c.DialTimeoutMs = defaultHandshakeTimeoutMs
	}
	if c.HandshakeTimeoutMs == 0 {
		c.HandshakeTimeoutMs = defaultHandshakeTimeoutMs
	}
}

// clientQueue buffers one stream's inbound payloads between ticks.
type clientQueue struct {
	mu     sync.Mutex
	frames [][]byte
}

func (q *clientQueue) push(payload []byte) {
	q.mu.Lock()
	q.frames = append(q.frames, payload)
	q.mu.Unlock()
}

func (q *clientQueue) drain() [][]byte {
	q.mu.Lock()
	frames := q.frames
	q.frames = nil
	q.mu.Unlock()
	return frames
}

// Client is the client-side connection engine: one peer (the server),
// the same stream set, and the initial-sync barrier that tells the
// simulation when catch-up replication is complete.
type Client struct {
	cfg      *ClientCfg
	registry *StreamRegistry
	bridge   *Bridge
	barrier  *syncBarrier

	sess   *yamux.Session
	peerID atomic.Uint64

	streams map[uint8]*peerStream
	inbound map[uint8]*clientQueue

	ctx       context.Context
	cancel    context.CancelFunc
	tasks     atomic.Int64
	closeOnce sync.Once
}

// Connect dials the server and runs the full handshake. The returned
// client is live: its read and write tasks are running and the barrier
// is armed. A partial stream set fails the attempt as a whole.
func Connect(cfg *ClientCfg, registry *StreamRegistry) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("ClientCfg cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	conn, err := stdnet.DialTimeout("tcp", cfg.Addr, time.Duration(cfg.DialTimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}

	c := &Client{
		cfg:      cfg,
		registry: registry,
		bridge:   NewBridge(0),
		streams:  make(map[uint8]*peerStream),
		inbound:  make(map[uint8]*clientQueue),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	dataStreams, err := c.doHandshake(conn)
	if err != nil {
		c.cancel()
		_ = conn.Close()
		return nil, err
	}

	var readyTags []uint8
	for _, def := range registry.Defs() {
		if def.serverWrites() {
			readyTags = append(readyTags, def.Tag)
		}
	}
	c.barrier = newSyncBarrier(readyTags)

	for _, ps := range c.streams {
		c.taskStart()
		go c.serveSend(ps)
	}
	for tag, st := range dataStreams {
		c.taskStart()
		go c.serveRecv(tag, st)
	}
	c.taskStart()
	go c.serveControl()

	log.Info().Uint64("peer", c.peerID.Load()).Str("addr", cfg.Addr).
		Int("streams", len(dataStreams)).Msg("connected")
	return c, nil
}

// ConnectWithConfigManager loads the "net_client" section and connects.
func ConnectWithConfigManager(configManager config.ConfigManager, registry *StreamRegistry) (*Client, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := &ClientCfg{}
	if err := configManager.LoadConfig("net_client", cfg); err != nil {
		return nil, fmt.Errorf("failed to load net_client config: %w", err)
	}
	return Connect(cfg, registry)
}

// doHandshake establishes the control stream, opens this end's streams,
// accepts the server's, and consumes the welcome. Returns the streams
// the server writes domain data on, keyed by tag.
func (c *Client) doHandshake(conn stdnet.Conn) (map[uint8]*yamux.Stream, error) {
	sess, err := yamux.Client(conn, nil)
	if err != nil {
		return nil, fmt.Errorf("mux: %w", err)
	}
	c.sess = sess

	timeout := time.Duration(c.cfg.HandshakeTimeoutMs) * time.Millisecond
	hsCtx, hsCancel := context.WithTimeout(c.ctx, timeout)
	defer hsCancel()
	deadline := time.Now().Add(timeout)

	queueSize := int(c.cfg.SendQueueSize)

	// control stream goes first so the server can identify us
	control, err := sess.OpenStream()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("open control: %w", err)
	}
	if _, err := control.Write([]byte{ControlStreamTag}); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("tag control: %w", err)
	}
	helloPayload, err := (&Hello{Name: c.cfg.Name}).MarshalBinary()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	if err := WriteFrame(control, helloPayload); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("write hello: %w", err)
	}
	c.streams[ControlStreamTag] = &peerStream{
		def:    StreamDef{Tag: ControlStreamTag, Name: "control", Direction: Bidirectional},
		stream: control,
		sendCh: make(chan []byte, queueSize),
	}

	// open every stream this end writes on, in registration order
	expectedFromServer := 0
	for _, def := range c.registry.Defs() {
		if def.Direction == ServerToClient {
			expectedFromServer++
		}
		if !def.clientWrites() {
			continue
		}
		st, err := sess.OpenStream()
		if err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("open stream %q: %w", def.Name, err)
		}
		if _, err := st.Write([]byte{def.Tag}); err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("tag stream %q: %w", def.Name, err)
		}
		c.streams[def.Tag] = &peerStream{
			def:    def,
			stream: st,
			sendCh: make(chan []byte, queueSize),
		}
	}

	// accept the server-opened streams; anything short of the full set
	// within the deadline fails the attempt
	dataStreams := make(map[uint8]*yamux.Stream, expectedFromServer)
	for i := 0; i < expectedFromServer; i++ {
		st, err := sess.AcceptStreamWithContext(hsCtx)
		if err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("accept stream %d/%d: %w: %s",
				i+1, expectedFromServer, ErrHandshakeIncomplete, err)
		}
		_ = st.SetReadDeadline(deadline)
		tag, err := readStreamTag(st)
		if err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("stream tag: %w: %s", ErrHandshakeIncomplete, err)
		}
		def, ok := c.registry.Lookup(tag)
		if !ok || def.Direction != ServerToClient {
			_ = sess.Close()
			return nil, fmt.Errorf("server opened tag %d: %w", tag, ErrUnknownTag)
		}
		if _, dup := dataStreams[tag]; dup {
			_ = sess.Close()
			return nil, fmt.Errorf("server opened tag %d twice: %w", tag, ErrDuplicateTag)
		}
		_ = st.SetReadDeadline(time.Time{})
		dataStreams[tag] = st
		c.inbound[tag] = &clientQueue{}
	}

	// bidirectional streams also carry server data back to us
	for tag, ps := range c.streams {
		if tag != ControlStreamTag && ps.def.Direction == Bidirectional {
			dataStreams[tag] = ps.stream
			c.inbound[tag] = &clientQueue{}
		}
	}

	// welcome carries our identity and cross-checks the stream count
	_ = control.SetReadDeadline(deadline)
	fr := NewFrameReader(control, c.cfg.MaxFrameSize)
	welcomePayload, err := fr.ReadFrame()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("read welcome: %w: %s", ErrHandshakeIncomplete, err)
	}
	msg, err := decodeControl(welcomePayload)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	welcome, ok := msg.(*Welcome)
	if !ok {
		_ = sess.Close()
		return nil, fmt.Errorf("expected welcome, got %T: %w", msg, ErrMalformedFrame)
	}
	if int(welcome.ExpectedStreams) != expectedFromServer {
		_ = sess.Close()
		return nil, fmt.Errorf("server announced %d streams, registry expects %d: %w",
			welcome.ExpectedStreams, expectedFromServer, ErrHandshakeIncomplete)
	}
	_ = control.SetReadDeadline(time.Time{})
	c.peerID.Store(uint64(welcome.PeerID))

	return dataStreams, nil
}

// PeerID returns the server-assigned identity.
func (c *Client) PeerID() PeerID {
	return PeerID(c.peerID.Load())
}

// Bridge returns the event bridge drained by the simulation loop.
func (c *Client) Bridge() *Bridge {
	return c.bridge
}

// SyncComplete reports whether initial replication has finished. It
// stays false forever if a subsystem never sends its ready marker; the
// timeout policy belongs to the consumer.
func (c *Client) SyncComplete() bool {
	return c.barrier.complete()
}

// SendControl sends an opaque payload to the server on the control
// stream.
func (c *Client) SendControl(data []byte) error {
	control, ok := c.streams[ControlStreamTag]
	if !ok {
		return ErrChannelClosed
	}
	payload, err := (&ControlData{Data: data}).MarshalBinary()
	if err != nil {
		return err
	}
	return control.trySend(c.ctx, payload)
}

// Close tears down the connection and every task.
func (c *Client) Close() error {
	c.close(nil)
	return nil
}

// RunningTasks reports the number of live engine goroutines.
func (c *Client) RunningTasks() int64 {
	return c.tasks.Load()
}

func (c *Client) taskStart() {
	c.tasks.Add(1)
}

func (c *Client) taskDone() {
	c.tasks.Add(-1)
}

func (c *Client) serveSend(ps *peerStream) {
	defer c.taskDone()

	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-ps.sendCh:
			if err := WriteFrame(ps.stream, payload); err != nil {
				c.close(err)
				return
			}
			metrics.IncrCounterWithGroup("net.client", "frames_sent_total", 1)
		}
	}
}

func (c *Client) serveRecv(tag uint8, stream *yamux.Stream) {
	defer c.taskDone()

	fr := NewFrameReader(stream, c.cfg.MaxFrameSize)
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		payload, err := fr.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.close(nil)
			} else {
				log.Warn().Uint8("tag", tag).Err(err).Msg("inbound frame error")
				c.close(err)
			}
			return
		}
		metrics.IncrCounterWithGroup("net.client", "frames_recv_total", 1)

		if IsStreamReady(payload) {
			c.handleStreamReady(tag)
			continue
		}
		if q, ok := c.inbound[tag]; ok {
			q.push(payload)
		}
	}
}

// handleStreamReady defers the ready notification so the consumer gets
// a full drain pass over the burst before trusting it.
func (c *Client) handleStreamReady(tag uint8) {
	def, _ := c.registry.Lookup(tag)
	c.bridge.PushDeferred(StreamReadyEvent{Tag: tag, Name: def.Name})
	if c.barrier.markReady(tag) {
		c.bridge.PushDeferred(SyncCompleteEvent{Peer: c.PeerID()})
	}
}

func (c *Client) serveControl() {
	defer c.taskDone()

	control := c.streams[ControlStreamTag]
	fr := NewFrameReader(control.stream, c.cfg.MaxFrameSize)
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		payload, err := fr.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.close(nil)
			} else {
				c.close(err)
			}
			return
		}

		msg, err := decodeControl(payload)
		if err != nil {
			log.Warn().Err(err).Msg("undecodable control frame")
			c.close(err)
			return
		}
		switch m := msg.(type) {
		case *InitialStateDone:
			if c.barrier.markDone() {
				c.bridge.PushDeferred(SyncCompleteEvent{Peer: c.PeerID()})
			}
		case *ControlData:
			c.bridge.Push(ControlMessageEvent{Peer: c.PeerID(), Data: m.Data})
		default:
			log.Warn().Any("type", m).Msg("unexpected control message, closing")
			c.close(ErrMalformedFrame)
			return
		}
	}
}

// close tears down the connection exactly once and emits the disconnect
// event. No frame is surfaced after it.
func (c *Client) close(reason error) {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.sess != nil {
			_ = c.sess.Close()
		}
		if reason != nil {
			log.Info().Uint64("peer", c.peerID.Load()).Err(reason).Msg("disconnected")
		} else {
			log.Info().Uint64("peer", c.peerID.Load()).Msg("disconnected")
		}
		c.bridge.Push(PeerDisconnectedEvent{Peer: c.PeerID(), Reason: reason})
	})
}
