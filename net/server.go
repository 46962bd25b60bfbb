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
	"github.com/starfall-games/netsync/discovery"
	"github.com/starfall-games/netsync/log"
	"github.com/starfall-games/netsync/metrics"
)

// ServerCfg configures the server connection engine.
type ServerCfg struct {
	// Addr is the TCP listen address.
	Addr string `mapstructure:"addr"`

	// SendQueueSize is the per-stream outbound queue depth, in frames.
	// Applies to connections established after a change.
	SendQueueSize uint32 `mapstructure:"sendQueueSize"`

	// MaxFrameSize bounds a single inbound frame. 0 selects the default.
	MaxFrameSize uint32 `mapstructure:"maxFrameSize"`

	// HandshakeTimeoutMs bounds the whole handshake per connection.
	HandshakeTimeoutMs uint32 `mapstructure:"handshakeTimeoutMs"`

	// RecvLimit and RecvBurst throttle inbound frame processing per
	// second across all read tasks. 0 disables limiting. Hot-reloadable.
	RecvLimit int `mapstructure:"recvLimit"`
	RecvBurst int `mapstructure:"recvBurst"`

	// ServiceName and ConsulAddr register the listen address with consul
	// when both are set.
	ServiceName string `mapstructure:"serviceName"`
	ConsulAddr  string `mapstructure:"consulAddr"`
}

// GetName returns the configuration section name.
func (c *ServerCfg) GetName() string {
	return "net_server"
}

// Validate ...
func (c *ServerCfg) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("Addr cannot be empty")
	}
	if c.RecvLimit < 0 || c.RecvBurst < 0 {
		return fmt.Errorf("RecvLimit and RecvBurst must be non-negative")
	}
	return nil
}

const (
	defaultSendQueueSize      = 256
	defaultHandshakeTimeoutMs = 5000
)

func (c *ServerCfg) applyDefaults() {
	if c.SendQueueSize == 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.HandshakeTimeoutMs == 0 {
		c.HandshakeTimeoutMs = defaultHandshakeTimeoutMs
	}
}

// peerFrame is one routed inbound message with its origin.
type peerFrame struct {
	peer    PeerID
	payload []byte
}

// inboundQueue buffers one tag's routed frames between ticks. Producer
// is that stream's read task; consumer is the owning subsystem's drain.
type inboundQueue struct {
	mu     sync.Mutex
	frames []peerFrame
}

func (q *inboundQueue) push(f peerFrame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.mu.Unlock()
}

func (q *inboundQueue) drain() []peerFrame {
	q.mu.Lock()
	frames := q.frames
	q.frames = nil
	q.mu.Unlock()
	return frames
}

// purge drops every queued frame from one peer.
func (q *inboundQueue) purge(peer PeerID) {
	q.mu.Lock()
	kept := q.frames[:0]
	for _, f := range q.frames {
		if f.peer != peer {
			kept = append(kept, f)
		}
	}
	q.frames = kept
	q.mu.Unlock()
}

// Server is the server-side connection engine: it accepts peers, runs
// the handshake, owns the peer registry, and spawns one read and one
// write task per stream per connection.
type Server struct {
	cfg      *ServerCfg
	cfgMu    sync.RWMutex
	registry *StreamRegistry
	bridge   *Bridge

	peers    map[PeerID]*peerConn
	peersMu  sync.RWMutex
	nextPeer atomic.Uint64

	inbound map[uint8]*inboundQueue

	recvLimiter *RecvLimiter
	registrar   *discovery.ConsulRegistry

	listener stdnet.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	tasks    atomic.Int64
	started  atomic.Bool
}

// NewServer creates a server over the given stream registry.
func NewServer(cfg *ServerCfg, registry *StreamRegistry) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("ServerCfg cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	s := &Server{
		cfg:      cfg,
		registry: registry,
		bridge:   NewBridge(0),
		peers:    make(map[PeerID]*peerConn),
		inbound:  make(map[uint8]*inboundQueue),
	}
	for _, def := range registry.Defs() {
		if def.clientWrites() {
			s.inbound[def.Tag] = &inboundQueue{}
		}
	}
	if cfg.RecvLimit > 0 {
		burst := cfg.RecvBurst
		if burst <= 0 {
			burst = cfg.RecvLimit
		}
		s.recvLimiter = NewTokenRecvLimiter(cfg.RecvLimit, burst)
	}
	return s, nil
}

// NewServerWithConfigManager creates a server whose rate limits follow
// configuration hot reloads.
func NewServerWithConfigManager(configManager config.ConfigManager, registry *StreamRegistry) (*Server, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := &ServerCfg{}
	if err := configManager.LoadConfig("net_server", cfg); err != nil {
		return nil, fmt.Errorf("failed to load net_server config: %w", err)
	}

	s, err := NewServer(cfg, registry)
	if err != nil {
		return nil, err
	}
	configManager.AddChangeListener(s)
	return s, nil
}

// OnConfigChanged implements config.ConfigChangeListener. Rate limits
// apply immediately; queue sizing applies to new connections.
func (s *Server) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "net_server" {
		return nil
	}
	newCfg, ok := newConfig.(*ServerCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for Server")
	}
	newCfg.applyDefaults()

	s.cfgMu.Lock()
	s.cfg = newCfg
	s.cfgMu.Unlock()

	if s.recvLimiter != nil && newCfg.RecvLimit > 0 {
		burst := newCfg.RecvBurst
		if burst <= 0 {
			burst = newCfg.RecvLimit
		}
		s.recvLimiter.Reload(newCfg.RecvLimit, burst)
	}

	log.Info().Str("configName", configName).Msg("server configuration updated")
	return nil
}

func (s *Server) currentCfg() *ServerCfg {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Server) maxFrameSize() uint32 {
	return s.currentCfg().MaxFrameSize
}

// Bridge returns the event bridge drained by the simulation loop.
func (s *Server) Bridge() *Bridge {
	return s.bridge
}

// Registry returns the stream registry this server serves.
func (s *Server) Registry() *StreamRegistry {
	return s.registry
}

// Start listens and begins accepting peers. Non-blocking.
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server already started")
	}
	cfg := s.currentCfg()

	listener, err := stdnet.Listen("tcp", cfg.Addr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "server_start_error_total", 1,
			map[string]string{"error_type": "listen"})
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.ServiceName != "" && cfg.ConsulAddr != "" {
		registrar, err := discovery.NewConsulRegistry(cfg.ConsulAddr)
		if err != nil {
			_ = listener.Close()
			return fmt.Errorf("consul registry: %w", err)
		}
		if err := registrar.Register(cfg.ServiceName, listener.Addr().String()); err != nil {
			_ = listener.Close()
			return fmt.Errorf("consul register: %w", err)
		}
		s.registrar = registrar
	}

	metrics.IncrCounterWithGroup("net", "server_start_total", 1)
	log.Info().Str("addr", listener.Addr().String()).Msg("server listening")

	s.taskStart()
	go s.serve(listener)
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and tears down every connection.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.registrar != nil {
		if err := s.registrar.Deregister(); err != nil {
			log.Warn().Err(err).Msg("consul deregister failed")
		}
	}

	s.peersMu.RLock()
	conns := make([]*peerConn, 0, len(s.peers))
	for _, pc := range s.peers {
		conns = append(conns, pc)
	}
	s.peersMu.RUnlock()
	for _, pc := range conns {
		pc.close(nil)
	}
	return nil
}

func (s *Server) serve(listener stdnet.Listener) {
	defer s.taskDone()

	for {
		conn, err := listener.Accept()
		if err != nil {
			var e stdnet.Error
			if errors.As(err, &e) && e.Timeout() {
				continue
			}
			return
		}

		metrics.IncrCounterWithGroup("net", "connection_accept_total", 1)
		s.taskStart()
		go s.handshake(conn)
	}
}

// handshake runs the whole connect sequence for one peer: control
// stream and hello, stream establishment in both directions, then the
// welcome. Any failure closes this connection only.
func (s *Server) handshake(conn stdnet.Conn) {
	defer s.taskDone()

	cfg := s.currentCfg()
	start := time.Now()

	pc, err := s.doHandshake(conn, cfg)
	if err != nil {
		metrics.IncrCounterWithGroup("net", "handshake_failure_total", 1)
		log.Warn().Str("remote", conn.RemoteAddr().String()).Err(err).
			Msg("handshake failed")
		_ = conn.Close()
		return
	}
	metrics.RecordStopwatchWithGroup("net", "handshake_time", start)

	pc.setState(StateActive)
	s.addConn(pc)
	metrics.UpdateGaugeWithGroup("net", "current_connections", metrics.Value(s.ConnCount()))

	// one write task per outbound stream, one read task per inbound stream
	for _, ps := range pc.streams {
		s.taskStart()
		go pc.serveSend(ps)
	}
	for tag, st := range pc.inboundStreams() {
		s.taskStart()
		go pc.serveRecv(tag, st)
	}

	pc.logger.Info().Str("name", pc.name).Str("remote", pc.remoteAddr).
		Msg("peer active")
	s.bridge.Push(PeerConnectedEvent{Peer: pc.id, Name: pc.name, Addr: pc.remoteAddr})
}

func (s *Server) doHandshake(conn stdnet.Conn, cfg *ServerCfg) (*peerConn, error) {
	sess, err := yamux.Server(conn, nil)
	if err != nil {
		return nil, fmt.Errorf("mux: %w", err)
	}

	timeout := time.Duration(cfg.HandshakeTimeoutMs) * time.Millisecond
	hsCtx, hsCancel := context.WithTimeout(s.ctx, timeout)
	defer hsCancel()

	// the client opens the control stream first
	control, err := sess.AcceptStreamWithContext(hsCtx)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("accept control: %w", err)
	}
	deadline := time.Now().Add(timeout)
	_ = control.SetReadDeadline(deadline)

	tag, err := readStreamTag(control)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("control tag: %w", err)
	}
	if tag != ControlStreamTag {
		_ = sess.Close()
		return nil, fmt.Errorf("first stream tag %d: %w", tag, ErrUnknownTag)
	}

	fr := NewFrameReader(control, cfg.MaxFrameSize)
	helloPayload, err := fr.ReadFrame()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	msg, err := decodeControl(helloPayload)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	hello, ok := msg.(*Hello)
	if !ok {
		_ = sess.Close()
		return nil, fmt.Errorf("expected hello, got %T: %w", msg, ErrMalformedFrame)
	}
	_ = control.SetReadDeadline(time.Time{})

	id := PeerID(s.nextPeer.Add(1))
	ctx, cancel := context.WithCancel(s.ctx)
	pc := &peerConn{
		id:         id,
		name:       hello.Name,
		remoteAddr: conn.RemoteAddr().String(),
		sess:       sess,
		server:     s,
		logger:     log.NewPeerLogger(nil, uint64(id)),
		ctx:        ctx,
		cancel:     cancel,
		streams:    make(map[uint8]*peerStream),
		inbound:    make(map[uint8]*yamux.Stream),
		readyTags:  make(map[uint8]bool),
	}
	pc.setState(StateHandshaking)

	queueSize := int(cfg.SendQueueSize)
	pc.streams[ControlStreamTag] = &peerStream{
		def:    StreamDef{Tag: ControlStreamTag, Name: "control", Direction: Bidirectional},
		stream: control,
		sendCh: make(chan []byte, queueSize),
	}
	pc.inbound[ControlStreamTag] = control

	defs := s.registry.Defs()

	// open server-to-client streams in registration order, tag byte first
	expectedOpen := uint8(0)
	for _, def := range defs {
		if def.Direction != ServerToClient {
			continue
		}
		st, err := sess.OpenStream()
		if err != nil {
			pc.abortHandshake()
			return nil, fmt.Errorf("open stream %q: %w", def.Name, err)
		}
		if _, err := st.Write([]byte{def.Tag}); err != nil {
			pc.abortHandshake()
			return nil, fmt.Errorf("tag stream %q: %w", def.Name, err)
		}
		pc.streams[def.Tag] = &peerStream{
			def:    def,
			stream: st,
			sendCh: make(chan []byte, queueSize),
		}
		expectedOpen++
	}

	// accept the client-opened streams, identified by their tag byte
	for _, def := range defs {
		if !def.clientWrites() {
			continue
		}
		st, err := sess.AcceptStreamWithContext(hsCtx)
		if err != nil {
			pc.abortHandshake()
			return nil, fmt.Errorf("accept stream: %w", err)
		}
		_ = st.SetReadDeadline(deadline)
		tag, err := readStreamTag(st)
		if err != nil {
			pc.abortHandshake()
			return nil, fmt.Errorf("stream tag: %w", err)
		}
		accepted, ok := s.registry.Lookup(tag)
		if !ok || !accepted.clientWrites() {
			pc.abortHandshake()
			return nil, fmt.Errorf("client opened tag %d: %w", tag, ErrUnknownTag)
		}
		if _, dup := pc.inbound[tag]; dup {
			pc.abortHandshake()
			return nil, fmt.Errorf("client opened tag %d twice: %w", tag, ErrDuplicateTag)
		}
		_ = st.SetReadDeadline(time.Time{})
		pc.inbound[tag] = st
		if accepted.Direction == Bidirectional {
			pc.streams[tag] = &peerStream{
				def:    accepted,
				stream: st,
				sendCh: make(chan []byte, queueSize),
			}
		}
	}

	// streams the server writes domain data on, tracked for the barrier
	for _, def := range defs {
		if def.serverWrites() {
			pc.readyTags[def.Tag] = true
		}
	}

	welcome := &Welcome{PeerID: id, ExpectedStreams: expectedOpen}
	payload, err := welcome.MarshalBinary()
	if err != nil {
		pc.abortHandshake()
		return nil, err
	}
	if err := WriteFrame(control, payload); err != nil {
		pc.abortHandshake()
		return nil, fmt.Errorf("write welcome: %w", err)
	}

	return pc, nil
}

// readStreamTag reads the single tag byte written first on every newly
// opened stream.
func readStreamTag(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (s *Server) addConn(pc *peerConn) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	s.peers[pc.id] = pc
}

func (s *Server) removeConn(id PeerID) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	delete(s.peers, id)
}

func (s *Server) getConn(id PeerID) (*peerConn, bool) {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	pc, ok := s.peers[id]
	return pc, ok
}

// ConnCount returns the number of registered connections.
func (s *Server) ConnCount() int {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return len(s.peers)
}

// Peers returns the ids of all registered connections.
func (s *Server) Peers() []PeerID {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	ids := make([]PeerID, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// HasPeer reports whether id has a live connection.
func (s *Server) HasPeer(id PeerID) bool {
	_, ok := s.getConn(id)
	return ok
}

// SendControl sends an opaque payload to one peer on the control stream.
func (s *Server) SendControl(id PeerID, data []byte) error {
	pc, ok := s.getConn(id)
	if !ok {
		return fmt.Errorf("peer %d: %w", id, ErrPeerNotFound)
	}
	control, err := pc.outboundStream(ControlStreamTag)
	if err != nil {
		return err
	}
	payload, err := (&ControlData{Data: data}).MarshalBinary()
	if err != nil {
		return err
	}
	return control.trySend(pc.ctx, payload)
}

// CloseConn tears down one peer's connection.
func (s *Server) CloseConn(id PeerID) error {
	pc, ok := s.getConn(id)
	if !ok {
		return fmt.Errorf("peer %d: %w", id, ErrPeerNotFound)
	}
	pc.close(nil)
	return nil
}

// routeInbound delivers one decoded-frame payload to its tag's queue.
func (s *Server) routeInbound(peer PeerID, tag uint8, payload []byte) {
	q, ok := s.inbound[tag]
	if !ok {
		log.Warn().Uint8("tag", tag).Msg("inbound frame for unroutable tag")
		return
	}
	q.push(peerFrame{peer: peer, payload: payload})
}

// purgeInbound drops one peer's undrained frames from every tag queue,
// called during teardown before the disconnect event is emitted.
func (s *Server) purgeInbound(peer PeerID) {
	for _, q := range s.inbound {
		q.purge(peer)
	}
}

func (s *Server) taskStart() {
	s.tasks.Add(1)
}

func (s *Server) taskDone() {
	s.tasks.Add(-1)
	metrics.UpdateGaugeWithGroup("net", "running_tasks", metrics.Value(s.tasks.Load()))
}

// RunningTasks reports the number of live engine goroutines, for
// cancellation-completeness verification.
func (s *Server) RunningTasks() int64 {
	return s.tasks.Load()
}
