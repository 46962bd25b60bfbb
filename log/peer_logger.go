package log

// PeerLogger scopes a GameLogger to one connection: every event carries
// the peer id, and whitelisted peers bypass level filtering so a single
// misbehaving connection can be debugged verbosely in production without
// raising the global level.
type PeerLogger struct {
	*GameLogger
	peerID      uint64
	inWhiteList bool
}

// NewPeerLogger creates a peer-scoped logger sharing base's appenders
// and pool.
func NewPeerLogger(base *GameLogger, peerID uint64) *PeerLogger {
	if base == nil {
		base = _defaultLogger
	}
	cfg := base.GetCurrentConfig()
	return &PeerLogger{
		GameLogger:  base,
		peerID:      peerID,
		inWhiteList: cfg != nil && cfg.IsInWhiteList(peerID),
	}
}

// IgnoreCheckLevel reports whether this peer bypasses level filtering.
func (x *PeerLogger) IgnoreCheckLevel() bool {
	return x.inWhiteList
}

func (x *PeerLogger) log(level Level) *LogEvent {
	var e *LogEvent
	if x.inWhiteList {
		e = x.GameLogger.event(level)
	} else {
		e = x.GameLogger.log(level)
	}
	if e == nil {
		return nil
	}
	return e.Uint64("peer", x.peerID)
}

// Debug ...
func (x *PeerLogger) Debug() *LogEvent {
	return x.log(DebugLevel)
}

// Info ...
func (x *PeerLogger) Info() *LogEvent {
	return x.log(InfoLevel)
}

// Warn ...
func (x *PeerLogger) Warn() *LogEvent {
	return x.log(WarnLevel)
}

// Error ...
func (x *PeerLogger) Error() *LogEvent {
	return x.log(ErrorLevel)
}

// Fatal ...
func (x *PeerLogger) Fatal() *LogEvent {
	return x.log(FatalLevel)
}

var _ Logger = (*PeerLogger)(nil)
