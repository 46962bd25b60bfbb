package net

import (
	"fmt"
	"sync"

	"github.com/starfall-games/netsync/log"
)

// StreamDirection declares which endpoint writes domain data on a stream.
type StreamDirection uint8

// Stream directions.
const (
	ServerToClient StreamDirection = iota + 1
	ClientToServer
	Bidirectional
)

// String ...
func (d StreamDirection) String() string {
	switch d {
	case ServerToClient:
		return "server_to_client"
	case ClientToServer:
		return "client_to_server"
	case Bidirectional:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// StreamDef declares one logical stream. Tag is the wire-level discriminator
// and must be unique across every subsystem sharing a connection.
type StreamDef struct {
	Tag       uint8
	Name      string
	Direction StreamDirection
}

// StreamRegistry is the single source of truth mapping a tag to its
// definition. Populated during startup, before any connection exists,
// and immutable afterward. A tag collision is a build-time
// misconfiguration, not a runtime condition.
type StreamRegistry struct {
	mu   sync.RWMutex
	defs []StreamDef
	tags map[uint8]int
}

// NewStreamRegistry creates an empty registry. Tag 0 is implicitly owned
// by the core's control stream.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{tags: make(map[uint8]int)}
}

// Register adds a definition. Returns ErrReservedTag for the control tag
// and ErrDuplicateTag on collision.
func (r *StreamRegistry) Register(def StreamDef) error {
	if def.Tag == ControlStreamTag {
		return fmt.Errorf("stream %q tag %d: %w", def.Name, def.Tag, ErrReservedTag)
	}
	if def.Direction < ServerToClient || def.Direction > Bidirectional {
		return fmt.Errorf("stream %q: invalid direction %d", def.Name, def.Direction)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.tags[def.Tag]; ok {
		return fmt.Errorf("stream %q tag %d already claimed by %q: %w",
			def.Name, def.Tag, r.defs[i].Name, ErrDuplicateTag)
	}
	r.tags[def.Tag] = len(r.defs)
	r.defs = append(r.defs, def)
	return nil
}

// MustRegister is Register for startup paths where a collision should
// stop the process.
func (r *StreamRegistry) MustRegister(def StreamDef) {
	if err := r.Register(def); err != nil {
		log.Fatal().Str("stream", def.Name).Uint8("tag", def.Tag).Err(err).
			Msg("stream registration failed")
	}
}

// Lookup returns the definition for tag.
func (r *StreamRegistry) Lookup(tag uint8) (StreamDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.tags[tag]
	if !ok {
		return StreamDef{}, false
	}
	return r.defs[i], true
}

// Defs returns all definitions in registration order.
func (r *StreamRegistry) Defs() []StreamDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]StreamDef(nil), r.defs...)
}

// ServerToClientCount is the number of streams a joining client should
// expect the server to open, which sizes the initial sync barrier.
func (r *StreamRegistry) ServerToClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, d := range r.defs {
		if d.Direction == ServerToClient || d.Direction == Bidirectional {
			n++
		}
	}
	return n
}

// serverWrites reports whether the server end writes domain data on d.
func (d StreamDef) serverWrites() bool {
	return d.Direction == ServerToClient || d.Direction == Bidirectional
}

// clientWrites reports whether the client end writes domain data on d.
func (d StreamDef) clientWrites() bool {
	return d.Direction == ClientToServer || d.Direction == Bidirectional
}
