package net

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamRegistryRegister(t *testing.T) {
	r := NewStreamRegistry()

	assert.NoError(t, r.Register(StreamDef{Tag: 1, Name: "snapshot", Direction: ServerToClient}))
	assert.NoError(t, r.Register(StreamDef{Tag: 2, Name: "input", Direction: ClientToServer}))
	assert.NoError(t, r.Register(StreamDef{Tag: 3, Name: "chat", Direction: Bidirectional}))

	def, ok := r.Lookup(2)
	assert.True(t, ok)
	assert.Equal(t, "input", def.Name)
	assert.Equal(t, ClientToServer, def.Direction)

	_, ok = r.Lookup(9)
	assert.False(t, ok)
}

func TestStreamRegistryRejectsReservedTag(t *testing.T) {
	r := NewStreamRegistry()
	err := r.Register(StreamDef{Tag: ControlStreamTag, Name: "bad", Direction: ServerToClient})
	assert.ErrorIs(t, err, ErrReservedTag)
}

func TestStreamRegistryRejectsDuplicateTag(t *testing.T) {
	r := NewStreamRegistry()
	assert.NoError(t, r.Register(StreamDef{Tag: 5, Name: "first", Direction: ServerToClient}))

	err := r.Register(StreamDef{Tag: 5, Name: "second", Direction: ClientToServer})
	assert.ErrorIs(t, err, ErrDuplicateTag)
	// the error names the prior claimant so the collision is findable
	assert.Contains(t, err.Error(), "first")

	// registry still holds the original definition
	def, ok := r.Lookup(5)
	assert.True(t, ok)
	assert.Equal(t, "first", def.Name)
}

func TestStreamRegistryRejectsInvalidDirection(t *testing.T) {
	r := NewStreamRegistry()
	assert.Error(t, r.Register(StreamDef{Tag: 1, Name: "bad", Direction: 0}))
	assert.Error(t, r.Register(StreamDef{Tag: 1, Name: "bad", Direction: 42}))
}

func TestStreamRegistryDefsOrder(t *testing.T) {
	r := NewStreamRegistry()
	assert.NoError(t, r.Register(StreamDef{Tag: 7, Name: "c", Direction: ServerToClient}))
	assert.NoError(t, r.Register(StreamDef{Tag: 2, Name: "a", Direction: ServerToClient}))
	assert.NoError(t, r.Register(StreamDef{Tag: 4, Name: "b", Direction: ClientToServer}))

	defs := r.Defs()
	assert.Len(t, defs, 3)
	assert.Equal(t, []uint8{7, 2, 4}, []uint8{defs[0].Tag, defs[1].Tag, defs[2].Tag})

	// mutating the returned slice must not affect the registry
	defs[0].Name = "mutated"
	got, _ := r.Lookup(7)
	assert.Equal(t, "c", got.Name)
}

func TestServerToClientCount(t *testing.T) {
	r := NewStreamRegistry()
	assert.Equal(t, 0, r.ServerToClientCount())

	assert.NoError(t, r.Register(StreamDef{Tag: 1, Name: "snap", Direction: ServerToClient}))
	assert.NoError(t, r.Register(StreamDef{Tag: 2, Name: "input", Direction: ClientToServer}))
	assert.NoError(t, r.Register(StreamDef{Tag: 3, Name: "chat", Direction: Bidirectional}))
	assert.Equal(t, 2, r.ServerToClientCount())
}

func TestStreamDirectionSides(t *testing.T) {
	tests := []struct {
		dir          StreamDirection
		serverWrites bool
		clientWrites bool
	}{
		{ServerToClient, true, false},
		{ClientToServer, false, true},
		{Bidirectional, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.dir.String(), func(t *testing.T) {
			d := StreamDef{Tag: 1, Direction: tt.dir}
			assert.Equal(t, tt.serverWrites, d.serverWrites())
			assert.Equal(t, tt.clientWrites, d.clientWrites())
		})
	}
}
