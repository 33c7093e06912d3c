package midimsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndBytes(t *testing.T) {
	m := New([]byte{0x90, 60, 100})
	require.Equal(t, Message{Status: 0x90, Data1: 60, Data2: 100}, m)
	assert.Equal(t, []byte{0x90, 60, 100}, m.Bytes())
}

func TestNewShortMessage(t *testing.T) {
	m := New([]byte{0xC0})
	assert.Equal(t, byte(0xC0), m.Status)
	assert.Equal(t, byte(0), m.Data1)
}

func TestIsNoteOn(t *testing.T) {
	on := Message{Status: 0x91, Data1: 40, Data2: 80}
	zeroVelo := Message{Status: 0x91, Data1: 40, Data2: 0}

	assert.True(t, on.IsNoteOn(false))
	assert.True(t, on.IsNoteOn(true))
	assert.False(t, zeroVelo.IsNoteOn(false))
	assert.True(t, zeroVelo.IsNoteOn(true))
}

func TestIsNoteOff(t *testing.T) {
	off := Message{Status: 0x82, Data1: 40, Data2: 0}
	zeroVeloOn := Message{Status: 0x92, Data1: 40, Data2: 0}
	regularOn := Message{Status: 0x92, Data1: 40, Data2: 50}

	assert.True(t, off.IsNoteOff(false))
	assert.True(t, off.IsNoteOff(true))
	assert.True(t, zeroVeloOn.IsNoteOff(false))
	assert.False(t, zeroVeloOn.IsNoteOff(true))
	assert.False(t, regularOn.IsNoteOff(false))
}

func TestIsNoteModAndIsNote(t *testing.T) {
	aftertouch := Message{Status: 0xA3, Data1: 40, Data2: 10}
	cc := Message{Status: 0xB0, Data1: 1, Data2: 1}

	assert.True(t, aftertouch.IsNoteMod())
	assert.True(t, aftertouch.IsNote())
	assert.False(t, cc.IsNote())
}

func TestChannelAndKind(t *testing.T) {
	m := Message{Status: 0x95}
	assert.Equal(t, byte(0x90), m.Kind())
	assert.Equal(t, byte(0x05), m.Channel())
}

func TestParseDisableKind(t *testing.T) {
	assert.Equal(t, DisableNone, ParseDisableKind("none"))
	assert.Equal(t, DisableNoteOff, ParseDisableKind("note_off"))
	assert.Equal(t, DisableAftertouch, ParseDisableKind("aftertouch"))
	assert.Equal(t, DisableAny, ParseDisableKind("any"))
	assert.Equal(t, DisableAny, ParseDisableKind("garbage"))
}

func TestIsDisable(t *testing.T) {
	off := Message{Status: 0x80, Data1: 1, Data2: 0}
	aft := Message{Status: 0xA0, Data1: 1, Data2: 10}

	assert.False(t, off.IsDisable(DisableNone))
	assert.True(t, off.IsDisable(DisableNoteOff))
	assert.False(t, off.IsDisable(DisableAftertouch))
	assert.True(t, aft.IsDisable(DisableAftertouch))
	assert.True(t, aft.IsDisable(DisableAny))
	assert.True(t, off.IsDisable(DisableAny))
}
