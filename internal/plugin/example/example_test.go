package example

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/plugin"
)

func on(note, velocity byte) midimsg.Message {
	return midimsg.Message{Status: 0x90, Data1: note, Data2: velocity}
}

func TestHihatMaxVelocityIsReduced(t *testing.T) {
	inst, err := New(plugin.Deps{})
	require.NoError(t, err)
	p := inst.(*Plugin)

	out, err := p.Process(context.Background(), on(22, 127))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, byte(22), out[0].Data1)
	assert.Equal(t, byte(50), out[0].Data2)
}

func TestHihatBelowMaxVelocityUnaffected(t *testing.T) {
	inst, err := New(plugin.Deps{})
	require.NoError(t, err)
	p := inst.(*Plugin)

	out, err := p.Process(context.Background(), on(22, 100))
	require.NoError(t, err)
	assert.Equal(t, []midimsg.Message{on(22, 100)}, out)
}

func TestRideEdgeLowVelocityBecomesRideBell(t *testing.T) {
	inst, err := New(plugin.Deps{})
	require.NoError(t, err)
	p := inst.(*Plugin)

	out, err := p.Process(context.Background(), on(59, 80))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, byte(53), out[0].Data1)
	assert.Equal(t, byte(80), out[0].Data2)
}

func TestRideEdgeHighVelocityStaysRideEdge(t *testing.T) {
	inst, err := New(plugin.Deps{})
	require.NoError(t, err)
	p := inst.(*Plugin)

	out, err := p.Process(context.Background(), on(59, 81))
	require.NoError(t, err)
	assert.Equal(t, []midimsg.Message{on(59, 81)}, out)
}

func TestOtherNotesPassThroughUnchanged(t *testing.T) {
	inst, err := New(plugin.Deps{})
	require.NoError(t, err)
	p := inst.(*Plugin)

	out, err := p.Process(context.Background(), on(40, 90))
	require.NoError(t, err)
	assert.Equal(t, []midimsg.Message{on(40, 90)}, out)
}

func TestNonNoteOnMessagePassesThroughUnchanged(t *testing.T) {
	inst, err := New(plugin.Deps{})
	require.NoError(t, err)
	p := inst.(*Plugin)

	off := midimsg.Message{Status: 0x80, Data1: 22, Data2: 0}
	out, err := p.Process(context.Background(), off)
	require.NoError(t, err)
	assert.Equal(t, []midimsg.Message{off}, out)
}
