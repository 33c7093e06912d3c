package choke

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/plugin"
)

func on(note, velocity byte) midimsg.Message {
	return midimsg.Message{Status: 0x90, Data1: note, Data2: velocity}
}

func newChoke(t *testing.T, cfg map[string]any) *Plugin {
	t.Helper()
	inst, err := New(plugin.Deps{Config: cfg, Log: zerolog.Nop()})
	require.NoError(t, err)
	return inst.(*Plugin)
}

func TestCymbalThenChokeEmitsAftertouchPair(t *testing.T) {
	p := newChoke(t, map[string]any{
		"choke": map[string]any{"42": []any{49}},
	})

	// regular cymbal hit on note 49, above the default cymbal_min (50)
	out, err := p.Process(context.Background(), on(49, 100))
	require.NoError(t, err)
	assert.Equal(t, []midimsg.Message{on(49, 100)}, out)

	// choke note 42 in the default [0,20] velocity band chokes note 49
	out, err = p.Process(context.Background(), on(42, 5))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, midimsg.Aftertouch, out[0].Kind())
	assert.Equal(t, byte(49), out[0].Data1)
	assert.Equal(t, byte(127), out[0].Data2)
	assert.Equal(t, byte(0), out[1].Data2)
}

func TestChokePairNeverEmittedTwice(t *testing.T) {
	p := newChoke(t, map[string]any{
		"choke": map[string]any{"42": []any{49}},
	})

	_, err := p.Process(context.Background(), on(49, 100))
	require.NoError(t, err)

	out1, err := p.Process(context.Background(), on(42, 5))
	require.NoError(t, err)
	assert.Len(t, out1, 2)

	// a second choke hit on the same cymbal must not re-emit the pair
	out2, err := p.Process(context.Background(), on(42, 5))
	require.NoError(t, err)
	assert.Empty(t, out2)
}

func TestChokeOutsideVelocityBandPassesThrough(t *testing.T) {
	p := newChoke(t, map[string]any{
		"choke": map[string]any{"42": []any{49}},
	})

	_, err := p.Process(context.Background(), on(49, 100))
	require.NoError(t, err)

	// velocity above choke_max (default 20): not a choke, passes as itself
	out, err := p.Process(context.Background(), on(42, 100))
	require.NoError(t, err)
	assert.Equal(t, []midimsg.Message{on(42, 100)}, out)
}

func TestUnknownNotePassesThroughUnchanged(t *testing.T) {
	p := newChoke(t, nil)
	out, err := p.Process(context.Background(), on(10, 50))
	require.NoError(t, err)
	assert.Equal(t, []midimsg.Message{on(10, 50)}, out)
}
