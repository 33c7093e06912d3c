package keyboard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/plugin"
)

func on(note, velocity byte) midimsg.Message {
	return midimsg.Message{Status: 0x90, Data1: note, Data2: velocity}
}

func off(note byte) midimsg.Message {
	return midimsg.Message{Status: 0x80, Data1: note, Data2: 0}
}

type fakeEmitter struct {
	mu       sync.Mutex
	pressed  [][]string
	released [][]string
}

func (f *fakeEmitter) Press(keys []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pressed = append(f.pressed, append([]string{}, keys...))
}

func (f *fakeEmitter) Release(keys []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, append([]string{}, keys...))
}

func (f *fakeEmitter) pressCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pressed)
}

func (f *fakeEmitter) lastPressed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pressed) == 0 {
		return nil
	}
	return f.pressed[len(f.pressed)-1]
}

func newKeyboard(t *testing.T, cfg map[string]any) (*Plugin, *fakeEmitter) {
	t.Helper()
	inst, err := New(plugin.Deps{Config: cfg})
	require.NoError(t, err)
	p := inst.(*Plugin)
	fe := &fakeEmitter{}
	p.SetEmitter(fe)
	return p, fe
}

func TestSingleComboMappingPressesImmediately(t *testing.T) {
	p, fe := newKeyboard(t, map[string]any{
		"mapping": map[string]any{"40": []any{[]any{"a"}}},
	})

	_, err := p.Process(context.Background(), on(40, 90))
	require.NoError(t, err)

	require.Equal(t, 1, fe.pressCount())
	assert.Equal(t, []string{"a"}, fe.lastPressed())
}

func TestMultiComboWaitsForRepeatTimeoutBeforeActing(t *testing.T) {
	p, fe := newKeyboard(t, map[string]any{
		"mapping":        map[string]any{"40": []any{[]any{"a"}, []any{"b"}}},
		"repeat-timeout": 20,
	})

	_, err := p.Process(context.Background(), on(40, 90))
	require.NoError(t, err)

	assert.Equal(t, 0, fe.pressCount(), "must not act before the repeat timeout elapses")

	assert.Eventually(t, func() bool {
		return fe.pressCount() == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a"}, fe.lastPressed())
}

func TestSecondQuickHitAdvancesToNextCombo(t *testing.T) {
	p, fe := newKeyboard(t, map[string]any{
		"mapping":        map[string]any{"40": []any{[]any{"a"}, []any{"b"}}},
		"repeat-timeout": 200,
	})

	_, err := p.Process(context.Background(), on(40, 90))
	require.NoError(t, err)
	_, err = p.Process(context.Background(), on(40, 90))
	require.NoError(t, err)

	// the second hit reaches the final combo and acts immediately,
	// cancelling the first hit's pending timer so "a" is never pressed.
	require.Equal(t, 1, fe.pressCount())
	assert.Equal(t, []string{"b"}, fe.lastPressed())

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, fe.pressCount(), "the cancelled first-hit timer must not fire later")
}

func TestNoteOffReleasesOnlyIfPressed(t *testing.T) {
	p, fe := newKeyboard(t, map[string]any{
		"mapping":        map[string]any{"40": []any{[]any{"a"}}},
		"repeat-timeout": 20,
	})

	_, err := p.Process(context.Background(), off(40))
	require.NoError(t, err)
	assert.Empty(t, fe.released, "releasing an unpressed note must be a no-op")

	_, err = p.Process(context.Background(), on(40, 90))
	require.NoError(t, err)
	_, err = p.Process(context.Background(), off(40))
	require.NoError(t, err)

	require.Len(t, fe.released, 1)
	assert.Equal(t, []string{"a"}, fe.released[0])
}

func TestUnmappedNotePassesThroughUnchanged(t *testing.T) {
	p, _ := newKeyboard(t, map[string]any{
		"mapping": map[string]any{"40": []any{[]any{"a"}}},
	})

	out, err := p.Process(context.Background(), on(41, 90))
	require.NoError(t, err)
	assert.Equal(t, []midimsg.Message{on(41, 90)}, out)
}

func TestPassTrueAlsoForwardsMappedNotes(t *testing.T) {
	p, _ := newKeyboard(t, map[string]any{
		"mapping": map[string]any{"40": []any{[]any{"a"}}},
		"pass":    true,
	})

	out, err := p.Process(context.Background(), on(40, 90))
	require.NoError(t, err)
	assert.Equal(t, []midimsg.Message{on(40, 90)}, out)
}

func TestPassDefaultsToFalseSuppressingMappedNotes(t *testing.T) {
	p, _ := newKeyboard(t, map[string]any{
		"mapping": map[string]any{"40": []any{[]any{"a"}}},
	})

	out, err := p.Process(context.Background(), on(40, 90))
	require.NoError(t, err)
	assert.Nil(t, out)
}
