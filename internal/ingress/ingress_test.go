package ingress

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/3hhh/xtalk/internal/corectx"
	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/policy"
)

type fakeIn struct {
	opened bool
	cb     func(msg []byte, deltaMS int32)
}

func (f *fakeIn) String() string { return "fake-in" }
func (f *fakeIn) Open() error    { f.opened = true; return nil }
func (f *fakeIn) Close() error   { return nil }
func (f *fakeIn) Listen(cb func(msg []byte, deltaMS int32), cfg drivers.ListenConfig) (func(), error) {
	f.cb = cb
	return func() {}, nil
}

func newTestContext(t *testing.T) *corectx.Context {
	t.Helper()
	pol, err := policy.Load("", policy.Defaults{})
	require.NoError(t, err)
	return corectx.New(corectx.Args{DisableKind: midimsg.DisableAftertouch}, pol, zerolog.Nop())
}

func on(note, velocity byte) midimsg.Message {
	return midimsg.Message{Status: 0x90, Data1: note, Data2: velocity}
}

func TestStartOpensPortAndRegistersListener(t *testing.T) {
	ctx := newTestContext(t)
	fi := &fakeIn{}
	g := New(ctx, fi)

	stop, err := g.Start()
	require.NoError(t, err)
	require.NotNil(t, stop)
	assert.True(t, fi.opened)
	assert.NotNil(t, fi.cb)
}

func TestHandleEnqueuesEventAndUpdatesHistory(t *testing.T) {
	ctx := newTestContext(t)
	fi := &fakeIn{}
	g := New(ctx, fi)

	_, err := g.Start()
	require.NoError(t, err)

	msg := on(40, 100)
	fi.cb(msg.Bytes(), 5)

	assert.True(t, ctx.History.HasSimilar(msg))

	select {
	case ev := <-g.Queue():
		assert.Equal(t, msg, ev.Msg)
		assert.Equal(t, int64(5), ev.DeltaMS)
	default:
		t.Fatal("expected an event on the queue")
	}
}

func TestHandleUpdatesDisabledStoreForMatchingKind(t *testing.T) {
	ctx := newTestContext(t)
	fi := &fakeIn{}
	g := New(ctx, fi)
	_, err := g.Start()
	require.NoError(t, err)

	aftertouch := midimsg.Message{Status: 0xA0, Data1: 40, Data2: 127}
	fi.cb(aftertouch.Bytes(), 0)

	assert.True(t, ctx.Disabled.HasSimilar(aftertouch))
}

func TestHandleIgnoresEmptyRaw(t *testing.T) {
	ctx := newTestContext(t)
	fi := &fakeIn{}
	g := New(ctx, fi)
	_, err := g.Start()
	require.NoError(t, err)

	fi.cb(nil, 0)

	select {
	case <-g.Queue():
		t.Fatal("an empty raw message must not be queued")
	default:
	}
}

func TestHandleDropsEventWhenQueueIsFull(t *testing.T) {
	ctx := newTestContext(t)
	fi := &fakeIn{}
	g := New(ctx, fi)
	_, err := g.Start()
	require.NoError(t, err)

	for i := 0; i < defaultQueueSize; i++ {
		fi.cb(on(byte(i%128), 10).Bytes(), 0)
	}
	assert.NotPanics(t, func() {
		fi.cb(on(1, 10).Bytes(), 0)
	}, "a full queue must drop the event rather than block or panic")
}
