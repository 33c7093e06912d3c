package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/xerr"
)

func on(note, velocity byte) midimsg.Message {
	return midimsg.Message{Status: 0x90, Data1: note, Data2: velocity}
}

type appendPlugin struct {
	mark byte
}

func (p *appendPlugin) Process(ctx context.Context, msg midimsg.Message) ([]midimsg.Message, error) {
	out := msg
	out.Data2 += p.mark
	return []midimsg.Message{out}, nil
}

type lifecyclePlugin struct {
	appendPlugin
	order *[]string
	name  string
}

func (p *lifecyclePlugin) Start(ctx context.Context) error {
	*p.order = append(*p.order, "start:"+p.name)
	return nil
}

func (p *lifecyclePlugin) Stop(ctx context.Context) error {
	*p.order = append(*p.order, "stop:"+p.name)
	return nil
}

type errorPlugin struct {
	err error
}

func (p *errorPlugin) Process(ctx context.Context, msg midimsg.Message) ([]midimsg.Message, error) {
	return nil, p.err
}

func TestChainProcessFeedsOutputOfOneIntoTheNext(t *testing.T) {
	c := NewChain(zerolog.Nop(), []Instance{
		{Name: "a", Plugin: &appendPlugin{mark: 1}},
		{Name: "b", Plugin: &appendPlugin{mark: 2}},
	})

	out, err := c.Process(context.Background(), []midimsg.Message{on(40, 10)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, byte(13), out[0].Data2)
}

func TestChainProcessDropsMessageOnNonAbortErrorButContinuesBatch(t *testing.T) {
	c := NewChain(zerolog.Nop(), []Instance{
		{Name: "flaky", Plugin: &errorPlugin{err: errors.New("boom")}},
	})

	out, err := c.Process(context.Background(), []midimsg.Message{on(40, 10), on(41, 20)})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestChainProcessPropagatesAbortError(t *testing.T) {
	c := NewChain(zerolog.Nop(), []Instance{
		{Name: "aborter", Plugin: &errorPlugin{err: xerr.Abort("stop everything")}},
	})

	_, err := c.Process(context.Background(), []midimsg.Message{on(40, 10)})
	assert.True(t, xerr.IsAbort(err))
}

func TestChainStartAndStopRunInDeclaredAndReverseOrder(t *testing.T) {
	var order []string
	c := NewChain(zerolog.Nop(), []Instance{
		{Name: "a", Plugin: &lifecyclePlugin{order: &order, name: "a"}},
		{Name: "b", Plugin: &lifecyclePlugin{order: &order, name: "b"}},
	})

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, []string{"start:a", "start:b"}, order)

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, order)
}

func TestRegisterAndLookup(t *testing.T) {
	Register("test-only-plugin", func(d Deps) (Plugin, error) {
		return &appendPlugin{mark: 0}, nil
	})

	f, ok := Lookup("test-only-plugin")
	require.True(t, ok)
	inst, err := f(Deps{})
	require.NoError(t, err)
	assert.NotNil(t, inst)

	_, ok = Lookup("does-not-exist")
	assert.False(t, ok)
}

func TestConfigForPrefersIndexThenName(t *testing.T) {
	raw := map[string]any{
		"0":      map[string]any{"from": "index"},
		"choke":  map[string]any{"from": "name"},
	}

	byIndex := ConfigFor(raw, 0, "choke")
	assert.Equal(t, "index", byIndex["from"])

	byName := ConfigFor(raw, 1, "choke")
	assert.Equal(t, "name", byName["from"])

	assert.Nil(t, ConfigFor(raw, 5, "nonexistent"))
	assert.Nil(t, ConfigFor(nil, 0, "choke"))
}
