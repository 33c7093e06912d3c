// Package plugin implements C5, the plugin runtime: a registry of
// built-in plugin factories (the Go analogue of the original's
// dynamic-import-by-convention discovery, per the REDESIGN FLAG in
// spec §9), and the ordered Chain that threads messages through
// declared plugin instances.
package plugin

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/xerr"
)

// Plugin observes and/or transforms messages flowing through the
// chain (spec §4.5). Process is called once per incoming message,
// after the core policy gate, and returns 0..N outgoing messages.
type Plugin interface {
	Process(ctx context.Context, msg midimsg.Message) ([]midimsg.Message, error)
}

// Lifecycle is implemented by plugins with setup/teardown needs (the
// timing plugin opens its own ports; the replay plugin cancels its
// playback task). Plugins that don't need it simply don't implement
// it.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Deps are the capabilities every plugin factory receives: its
// resolved configuration, a send-bypass primitive (spec §4.5: "Access
// to a send(msg) primitive that injects directly to the MIDI output,
// bypassing the remainder of the chain"), and a logger pre-tagged with
// the plugin's name.
type Deps struct {
	Config map[string]any
	Send   func(midimsg.Message)
	Log    zerolog.Logger
	Debug  bool
}

// Factory constructs one independent, stateful plugin instance.
type Factory func(d Deps) (Plugin, error)

var registry = map[string]Factory{}

// Register adds a named factory to the built-in registry. Called from
// each plugin package's init().
func Register(name string, f Factory) {
	registry[name] = f
}

// Lookup returns the factory registered under name, or false.
func Lookup(name string) (Factory, bool) {
	f, ok := registry[name]
	return f, ok
}

// ConfigFor resolves one plugin instance's configuration out of the
// top-level plugin config document, keyed first by declaration index
// (as a string) then by plugin name (spec §4.5/§6).
func ConfigFor(raw map[string]any, index int, name string) map[string]any {
	if raw == nil {
		return nil
	}
	if v, ok := raw[fmt.Sprint(index)]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	if v, ok := raw[name]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// Instance is one declared, named position in the chain paired with
// its constructed Plugin.
type Instance struct {
	Name   string
	Plugin Plugin
}

// Chain is the ordered list of plugin instances messages flow through
// (spec §4.4 step 4, §4.5).
type Chain struct {
	instances []Instance
	log       zerolog.Logger
}

// NewChain builds a Chain from already-constructed instances.
func NewChain(log zerolog.Logger, instances []Instance) *Chain {
	return &Chain{instances: instances, log: log}
}

// Start calls Start on every instance implementing Lifecycle, in
// declared order.
func (c *Chain) Start(ctx context.Context) error {
	for _, inst := range c.instances {
		if lc, ok := inst.Plugin.(Lifecycle); ok {
			if err := lc.Start(ctx); err != nil {
				return fmt.Errorf("plugin %q: start: %w", inst.Name, err)
			}
		}
	}
	return nil
}

// Stop calls Stop on every instance implementing Lifecycle, in
// reverse declared order, collecting but not short-circuiting on
// individual failures.
func (c *Chain) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(c.instances) - 1; i >= 0; i-- {
		inst := c.instances[i]
		if lc, ok := inst.Plugin.(Lifecycle); ok {
			if err := lc.Stop(ctx); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("plugin %q: stop: %w", inst.Name, err)
			}
		}
	}
	return firstErr
}

// Process feeds batch through every plugin instance in order: each
// plugin's output becomes the next plugin's input (spec §4.4 step 4).
// An AbortError from any plugin stops processing and is returned
// as-is so the dispatcher can propagate it. Any other error is logged
// and that plugin contributes no output for the message that caused
// it (spec §4.5, §7); the rest of the batch for that plugin still
// runs.
func (c *Chain) Process(ctx context.Context, batch []midimsg.Message) ([]midimsg.Message, error) {
	current := batch
	for _, inst := range c.instances {
		var next []midimsg.Message
		for _, msg := range current {
			out, err := inst.Plugin.Process(ctx, msg)
			if err != nil {
				if xerr.IsAbort(err) {
					return nil, err
				}
				c.log.Error().Err(err).Str("plugin", inst.Name).Bytes("msg", msg.Bytes()).Msg("plugin process failed, dropping for this message")
				continue
			}
			next = append(next, out...)
		}
		current = next
	}
	return current, nil
}
