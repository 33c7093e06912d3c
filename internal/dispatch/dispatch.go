// Package dispatch implements C4: the single cooperative loop that
// drains the ingress queue with a bounded look-ahead delay, gates
// note-ons through the cross-talk policy, runs the plugin chain, and
// writes surviving messages to the MIDI output.
package dispatch

import (
	"context"
	"time"

	"github.com/3hhh/xtalk/internal/corectx"
	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/plugin"
	"github.com/3hhh/xtalk/internal/transport"
)

// Dispatcher owns the dispatch queue, the policy gate and the plugin
// chain (spec §4.4). It is the only writer of transport.Out; plugins
// invoking their send-bypass route through the same Dispatcher so
// MIDI-out writes stay serialized (spec §5 "Shared resources").
type Dispatcher struct {
	ctx   *corectx.Context
	queue <-chan midimsg.TimestampedEvent
	out   transport.Out
	chain *plugin.Chain

	beforeCache []midimsg.Message
}

// New builds a Dispatcher draining queue, writing to out, running
// chain for every surviving batch.
func New(ctx *corectx.Context, queue <-chan midimsg.TimestampedEvent, out transport.Out, chain *plugin.Chain) *Dispatcher {
	return &Dispatcher{ctx: ctx, queue: queue, out: out, chain: chain}
}

// Send is the plugin send-bypass primitive (spec §4.5): it writes
// directly to MIDI-out, skipping the remainder of the chain.
func (d *Dispatcher) Send(msg midimsg.Message) {
	if err := d.out.Send(msg.Bytes()); err != nil {
		d.ctx.Log.Error().Err(err).Str("component", "dispatch").Msg("send-bypass write failed")
	}
}

// Run drains the queue until ctx is cancelled or a plugin aborts. A
// non-nil, non-context.Canceled return indicates an abort that should
// trigger clean shutdown of the ports (spec §7).
func (d *Dispatcher) Run(ctx context.Context) error {
	delay := time.Duration(d.ctx.Args.DelayMS) * time.Millisecond
	history := time.Duration(d.ctx.Args.HistoryMS) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-d.queue:
			if !ok {
				return nil
			}
			if err := d.handle(ctx, evt, delay, history); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, evt midimsg.TimestampedEvent, delay, history time.Duration) error {
	msg := evt.Msg

	// Step 1: wait for clustered arrivals to settle.
	wait := time.Duration(evt.DeltaMS) * time.Millisecond
	if wait > delay {
		wait = delay
	}
	if wait > 0 {
		time.Sleep(wait)
	}

	// Step 2: classify and schedule cleanup.
	isDisable := msg.IsDisable(d.ctx.Args.DisableKind)
	isNoteOn := msg.IsNoteOn(false)

	if isDisable {
		time.AfterFunc(history, func() { d.ctx.Disabled.Remove(msg) })
	} else if isNoteOn {
		time.AfterFunc(history, func() { d.ctx.History.Remove(msg) })
	}

	// Step 3: gate.
	var batch []midimsg.Message
	switch {
	case isDisable:
		batch = []midimsg.Message{msg}

	case isNoteOn:
		blocked := d.ctx.Policy.Blocks(msg, d.ctx.History, d.ctx.Disabled)
		if blocked == nil {
			batch = append(append([]midimsg.Message{}, d.beforeCache...), msg)
			d.beforeCache = nil
			d.ctx.Log.Debug().Bytes("msg", msg.Bytes()).Msg("passed")
		} else {
			d.ctx.Log.Debug().Bytes("msg", msg.Bytes()).Msg("suppressed: cross-talk policy")
			d.beforeCache = nil
			return nil
		}

	case d.ctx.Args.Before && !msg.IsNoteMod():
		d.beforeCache = append(d.beforeCache, msg)
		return nil

	default:
		batch = []midimsg.Message{msg}
	}

	if len(batch) == 0 {
		return nil
	}

	// Step 4: plugin chain (batch is already a fresh slice, so
	// plugins mutating messages in place cannot alias the caches
	// above).
	out, err := d.chain.Process(ctx, batch)
	if err != nil {
		return err
	}

	// Step 5: emit.
	for _, m := range out {
		if err := d.out.Send(m.Bytes()); err != nil {
			d.ctx.Log.Error().Err(err).Bytes("msg", m.Bytes()).Msg("output write failed")
		}
	}
	return nil
}
