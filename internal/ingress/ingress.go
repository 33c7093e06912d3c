// Package ingress implements C3: reading raw MIDI from the transport,
// updating the shared histories, and handing work off to the
// dispatcher's queue.
package ingress

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/3hhh/xtalk/internal/corectx"
	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/transport"
)

// defaultQueueSize bounds the dispatch queue. The transport callback
// never blocks on a full queue (spec §5: "performs no work beyond
// enqueueing and mutating the two histories"); an overrun is logged
// and the event dropped rather than stalling the foreign driver
// thread.
const defaultQueueSize = 1024

// Ingress reads from a transport.In on the driver's own thread (spec
// §5) and pushes timestamped events onto a buffered channel the
// Dispatcher drains.
type Ingress struct {
	ctx   *corectx.Context
	in    transport.In
	queue chan midimsg.TimestampedEvent
}

// New builds an Ingress reading from in, sharing ctx's histories.
func New(ctx *corectx.Context, in transport.In) *Ingress {
	return &Ingress{
		ctx:   ctx,
		in:    in,
		queue: make(chan midimsg.TimestampedEvent, defaultQueueSize),
	}
}

// Queue is the channel the Dispatcher drains events from.
func (g *Ingress) Queue() <-chan midimsg.TimestampedEvent {
	return g.queue
}

// Start opens the port and registers the listen callback. The
// returned stop func closes down the listener; it must be called
// before the port itself is closed.
func (g *Ingress) Start() (stop func(), err error) {
	if err := g.in.Open(); err != nil {
		return nil, fmt.Errorf("ingress: open input: %w", err)
	}
	stopFn, err := g.in.Listen(g.handle, drivers.ListenConfig{})
	if err != nil {
		return nil, fmt.Errorf("ingress: listen: %w", err)
	}
	return stopFn, nil
}

// handle runs on the transport driver's own thread (spec §5). It must
// not block: history updates are synchronous map/slice mutations
// behind a short-held mutex, and the queue push is non-blocking.
func (g *Ingress) handle(raw []byte, deltaMS int32) {
	if len(raw) == 0 {
		return
	}
	msg := midimsg.New(raw)

	// Insertion into HISTORY/DISABLED happens before the event is
	// queued, so any event that arrived strictly before a later
	// note-on decision is already visible to FilterPolicy.Blocks by
	// the time the dispatcher gets to it (spec §5 "Ordering").
	switch {
	case msg.IsNoteOn(false):
		g.ctx.History.Add(msg)
		g.ctx.Log.Debug().Str("component", "ingress").Bytes("msg", msg.Bytes()).Msg("note on")
	case msg.IsDisable(g.ctx.Args.DisableKind):
		g.ctx.Disabled.Add(msg)
		g.ctx.Log.Debug().Str("component", "ingress").Bytes("msg", msg.Bytes()).Msg("note disable")
	}

	select {
	case g.queue <- midimsg.TimestampedEvent{Msg: msg, DeltaMS: int64(deltaMS)}:
	default:
		g.ctx.Log.Warn().Str("component", "ingress").Msg("dispatch queue full, dropping event")
	}
}
