// Package example carries over the original implementation's small
// set of hardware-specific hotfixes, directly grounded in its example
// plugin: the accompanying documentation for third-party plugin
// authors, kept runnable here as a demonstration of the plugin
// interface.
package example

import (
	"context"

	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/plugin"
)

func init() {
	plugin.Register("example", New)
}

// Plugin applies two edrumulus-specific corrections.
type Plugin struct{}

// New constructs the example Plugin; it takes no configuration.
func New(d plugin.Deps) (plugin.Plugin, error) {
	return &Plugin{}, nil
}

// Process applies the hihat max-velocity reduction and the ride
// bell/edge disambiguation.
func (p *Plugin) Process(ctx context.Context, msg midimsg.Message) ([]midimsg.Message, error) {
	if !msg.IsNoteOn(false) {
		return []midimsg.Message{msg}, nil
	}

	out := msg

	// the hihat (note 22) always comes in at maximum velocity -> reduce it
	if out.Data1 == 22 && out.Data2 == 127 {
		out.Data2 = 50
	}

	// ride bell hits trigger a ride edge (59) note at low velocity;
	// switch that to ride bell (53)
	if out.Data1 == 59 && out.Data2 <= 80 {
		out.Data1 = 53
	}

	return []midimsg.Message{out}, nil
}
