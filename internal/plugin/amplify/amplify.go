// Package amplify implements a linear velocity scaler supplemented
// from the original implementation's amplify plugin: notes not named
// in the spec's core modules, but fair game to carry over per the
// non-goals boundary ("features the distillation dropped").
package amplify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/plugin"
)

func init() {
	plugin.Register("amplify", New)
}

type factor struct {
	Multiply int `json:"multiply"`
	Add      int `json:"add"`
}

type rawConfig struct {
	Amplify map[string]factor `json:"amplify"`
}

// Plugin rescales note-on velocity as v_new = v_old*multiply/100 + add,
// clamped to the valid MIDI velocity range.
type Plugin struct {
	amplify map[byte]factor
}

// New constructs an amplify Plugin from its resolved configuration.
func New(d plugin.Deps) (plugin.Plugin, error) {
	var raw rawConfig
	if d.Config != nil {
		b, _ := json.Marshal(d.Config)
		_ = json.Unmarshal(b, &raw)
	}

	p := &Plugin{amplify: map[byte]factor{}}
	for noteStr, f := range raw.Amplify {
		var note int
		if _, err := fmt.Sscanf(noteStr, "%d", &note); err != nil || note < 0 || note > 255 {
			continue
		}
		if f.Multiply == 0 {
			f.Multiply = 100
		}
		p.amplify[byte(note)] = f
	}
	return p, nil
}

// Process rescales matching note-on velocities; every other message
// passes through unchanged.
func (p *Plugin) Process(ctx context.Context, msg midimsg.Message) ([]midimsg.Message, error) {
	if !msg.IsNoteOn(false) {
		return []midimsg.Message{msg}, nil
	}

	f, ok := p.amplify[msg.Data1]
	if !ok {
		return []midimsg.Message{msg}, nil
	}

	nvelo := int(msg.Data2)*f.Multiply/100 + f.Add
	if nvelo < 0 {
		nvelo = 0
	} else if nvelo > 127 {
		nvelo = 127
	}

	out := msg
	out.Data2 = byte(nvelo)
	return []midimsg.Message{out}, nil
}
