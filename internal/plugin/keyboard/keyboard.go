// Package keyboard implements a plugin that turns MIDI notes into
// emulated PC keyboard strokes, including a repeat-timeout scheme so
// several quick hits on the same pad can map to a different key combo
// than a single hit. Supplemented from the original implementation's
// keyboard plugin (a feature the distillation dropped).
//
// The original drives an OS keyboard via pynput/X11 key injection.
// That has no portable cgo-free Go equivalent available in this
// build, so Emitter is an interface: production wiring would plug in
// a platform-specific key-injection library, while the default
// emitter used here logs the keystrokes it would send, keeping the
// plugin's buffering/debounce logic (the actual subject of this
// module) fully exercised and testable.
package keyboard

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/plugin"
)

func init() {
	plugin.Register("keyboard", New)
}

// Emitter presses and releases a combination of keys. Keys are opaque
// strings: single characters or named keys such as "left" or "f1".
type Emitter interface {
	Press(keys []string)
	Release(keys []string)
}

// logEmitter is the dependency-free fallback Emitter: it records
// what would have been pressed/released instead of touching any OS
// input device.
type logEmitter struct {
	log zerolog.Logger
}

func (e logEmitter) Press(keys []string) {
	e.log.Info().Str("plugin", "keyboard").Strs("keys", keys).Msg("press")
}

func (e logEmitter) Release(keys []string) {
	e.log.Info().Str("plugin", "keyboard").Strs("keys", keys).Msg("release")
}

type rawConfig struct {
	Pass          *bool                `json:"pass"`
	RepeatTimeout *int                 `json:"repeat-timeout"`
	DelayMS       *int                 `json:"delay"`
	Mapping       map[string][][]string `json:"mapping"`
}

type dkey struct {
	note byte
	on   bool
}

type pending struct {
	count int
	timer *time.Timer
}

// Plugin implements the note-to-keystroke translation.
type Plugin struct {
	log zerolog.Logger
	kb  Emitter

	pass          bool
	repeatTimeout time.Duration
	delay         time.Duration
	mapping       map[byte][][]string

	mu      sync.Mutex
	hbuf    map[dkey]*pending
	pressed map[byte]bool
}

// New constructs a keyboard Plugin. d.Log is used both for plugin
// diagnostics and, absent a real Emitter, as the key-event sink.
func New(d plugin.Deps) (plugin.Plugin, error) {
	var raw rawConfig
	if d.Config != nil {
		b, _ := json.Marshal(d.Config)
		_ = json.Unmarshal(b, &raw)
	}

	p := &Plugin{
		log:           d.Log,
		kb:            logEmitter{log: d.Log},
		pass:          boolOr(raw.Pass, false),
		repeatTimeout: time.Duration(intOr(raw.RepeatTimeout, 250)) * time.Millisecond,
		delay:         time.Duration(intOr(raw.DelayMS, 0)) * time.Millisecond,
		mapping:       map[byte][][]string{},
		hbuf:          map[dkey]*pending{},
		pressed:       map[byte]bool{},
	}

	for noteStr, combos := range raw.Mapping {
		n, err := strconv.Atoi(noteStr)
		if err != nil || n < 0 || n > 127 {
			continue
		}
		p.mapping[byte(n)] = combos
	}
	return p, nil
}

// SetEmitter overrides the default logging Emitter, e.g. with a
// platform-specific key-injection implementation wired in by the
// caller.
func (p *Plugin) SetEmitter(e Emitter) {
	p.kb = e
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// Process implements the note-on/note-off to key-down/key-up
// translation, including the count-based repeat disambiguation.
func (p *Plugin) Process(ctx context.Context, msg midimsg.Message) ([]midimsg.Message, error) {
	if !msg.IsNote() {
		return []midimsg.Message{msg}, nil
	}

	note := msg.Data1
	if _, ok := p.mapping[note]; !ok {
		return []midimsg.Message{msg}, nil
	}

	if msg.IsNoteOn(false) {
		p.handleNote(note, true)
	} else if msg.IsNoteOff(false) {
		p.handleNote(note, false)
	}

	if p.pass {
		return []midimsg.Message{msg}, nil
	}
	return nil, nil
}

// handleNote implements the original's buffering algorithm: if more
// key-stroke variants remain for this (note, on) pair, wait
// repeatTimeout for another hit that would advance the count further;
// otherwise act immediately.
func (p *Plugin) handleNote(note byte, on bool) {
	p.mu.Lock()
	key := dkey{note: note, on: on}
	combos := p.mapping[note]

	count := 1
	if prev, ok := p.hbuf[key]; ok {
		count = prev.count + 1
		prev.timer.Stop()
		delete(p.hbuf, key)
	}

	if count > len(combos) {
		p.mu.Unlock()
		return
	}
	keys := combos[count-1]

	if count >= len(combos) {
		p.mu.Unlock()
		p.pressKeys(note, on, keys)
		return
	}

	timer := time.AfterFunc(p.repeatTimeout, func() {
		p.mu.Lock()
		delete(p.hbuf, key)
		p.mu.Unlock()
		p.pressKeys(note, on, keys)
	})
	p.hbuf[key] = &pending{count: count, timer: timer}
	p.mu.Unlock()
}

func (p *Plugin) pressKeys(note byte, on bool, keys []string) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if on {
		p.pressed[note] = true
		p.kb.Press(keys)
	} else if p.pressed[note] {
		p.pressed[note] = false
		p.kb.Release(keys)
	}
}
