// Package replace implements C8 (spec §4.8): static or dynamically
// toggled note-to-note rewriting, controllable both via trigger notes
// and an optional TCP control channel.
package replace

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/plugin"
)

func init() {
	plugin.Register("replace", New)
}

// rule is one declared replacement entry (spec §4.8).
type rule struct {
	ID      string
	From    map[byte]struct{}
	To      byte
	Enable  map[byte]struct{}
	Disable map[byte]struct{}
	Enabled bool
}

type rawRule struct {
	ID      any   `json:"id"`
	From    []int `json:"from"`
	To      int   `json:"to"`
	Enable  []int `json:"enable"`
	Disable []int `json:"disable"`
	Enabled bool  `json:"enabled"`
}

type rawConfig struct {
	Server  bool      `json:"server"`
	Port    int       `json:"port"`
	Address string    `json:"address"`
	Replace []rawRule `json:"replace"`
}

// Plugin implements C8.
type Plugin struct {
	log zerolog.Logger

	mu           sync.Mutex
	rules        []*rule
	replacements map[byte]byte  // currently active note -> note rewrite map
	triggers     map[byte][]int // trigger note -> indices into rules
	cmdIndex     int

	server *Server
}

// New constructs a replace Plugin and, if configured, its TCP control
// server (not yet listening; cmd/xtalk starts it via Lifecycle).
func New(d plugin.Deps) (plugin.Plugin, error) {
	var raw rawConfig
	if d.Config != nil {
		b, _ := json.Marshal(d.Config)
		_ = json.Unmarshal(b, &raw)
	}

	p := &Plugin{
		log:          d.Log,
		replacements: map[byte]byte{},
		triggers:     map[byte][]int{},
	}

	for i, rr := range raw.Replace {
		r := &rule{
			ID:      idString(rr.ID, i),
			From:    toSet(rr.From),
			To:      byte(rr.To),
			Enable:  toSet(rr.Enable),
			Disable: toSet(rr.Disable),
		}
		p.rules = append(p.rules, r)
		if rr.Enabled {
			p.enableLocked(r, true)
		}
		for n := range r.Enable {
			p.triggers[n] = append(p.triggers[n], i)
		}
		for n := range r.Disable {
			if _, inEnable := r.Enable[n]; inEnable {
				continue
			}
			p.triggers[n] = append(p.triggers[n], i)
		}
	}

	if raw.Server {
		addr := raw.Address
		if addr == "" {
			addr = "localhost"
		}
		port := raw.Port
		if port == 0 {
			port = 1560
		}
		p.server = NewServer(addr, port, p, d.Log)
	}

	return p, nil
}

func idString(v any, index int) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.Itoa(int(t))
	default:
		return strconv.Itoa(index)
	}
}

func toSet(vals []int) map[byte]struct{} {
	out := map[byte]struct{}{}
	for _, v := range vals {
		if v >= 0 && v <= 255 {
			out[byte(v)] = struct{}{}
		}
	}
	return out
}

// enableLocked activates r's rewrites. Caller must hold p.mu (or, for
// construction-time calls, run before the plugin is visible to other
// goroutines).
func (p *Plugin) enableLocked(r *rule, force bool) {
	if !force && r.Enabled {
		return
	}
	for n := range r.From {
		p.replacements[n] = r.To
	}
	r.Enabled = true
}

func (p *Plugin) disableLocked(r *rule) {
	if !r.Enabled {
		return
	}
	for n := range r.From {
		delete(p.replacements, n)
	}
	r.Enabled = false
}

func (p *Plugin) toggleLocked(r *rule) {
	if r.Enabled {
		p.disableLocked(r)
	} else {
		p.enableLocked(r, false)
	}
}

// Enable is the TCP/trigger entry point for the "enable" command.
func (p *Plugin) Enable(r *rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enableLocked(r, false)
}

// Disable is the TCP/trigger entry point for the "disable" command.
func (p *Plugin) Disable(r *rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableLocked(r)
}

// Toggle is the TCP/trigger entry point for the "toggle" command.
func (p *Plugin) Toggle(r *rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toggleLocked(r)
}

// Unique disables every rule and force-enables r (the "unique" command).
func (p *Plugin) Unique(r *rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, other := range p.rules {
		p.disableLocked(other)
	}
	p.enableLocked(r, true)
}

// FindByID returns the rule with the given declared ID, if any.
func (p *Plugin) FindByID(id string) *rule {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.rules {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// FindNext/FindPrevious implement the round-robin cmd_index walk used
// by the "next"/"previous" command targets.
func (p *Plugin) FindNext() *rule {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rules) == 0 {
		return nil
	}
	p.cmdIndex = (p.cmdIndex + 1) % len(p.rules)
	return p.rules[p.cmdIndex]
}

func (p *Plugin) FindPrevious() *rule {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rules) == 0 {
		return nil
	}
	p.cmdIndex = (p.cmdIndex - 1 + len(p.rules)) % len(p.rules)
	return p.rules[p.cmdIndex]
}

// Process implements spec §4.8: trigger handling for note-ons, then
// the symmetric note-on/note-off/aftertouch rewrite.
func (p *Plugin) Process(ctx context.Context, msg midimsg.Message) ([]midimsg.Message, error) {
	if !msg.IsNote() {
		return []midimsg.Message{msg}, nil
	}
	note := msg.Data1

	if msg.IsNoteOn(false) {
		p.mu.Lock()
		indices := append([]int{}, p.triggers[note]...)
		p.mu.Unlock()
		for _, idx := range indices {
			r := p.rules[idx]
			_, inEnable := r.Enable[note]
			_, inDisable := r.Disable[note]
			switch {
			case inEnable && inDisable:
				p.Toggle(r)
			case inEnable:
				p.Enable(r)
			default:
				p.Disable(r)
			}
		}
	}

	p.mu.Lock()
	to, ok := p.replacements[note]
	p.mu.Unlock()
	if !ok {
		return []midimsg.Message{msg}, nil
	}

	out := msg
	out.Data1 = to
	if out.Data1 != msg.Data1 {
		p.log.Debug().Uint8("from", msg.Data1).Uint8("to", out.Data1).Msg("replaced")
	}
	return []midimsg.Message{out}, nil
}

// Start launches the TCP control server, if configured (spec §4.8's
// "Alternatively the user can employ a TCP API").
func (p *Plugin) Start(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Start()
}

// Stop shuts down the TCP control server, if running.
func (p *Plugin) Stop(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Stop()
}
