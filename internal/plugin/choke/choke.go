// Package choke implements C9 (spec §4.9): detecting low-velocity
// "choke" notes that mute an earlier loud cymbal hit, rendered to the
// sampler as a polyphonic aftertouch pulse.
package choke

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/plugin"
)

func init() {
	plugin.Register("choke", New)
}

const (
	defaultChokeMin  = 0
	defaultChokeMax  = 20
	defaultChokeCnt  = 1
	defaultCymbalMin = 50
	defaultTimeoutMS = 3000
)

// rawConfig is the decoded plugin configuration. Each of the
// choke_min/choke_max/choke_cnt/cymbal_min per-note maps falls back to
// a "default" key (spec §4.9).
type rawConfig struct {
	Choke     map[string][]int `json:"choke"`
	ChokeMin  map[string]int   `json:"choke_min"`
	ChokeMax  map[string]int   `json:"choke_max"`
	ChokeCnt  map[string]int   `json:"choke_cnt"`
	CymbalMin map[string]int   `json:"cymbal_min"`
	TimeoutMS int64            `json:"timeout"`
	// StrictTimeout opts into the |now-last| > timeout comparison
	// instead of preserving the original's unreachable
	// last-now > timeout branch (spec §9 Open Question).
	StrictTimeout bool `json:"strict_timeout"`
}

// Plugin implements C9.
type Plugin struct {
	log zerolog.Logger

	choke     map[byte][]byte
	chokeMin  map[byte]int
	chokeMax  map[byte]int
	chokeCnt  map[byte]int
	cymbalMin map[byte]int
	timeout   time.Duration
	strict    bool

	notes map[byte]struct{} // union of all choke destination sets

	last        *midimsg.Message
	lastTS      time.Time
	lastChoked  bool
	chokeCount  int
}

// New constructs a choke Plugin from its resolved configuration.
func New(d plugin.Deps) (plugin.Plugin, error) {
	var raw rawConfig
	if d.Config != nil {
		b, _ := json.Marshal(d.Config)
		_ = json.Unmarshal(b, &raw)
	}

	p := &Plugin{
		log:       d.Log,
		choke:     map[byte][]byte{},
		chokeMin:  toByteIntMap(raw.ChokeMin),
		chokeMax:  toByteIntMap(raw.ChokeMax),
		chokeCnt:  toByteIntMap(raw.ChokeCnt),
		cymbalMin: toByteIntMap(raw.CymbalMin),
		timeout:   time.Duration(raw.TimeoutMS) * time.Millisecond,
		strict:    raw.StrictTimeout,
		notes:     map[byte]struct{}{},
	}
	if raw.TimeoutMS == 0 {
		p.timeout = defaultTimeoutMS * time.Millisecond
	}

	for noteStr, targets := range raw.Choke {
		note, ok := parseNote(noteStr)
		if !ok {
			continue
		}
		var bytes []byte
		for _, t := range targets {
			if t >= 0 && t <= 255 {
				bytes = append(bytes, byte(t))
				p.notes[byte(t)] = struct{}{}
			}
		}
		p.choke[note] = bytes
	}

	return p, nil
}

func parseNote(s string) (byte, bool) {
	if s == "default" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 255 {
		return 0, false
	}
	return byte(n), true
}

func toByteIntMap(m map[string]int) map[byte]int {
	out := map[byte]int{}
	for k, v := range m {
		if k == "default" {
			out[defaultKey] = v
			continue
		}
		n, err := strconv.Atoi(k)
		if err == nil && n >= 0 && n <= 255 {
			out[byte(n)] = v
		}
	}
	return out
}

// defaultKey is an out-of-range sentinel byte value used to store the
// "default" fallback entry of a per-note config map.
const defaultKey = 255

func lookup(m map[byte]int, note byte, fallback int) int {
	if v, ok := m[note]; ok {
		return v
	}
	if v, ok := m[defaultKey]; ok {
		return v
	}
	return fallback
}

func (p *Plugin) clear() {
	p.last = nil
	p.lastTS = time.Time{}
	p.chokeCount = 0
	p.lastChoked = false
}

// Process implements spec §4.9's per-note-on algorithm.
func (p *Plugin) Process(ctx context.Context, msg midimsg.Message) ([]midimsg.Message, error) {
	if !msg.IsNoteOn(false) {
		return []midimsg.Message{msg}, nil
	}

	note := msg.Data1
	velocity := msg.Data2
	now := time.Now()

	if p.last != nil && !p.lastTS.IsZero() {
		var timedOut bool
		if p.strict {
			timedOut = absDuration(now.Sub(p.lastTS)) > p.timeout
		} else {
			// Preserves the original's surface behaviour: this
			// comparison is only ever true if lastTS is in the
			// future relative to now, which never happens in
			// practice, so this branch is effectively unreachable
			// (spec §9 Open Question).
			timedOut = p.lastTS.Sub(now) > p.timeout
		}
		if timedOut {
			p.log.Debug().Str("plugin", "choke").Msg("choke timeout reached")
			p.clear()
		}
	}

	chokeMin := lookup(p.chokeMin, note, defaultChokeMin)
	chokeMax := lookup(p.chokeMax, note, defaultChokeMax)
	chokeCnt := lookup(p.chokeCnt, note, defaultChokeCnt)
	cymbalMin := lookup(p.cymbalMin, note, defaultCymbalMin)

	if p.last != nil {
		targets := p.choke[note]
		if int(velocity) >= chokeMin && int(velocity) <= chokeMax && contains(targets, p.last.Data1) {
			p.log.Debug().Bytes("msg", msg.Bytes()).Msg("choke note")
			p.chokeCount++
			var out []midimsg.Message
			if p.chokeCount >= chokeCnt && !p.lastChoked {
				out = p.createChoke(*p.last)
				p.lastChoked = true
			}
			// the choke indicator itself is always suppressed
			return out, nil
		}
	}

	if _, isCymbal := p.notes[note]; isCymbal {
		p.clear()
		if int(velocity) >= cymbalMin {
			p.log.Debug().Bytes("msg", msg.Bytes()).Msg("regular cymbal hit")
			m := msg
			p.last = &m
			p.lastTS = now
			p.lastChoked = false
		}
	}

	return []midimsg.Message{msg}, nil
}

func (p *Plugin) createChoke(last midimsg.Message) []midimsg.Message {
	ch := last.Channel()
	return []midimsg.Message{
		{Status: midimsg.Aftertouch | ch, Data1: last.Data1, Data2: 127},
		{Status: midimsg.Aftertouch | ch, Data1: last.Data1, Data2: 0},
	}
}

func contains(haystack []byte, v byte) bool {
	for _, h := range haystack {
		if h == v {
			return true
		}
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
