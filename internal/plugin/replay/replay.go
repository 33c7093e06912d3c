// Package replay implements C6 (spec §4.6): a MIDI looper with
// record/play toggles and precise inter-event sleep, the "send"
// side-channel being how played-back notes reach MIDI-out bypassing
// the rest of the chain.
package replay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/plugin"
)

func init() {
	plugin.Register("replay", New)
}

type rawConfig struct {
	Record          []int `json:"record"`
	Play            []int `json:"play"`
	Pass            *bool `json:"pass"`
	Loop            *bool `json:"loop"`
	PlayStopsRecord *bool `json:"play_stops_record"`
}

// cacheEntry is one recorded (message, gap) pair. A nil Msg is the
// sentinel appended on record-stop to encode the loop-tail gap (spec
// §3 "Replay cache").
type cacheEntry struct {
	Msg   *midimsg.Message
	GapMS int64
}

// Plugin implements C6.
type Plugin struct {
	log  zerolog.Logger
	send func(midimsg.Message)

	record          map[byte]struct{}
	play            map[byte]struct{}
	pass            bool
	loop            bool
	playStopsRecord bool

	mu            sync.Mutex
	recording     bool
	ignore        bool
	cache         []cacheEntry
	cacheLastTS   time.Time
	hasCacheLast  bool
	playCancel    context.CancelFunc
	playDone      chan struct{}
}

// New constructs a replay Plugin. Per the REDESIGN FLAG in spec §9,
// "loop" is read from its own config key instead of being shadowed by
// "pass" the way the original Python implementation reads it.
func New(d plugin.Deps) (plugin.Plugin, error) {
	var raw rawConfig
	if d.Config != nil {
		b, _ := json.Marshal(d.Config)
		_ = json.Unmarshal(b, &raw)
	}

	p := &Plugin{
		log:             d.Log,
		send:            d.Send,
		record:          toSet(raw.Record),
		play:            toSet(raw.Play),
		pass:            boolOr(raw.Pass, true),
		loop:            boolOr(raw.Loop, true),
		playStopsRecord: boolOr(raw.PlayStopsRecord, true),
	}
	return p, nil
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

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func (p *Plugin) isPlaying() bool {
	return p.playCancel != nil
}

// stop cancels the in-flight playback task and waits for it to exit
// before clearing state (spec §4.6 / §5 cancellation rule: "await
// before clearing"). Must be called with p.mu held.
func (p *Plugin) stop() {
	if p.playCancel == nil {
		return
	}
	p.log.Debug().Str("plugin", "replay").Msg("stopping playback")
	cancel := p.playCancel
	done := p.playDone
	p.playCancel = nil
	p.playDone = nil
	p.mu.Unlock()
	cancel()
	<-done
	p.mu.Lock()
}

func (p *Plugin) clearCache() {
	p.cache = nil
	p.hasCacheLast = false
}

func (p *Plugin) addToCache(msg *midimsg.Message) {
	now := time.Now()
	var gap int64
	if p.hasCacheLast {
		gap = now.Sub(p.cacheLastTS).Milliseconds()
	}
	p.cache = append(p.cache, cacheEntry{Msg: msg, GapMS: gap})
	p.cacheLastTS = now
	p.hasCacheLast = true
}

func (p *Plugin) togglePlay() {
	if p.isPlaying() {
		p.stop()
		return
	}
	p.log.Debug().Str("plugin", "replay").Msg("playing the cache")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.playCancel = cancel
	p.playDone = done
	cache := append([]cacheEntry{}, p.cache...)
	loop := p.loop
	go p.play(ctx, done, cache, loop)
}

func (p *Plugin) play(ctx context.Context, done chan struct{}, cache []cacheEntry, loop bool) {
	defer close(done)
	defer p.finishPlaying(done)
	for {
		if len(cache) == 0 {
			return
		}
		for _, entry := range cache {
			if entry.GapMS > 1 {
				t := time.NewTimer(time.Duration(entry.GapMS) * time.Millisecond)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			} else {
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
			if entry.Msg != nil {
				p.send(*entry.Msg)
			}
		}
		if !loop {
			return
		}
	}
}

// finishPlaying clears the playback handles once a non-looping (or
// empty-cache) playback run ends on its own, so a later press of the
// play note starts a fresh run instead of being mistaken for a
// still-playing one that needs stopping. A no-op if stop() already
// claimed the handles (cancellation race).
func (p *Plugin) finishPlaying(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playDone == done {
		p.playCancel = nil
		p.playDone = nil
	}
}

// Process implements spec §4.6.
func (p *Plugin) Process(ctx context.Context, msg midimsg.Message) ([]midimsg.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.IsNoteOn(false) {
		note := msg.Data1
		switch {
		case isIn(p.record, note):
			p.recording = !p.recording
			if p.recording {
				p.stop()
				p.clearCache()
				p.ignore = true
			} else if len(p.cache) > 0 {
				p.addToCache(nil)
			}
		case isIn(p.play, note):
			if p.playStopsRecord {
				p.recording = false
			}
			p.togglePlay()
		default:
			p.ignore = false
		}
	}

	if p.recording && !p.ignore {
		m := msg
		p.addToCache(&m)
	}

	if p.pass {
		return []midimsg.Message{msg}, nil
	}
	return nil, nil
}

// Start is a no-op; together with Stop it makes the plugin a
// plugin.Lifecycle, so the chain calls Stop on pipeline shutdown.
func (p *Plugin) Start(ctx context.Context) error {
	return nil
}

// Stop tears down any in-flight playback task on pipeline shutdown.
func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
	return nil
}

func isIn(set map[byte]struct{}, v byte) bool {
	_, ok := set[v]
	return ok
}
