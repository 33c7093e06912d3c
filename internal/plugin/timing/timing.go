// Package timing implements C7 (spec §4.7): a reference-click timing
// checker with a delayed buffer and automatic calibration, matching
// incoming hits against a click track received on its own virtual
// MIDI ports.
package timing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/plugin"
	"github.com/3hhh/xtalk/internal/transport"
)

func init() {
	plugin.Register("timing", New)
}

type rawConfig struct {
	Control         []int `json:"control"`
	Client          *string `json:"client"`
	DelayMS         *int    `json:"delay"`
	PlayInterval    *int    `json:"play_interval"`
	AcceptRange     *int    `json:"accept_range"`
	MaxDiffMS       *int    `json:"max_diff"`
	ErrorEarly      *int    `json:"error_early"`
	ErrorLate       *int    `json:"error_late"`
	ErrorVelocity   *int    `json:"error_velocity"`
	Drop            *bool   `json:"drop"`
	CalibrationMS   *int    `json:"calibration"`
	AutoCalibration *bool   `json:"auto_calibration"`
}

// bufEntry is one reference-click note-on sitting in the delayed
// buffer (spec §3 "Timing buffer").
type bufEntry struct {
	TS  time.Time
	Msg midimsg.Message
}

// Plugin implements C7. It owns its own virtual input (the reference
// click source) and output (delayed click + error indicators), opened
// via the same transport.Registry the rest of xtalk uses.
type Plugin struct {
	log zerolog.Logger

	client          string
	delay           time.Duration
	playInterval    int
	acceptRange     int
	maxDiff         time.Duration // negative = unlimited
	errorEarly      byte
	errorLate       byte
	errorVelocity   int // negative = use the hit's own velocity
	drop            bool
	calibration     time.Duration
	autoCalibration bool

	control map[byte]struct{}

	registry *transport.Registry
	in       transport.In
	out      transport.Out
	pipelineDelayMS int64

	mu             sync.Mutex
	enabled        bool
	buffer         []bufEntry
	playIndex      int
	calib          time.Duration
	calibUpdateCnt int
}

// New constructs a timing Plugin. registry and pipelineDelayMS (the
// dispatcher's --delay, spec §4.7 step 1) are set afterwards by
// cmd/xtalk through Attach, since the timing plugin is the one
// component that opens transport ports outside of the core
// ingress/egress pair.
func New(d plugin.Deps) (plugin.Plugin, error) {
	var raw rawConfig
	if d.Config != nil {
		b, _ := json.Marshal(d.Config)
		_ = json.Unmarshal(b, &raw)
	}

	p := &Plugin{
		log:             d.Log,
		client:          stringOr(raw.Client, "time"),
		delay:           time.Duration(intOr(raw.DelayMS, 3000)) * time.Millisecond,
		playInterval:    intOr(raw.PlayInterval, 1),
		acceptRange:     intOr(raw.AcceptRange, 30),
		maxDiff:         time.Duration(intOr(raw.MaxDiffMS, 100)) * time.Millisecond,
		errorEarly:      byte(intOr(raw.ErrorEarly, 1)),
		errorLate:       byte(intOr(raw.ErrorLate, 2)),
		errorVelocity:   intOr(raw.ErrorVelocity, 127),
		drop:            boolOr(raw.Drop, false),
		calibration:     time.Duration(intOr(raw.CalibrationMS, 0)) * time.Millisecond,
		autoCalibration: boolOr(raw.AutoCalibration, true),
		control:         toSet(raw.Control),
		enabled:         true,
		playIndex:       -1,
	}
	return p, nil
}

func stringOr(v *string, def string) string {
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

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
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

// ClientName returns the MIDI client name cmd/xtalk should build this
// plugin's dedicated transport.Registry with, before calling Attach.
func (p *Plugin) ClientName() string {
	return p.client
}

// Attach wires the plugin to a transport registry built with the
// plugin's own client name (spec §6: the timing plugin listens for a
// reference click on its own virtual port pair, separate from the
// main input/output) and to the dispatcher's own delay setting, used
// as part of the round-trip correction in checkTime. cmd/xtalk calls
// this right after constructing the plugin and before Start.
func (p *Plugin) Attach(registry *transport.Registry, pipelineDelayMS int64) {
	p.registry = registry
	p.pipelineDelayMS = pipelineDelayMS
}

// Start opens the plugin's own virtual input/output pair under
// "<client>:input" / "<client>:output" (spec §6) and begins listening
// for reference click notes.
func (p *Plugin) Start(ctx context.Context) error {
	if p.registry == nil {
		return fmt.Errorf("timing: Attach must be called before Start")
	}

	in, err := p.registry.OpenIn("")
	if err != nil {
		return fmt.Errorf("timing: open virtual input: %w", err)
	}
	out, err := p.registry.OpenOut("")
	if err != nil {
		return fmt.Errorf("timing: open virtual output: %w", err)
	}
	p.in = in
	p.out = out

	if err := p.in.Open(); err != nil {
		return fmt.Errorf("timing: open input port: %w", err)
	}
	if err := p.out.Open(); err != nil {
		return fmt.Errorf("timing: open output port: %w", err)
	}

	if _, err := p.in.Listen(p.onClick, drivers.ListenConfig{}); err != nil {
		return fmt.Errorf("timing: listen on reference click: %w", err)
	}
	return nil
}

// Stop closes the plugin's own ports.
func (p *Plugin) Stop(ctx context.Context) error {
	if p.in != nil {
		_ = p.in.Close()
	}
	if p.out != nil {
		_ = p.out.Close()
	}
	return nil
}

// onClick runs on the driver's own thread for every reference click
// message (spec §4.7 "Click buffer"). Note-ons are buffered and
// scheduled for delayed re-emit + removal; anything else is forwarded
// unchanged after DELAY ms.
func (p *Plugin) onClick(raw []byte, deltaMS int32) {
	if len(raw) == 0 {
		return
	}
	msg := midimsg.New(raw)
	isOn := msg.IsNoteOn(false)

	if isOn {
		now := time.Now()
		p.mu.Lock()
		p.buffer = append(p.buffer, bufEntry{TS: now, Msg: msg})
		p.mu.Unlock()

		if p.playInterval > 0 {
			time.AfterFunc(p.delay, func() { p.maybeReemitOn(msg) })
		}
		time.AfterFunc(2*p.delay, func() { p.removeOldest() })
	} else {
		time.AfterFunc(p.delay, func() { _ = p.out.Send(msg.Bytes()) })
	}
}

func (p *Plugin) maybeReemitOn(msg midimsg.Message) {
	p.mu.Lock()
	p.playIndex = (p.playIndex + 1) % p.playInterval
	emit := p.playIndex == 0
	p.mu.Unlock()
	if emit {
		_ = p.out.Send(msg.Bytes())
	}
}

func (p *Plugin) removeOldest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) > 0 {
		p.buffer = p.buffer[1:]
	}
}

// neighborTime returns the timestamp of the closest (in time)
// neighbouring buffer entry to index, or the zero value if there is
// none (spec §4.7's get_neighbour_time).
func neighborTime(buffer []bufEntry, index int) (time.Time, bool) {
	var prev, next time.Time
	hasPrev, hasNext := false, false
	if index > 0 {
		prev, hasPrev = buffer[index-1].TS, true
	}
	if index+1 < len(buffer) {
		next, hasNext = buffer[index+1].TS, true
	}
	switch {
	case !hasPrev && !hasNext:
		return time.Time{}, false
	case hasPrev && !hasNext:
		return prev, true
	case !hasPrev && hasNext:
		return next, true
	}
	itime := buffer[index].TS
	pdiff := absDuration(prev.Sub(itime))
	ndiff := absDuration(next.Sub(itime))
	if pdiff < ndiff {
		return prev, true
	}
	return next, true
}

func closestIndex(buffer []bufEntry, ref time.Time) int {
	best := 0
	bestDiff := time.Duration(-1)
	for i, e := range buffer {
		diff := absDuration(e.TS.Sub(ref))
		if bestDiff < 0 || diff < bestDiff {
			bestDiff = diff
			best = i
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// checkTime implements spec §4.7 steps 1-5's arithmetic, returning
// whether the hit was in time and the signed difference (positive =
// late).
func (p *Plugin) checkTime(msg midimsg.Message) (bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	cref := now.Add(-(p.delay + time.Duration(p.pipelineDelayMS)*time.Millisecond + p.calibration)).Add(-p.calib)

	idx := closestIndex(p.buffer, cref)
	ntime, ok := neighborTime(p.buffer, idx)
	if !ok {
		p.log.Warn().Str("plugin", "timing").Msg("could not find a neighbour in the reference click; consider increasing delay")
		return true, 0
	}

	diff := cref.Sub(p.buffer[idx].TS)
	acceptable := time.Duration(float64(absDuration(p.buffer[idx].TS.Sub(ntime))) * float64(p.acceptRange) / 100)
	if p.maxDiff >= 0 && acceptable > p.maxDiff {
		acceptable = p.maxDiff
	}

	ok2 := absDuration(diff) <= acceptable
	if ok2 && p.autoCalibration && p.calibUpdateCnt < 100 {
		p.calib = (diff + time.Duration(p.calibUpdateCnt)*p.calib) / time.Duration(p.calibUpdateCnt+1)
		p.calibUpdateCnt++
	}
	return ok2, diff
}

func (p *Plugin) sendError(msg midimsg.Message, diff time.Duration) {
	velocity := p.errorVelocity
	if velocity < 0 || velocity > 127 {
		velocity = int(msg.Data2)
	}
	note := p.errorEarly
	if diff > 0 {
		note = p.errorLate
	}
	on := midimsg.Message{Status: 0x9F, Data1: note, Data2: byte(velocity)}
	off := midimsg.Message{Status: 0x8F, Data1: note, Data2: 0}
	_ = p.out.Send(on.Bytes())
	_ = p.out.Send(off.Bytes())
}

// Process implements spec §4.7's checking algorithm against incoming
// hits from the main pipeline.
func (p *Plugin) Process(ctx context.Context, msg midimsg.Message) ([]midimsg.Message, error) {
	if !msg.IsNoteOn(false) {
		return []midimsg.Message{msg}, nil
	}

	note := msg.Data1
	if _, isControl := p.control[note]; isControl {
		p.mu.Lock()
		p.enabled = !p.enabled
		p.mu.Unlock()
		return []midimsg.Message{msg}, nil
	}

	p.mu.Lock()
	enabled := p.enabled
	hasBuffer := len(p.buffer) > 0
	p.mu.Unlock()

	if enabled && hasBuffer {
		ok, diff := p.checkTime(msg)
		if !ok {
			p.sendError(msg, diff)
			if p.drop {
				return nil, nil
			}
		}
	}
	return []midimsg.Message{msg}, nil
}
