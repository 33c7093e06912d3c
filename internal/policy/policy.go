// Package policy implements the velocity-history cross-talk policy
// engine (spec §4.2, C2): loading rule files/directories into a policy
// table and evaluating incoming note-ons against the histories.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3hhh/xtalk/internal/history"
	"github.com/3hhh/xtalk/internal/midimsg"
)

// Rule is one entry in a per-note ordered policy list (spec §3
// "Policy rule").
type Rule struct {
	// Notes this rule applies to; nil/empty means "all notes" when the
	// rule is registered (resolved at load time, not stored as such).
	Notes []byte `json:"notes,omitempty"`
	// Cause notes whose recent presence signals possible cross-talk.
	Cause []byte `json:"cause,omitempty"`
	// Threshold is a fraction in [0,1]: the minimum ratio of this
	// note's velocity to the maximum recent cause-note velocity.
	Threshold float64 `json:"-"`
	// Minimum velocity (0..127) below which the note is always
	// blocked.
	Minimum byte `json:"-"`
	// CheckDisable: whether a recent disable event on the same note
	// blocks this note.
	CheckDisable bool `json:"check_disable,omitempty"`
	// MultiDisable: if true a single disable event remains effective
	// for the whole window; if false each block consumes one event.
	MultiDisable bool `json:"multi_disable,omitempty"`
	// OnlySelf: if true the threshold check only considers the
	// incoming note, not its history siblings.
	OnlySelf bool `json:"only_self,omitempty"`
}

// rawRule is the on-disk JSON shape; Threshold/Minimum are ints there
// (percent / raw velocity) and need CLI-default fallback handling,
// which is why Rule keeps its own validated float64/byte fields.
type rawRule struct {
	Notes        []int `json:"notes"`
	Cause        []int `json:"cause"`
	Threshold    *int  `json:"threshold"`
	Minimum      *int  `json:"minimum"`
	CheckDisable bool  `json:"check_disable"`
	MultiDisable *bool `json:"multi_disable"`
	OnlySelf     bool  `json:"only_self"`
}

// Defaults carries the CLI-supplied fallback values (spec §6:
// -t/--threshold, -m/--minimum) used whenever a policy rule omits or
// invalidates a numeric field.
type Defaults struct {
	ThresholdPercent int // 0..100
	Minimum          int // 0..127
}

// Table maps a note to its ordered list of rules, terminated by the
// always-present CLI default rule.
type Table struct {
	rules map[byte][]Rule
}

// toByteSet renders a (possibly empty) int slice from JSON into a
// deduplicated byte slice restricted to 0..127. An empty input
// resolves to "all notes" by the caller, not here.
func toByteSet(vals []int) []byte {
	out := make([]byte, 0, len(vals))
	var seen [128]bool
	for _, v := range vals {
		if v >= 0 && v <= 127 && !seen[v] {
			seen[v] = true
			out = append(out, byte(v))
		}
	}
	return out
}

func allNotes() []byte {
	out := make([]byte, 128)
	for i := range out {
		out[i] = byte(i)
	}
	return out
}

// boolOr returns *v if v is non-nil, otherwise def. multi_disable
// defaults to true when omitted (xtalk.py:127), matching the
// threshold/minimum *int fallback pattern above.
func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

// toRule converts a decoded rawRule into a validated Rule, applying
// the CLI-default fallback for out-of-range or missing numeric
// fields (spec §4.2/§6).
func toRule(raw rawRule, def Defaults) Rule {
	r := Rule{
		CheckDisable: raw.CheckDisable,
		MultiDisable: boolOr(raw.MultiDisable, true),
		OnlySelf:     raw.OnlySelf,
	}

	if len(raw.Notes) == 0 {
		r.Notes = allNotes()
	} else {
		r.Notes = toByteSet(raw.Notes)
	}

	// Empty cause + non-zero threshold = all notes; empty cause +
	// zero threshold = ignore the cross-talk check entirely (spec §3).
	threshold := def.ThresholdPercent
	if raw.Threshold != nil && *raw.Threshold >= 0 && *raw.Threshold <= 100 {
		threshold = *raw.Threshold
	}
	r.Threshold = float64(threshold) / 100

	if len(raw.Cause) == 0 {
		if threshold == 0 {
			r.Cause = nil
		} else {
			r.Cause = allNotes()
		}
	} else {
		r.Cause = toByteSet(raw.Cause)
	}

	minimum := def.Minimum
	if raw.Minimum != nil && *raw.Minimum >= 0 && *raw.Minimum <= 127 {
		minimum = *raw.Minimum
	}
	r.Minimum = byte(minimum)

	return r
}

// Load builds a Table from path, which may be empty (CLI defaults
// only), a single JSON file (object or array of objects), or a
// directory scanned for *.json files in ascending filename order
// (spec §4.2: "determinism matters").
func Load(path string, def Defaults) (*Table, error) {
	t := &Table{rules: make(map[byte][]Rule)}

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("policy: stat %q: %w", path, err)
		}

		if info.IsDir() {
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, fmt.Errorf("policy: read dir %q: %w", path, err)
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
					names = append(names, e.Name())
				}
			}
			sort.Strings(names)
			for _, name := range names {
				if err := t.loadFile(filepath.Join(path, name), def); err != nil {
					return nil, err
				}
			}
		} else {
			if err := t.loadFile(path, def); err != nil {
				return nil, err
			}
		}
	}

	// append the CLI default rule to every note, always
	cliRule := toRule(rawRule{}, def)
	for note := 0; note < 128; note++ {
		n := byte(note)
		t.rules[n] = append(t.rules[n], cliRule)
	}

	return t, nil
}

func (t *Table) loadFile(path string, def Defaults) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("policy: read %q: %w", path, err)
	}

	var list []rawRule
	if err := json.Unmarshal(data, &list); err != nil {
		// not an array: try a single object
		var single rawRule
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return fmt.Errorf("policy: parse %q: %w", path, err)
		}
		list = []rawRule{single}
	}

	for _, raw := range list {
		rule := toRule(raw, def)
		for _, note := range rule.Notes {
			t.rules[note] = append(t.rules[note], rule)
		}
	}
	return nil
}

// Blocks evaluates msg (which must be a note-on) against the table's
// rules for msg.Data1, in order, against hist/disabled. It returns the
// first blocking rule, or nil if the note is allowed. See spec §4.2
// for the exact algorithm; in particular the "disabled" lookup always
// runs, even for a rule that ultimately allows the note, so that
// multi_disable=false consumes exactly one disable event per
// evaluation.
func Blocks(rules []Rule, msg midimsg.Message, hist, disabled *history.Store) *Rule {
	for i := range rules {
		rule := &rules[i]

		var isDisabled bool
		if rule.MultiDisable {
			isDisabled = disabled.HasSimilar(msg)
		} else {
			_, isDisabled = disabled.PopSimilar(msg)
		}

		if msg.Data2 < rule.Minimum {
			return rule
		}

		if rule.CheckDisable && isDisabled {
			return rule
		}

		cross := hist.GetAll(rule.Cause)
		if len(cross) == 0 {
			continue
		}

		var maxVelocity byte
		for _, c := range cross {
			if c.Data2 > maxVelocity {
				maxVelocity = c.Data2
			}
		}

		var candidates []midimsg.Message
		if rule.OnlySelf {
			candidates = []midimsg.Message{msg}
		} else {
			candidates = hist.GetSimilar(msg)
		}

		acceptable := float64(maxVelocity) * rule.Threshold
		ok := false
		for _, c := range candidates {
			if float64(c.Data2) >= acceptable {
				ok = true
				break
			}
		}
		if !ok {
			return rule
		}
	}
	return nil
}

// Blocks looks up the rules for msg.Data1 and evaluates them via the
// package-level Blocks function (spec §4.2's `blocks(msg)`).
func (t *Table) Blocks(msg midimsg.Message, hist, disabled *history.Store) *Rule {
	rules := t.rules[msg.Data1]
	if len(rules) == 0 {
		return nil
	}
	return Blocks(rules, msg, hist, disabled)
}

// NewTable builds a Table directly from a pre-resolved rule map,
// bypassing Load's file/directory scanning. Useful for tests and for
// callers that construct policies programmatically.
func NewTable(rules map[byte][]Rule) *Table {
	return &Table{rules: rules}
}

// RulesFor returns the rules registered for note n (including the
// trailing CLI default), or nil if note n has no policy at all (an
// impossible case once Load has run, since the CLI default is always
// appended, but kept for callers constructing a Table by hand in
// tests).
func (t *Table) RulesFor(note byte) []Rule {
	return t.rules[note]
}
