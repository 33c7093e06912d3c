// Package corectx collapses the shared globals of the original
// implementation (ARGS, POLICY, HISTORY, DISABLED) into a single
// value passed explicitly to Ingress and Dispatcher, per the REDESIGN
// FLAG in spec §9.
package corectx

import (
	"github.com/rs/zerolog"

	"github.com/3hhh/xtalk/internal/history"
	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/policy"
)

// Args mirrors the CLI flags of spec §6 that downstream components
// need at runtime (the rest, e.g. --list, are consumed entirely in
// cmd/xtalk).
type Args struct {
	DelayMS     int64
	HistoryMS   int64
	Before      bool
	DisableKind midimsg.DisableKind
	Debug       bool
}

// Context is the frozen-at-startup state shared by Ingress and
// Dispatcher: CLI args, the loaded policy table, and the two
// MessageHistory instances (HISTORY indexes note-ons, Disabled
// indexes disable events, both keyed by Data1 per spec §4.1).
type Context struct {
	Args     Args
	Policy   *policy.Table
	History  *history.Store
	Disabled *history.Store
	Log      zerolog.Logger
}

// New builds a Context ready for Ingress/Dispatcher use.
func New(args Args, pol *policy.Table, log zerolog.Logger) *Context {
	return &Context{
		Args:     args,
		Policy:   pol,
		History:  history.New(history.ByData1),
		Disabled: history.New(history.ByData1),
		Log:      log,
	}
}
