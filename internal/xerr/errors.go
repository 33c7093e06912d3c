// Package xerr defines the plugin error kinds described in spec §4.5
// and §7: a recoverable per-message failure vs. an abort that must
// tear down the whole pipeline.
package xerr

import "errors"

// AbortError signals that a plugin wants the dispatcher to stop
// permanently and the MIDI connection to be torn down (spec §4.5
// "abort", §7 "Plugin abort"). Any other error returned from a
// plugin's Process is treated as recoverable: it is logged and the
// chain continues with that plugin contributing no output for the
// offending message.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	if e.Reason == "" {
		return "plugin requested abort"
	}
	return "plugin requested abort: " + e.Reason
}

// Abort constructs an AbortError.
func Abort(reason string) error {
	return &AbortError{Reason: reason}
}

// IsAbort reports whether err (or something it wraps) is an AbortError.
func IsAbort(err error) bool {
	var a *AbortError
	return errors.As(err, &a)
}
