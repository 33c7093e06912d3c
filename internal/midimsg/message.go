// Package midimsg defines the 3-byte MIDI message xtalk operates on
// and the status-nibble classification helpers the rest of the
// pipeline relies on.
package midimsg

// Status nibbles for the event kinds xtalk recognizes. Anything else
// (control change, program change, pitch bend, system messages) is
// passed through opaquely.
const (
	NoteOff    byte = 0x80
	NoteOn     byte = 0x90
	Aftertouch byte = 0xA0
)

// Message is a mutable 3-byte MIDI tuple. The high nibble of Status
// encodes the event kind, the low nibble the channel (0-15).
type Message struct {
	Status byte
	Data1  byte
	Data2  byte
}

// New builds a Message from raw bytes, as received from a transport.
// Messages shorter than 3 bytes (e.g. program change) are zero-padded;
// xtalk only inspects Data1/Data2 for note-shaped messages.
func New(raw []byte) Message {
	var m Message
	if len(raw) > 0 {
		m.Status = raw[0]
	}
	if len(raw) > 1 {
		m.Data1 = raw[1]
	}
	if len(raw) > 2 {
		m.Data2 = raw[2]
	}
	return m
}

// Bytes renders the message back to wire format.
func (m Message) Bytes() []byte {
	return []byte{m.Status, m.Data1, m.Data2}
}

// Kind returns the high nibble of Status.
func (m Message) Kind() byte {
	return m.Status & 0xF0
}

// Channel returns the low nibble of Status (0-15).
func (m Message) Channel() byte {
	return m.Status & 0x0F
}

// IsNoteOn reports whether m is a note-on. In strict mode it only
// checks the status nibble; non-strict mode additionally requires
// Data2 > 0, since a note-on with zero velocity is semantically a
// note-off per the MIDI standard.
func (m Message) IsNoteOn(strict bool) bool {
	on := m.Kind() == NoteOn
	if strict {
		return on
	}
	return on && m.Data2 > 0
}

// IsNoteOff reports whether m is a note-off. Non-strict mode also
// matches a zero-velocity note-on.
func (m Message) IsNoteOff(strict bool) bool {
	off := m.Kind() == NoteOff
	if strict {
		return off
	}
	return off || (m.Kind() == NoteOn && m.Data2 == 0)
}

// IsAftertouch reports whether m is a polyphonic aftertouch message.
func (m Message) IsAftertouch() bool {
	return m.Kind() == Aftertouch
}

// IsNoteMod reports whether m is note-off or aftertouch (non-strict
// note-off, matching the spec's "note-modifying" predicate).
func (m Message) IsNoteMod() bool {
	return m.IsNoteOff(false) || m.IsAftertouch()
}

// IsNote reports whether m is any of note-on, note-off or aftertouch.
func (m Message) IsNote() bool {
	return m.IsNoteOn(false) || m.IsNoteMod()
}

// TimestampedEvent pairs a message with the inter-arrival delay the
// transport reported for it.
type TimestampedEvent struct {
	Msg     Message
	DeltaMS int64
}

// DisableKind selects which message kinds count as "disable" events
// for the purposes of MessageHistory.DISABLED and check_disable rules.
type DisableKind int

const (
	DisableNone DisableKind = iota
	DisableNoteOff
	DisableAftertouch
	DisableAny
)

// ParseDisableKind maps the --dtypes CLI value to a DisableKind.
func ParseDisableKind(s string) DisableKind {
	switch s {
	case "none":
		return DisableNone
	case "note_off":
		return DisableNoteOff
	case "aftertouch":
		return DisableAftertouch
	default:
		return DisableAny
	}
}

// IsDisable reports whether m counts as a disable event under kind.
func (m Message) IsDisable(kind DisableKind) bool {
	switch kind {
	case DisableNone:
		return false
	case DisableNoteOff:
		return m.IsNoteOff(false)
	case DisableAftertouch:
		return m.IsAftertouch()
	default: // DisableAny
		return m.IsNoteMod()
	}
}
