package midi

import (
	"fmt"

	gomidi "gitlab.com/gomidi/midi/v2"
)

// DrumChannel is reserved for drum content (0-indexed).
const DrumChannel uint8 = 9

// Kind identifies the MIDI message variant.
type Kind uint8

const (
	KindNoteOn Kind = iota
	KindNoteOff
	KindControlChange
	KindProgramChange
)

func (k Kind) String() string {
	switch k {
	case KindNoteOn:
		return "note_on"
	case KindNoteOff:
		return "note_off"
	case KindControlChange:
		return "control_change"
	case KindProgramChange:
		return "program_change"
	}
	return "unknown"
}

// Message is a single timestamped MIDI message. Messages have value
// semantics: fanning one out to multiple consumers hands each an
// independent copy. Time is in absolute seconds; zero means the message
// has not been timestamped yet.
type Message struct {
	Kind     Kind
	Channel  uint8
	Note     uint8
	Velocity uint8
	Control  uint8
	Value    uint8
	Program  uint8
	Time     float64
}

// NoteOn builds an untimestamped note_on message.
func NoteOn(channel, note, velocity uint8) Message {
	return Message{Kind: KindNoteOn, Channel: channel, Note: note, Velocity: velocity}
}

// NoteOff builds an untimestamped note_off message.
func NoteOff(channel, note uint8) Message {
	return Message{Kind: KindNoteOff, Channel: channel, Note: note}
}

// ControlChange builds an untimestamped control_change message.
func ControlChange(channel, control, value uint8) Message {
	return Message{Kind: KindControlChange, Channel: channel, Control: control, Value: value}
}

// ProgramChange builds an untimestamped program_change message.
func ProgramChange(channel, program uint8) Message {
	return Message{Kind: KindProgramChange, Channel: channel, Program: program}
}

// IsNoteEnd reports whether the message closes a note: either a note_off
// or the equivalent note_on with zero velocity.
func (m Message) IsNoteEnd() bool {
	return m.Kind == KindNoteOff || (m.Kind == KindNoteOn && m.Velocity == 0)
}

// IsNoteStart reports whether the message opens a note.
func (m Message) IsNoteStart() bool {
	return m.Kind == KindNoteOn && m.Velocity > 0
}

// IsNote reports whether the message is a note_on or note_off.
func (m Message) IsNote() bool {
	return m.Kind == KindNoteOn || m.Kind == KindNoteOff
}

func (m Message) String() string {
	switch m.Kind {
	case KindControlChange:
		return fmt.Sprintf("control_change channel=%d control=%d value=%d time=%.6f",
			m.Channel, m.Control, m.Value, m.Time)
	case KindProgramChange:
		return fmt.Sprintf("program_change channel=%d program=%d time=%.6f",
			m.Channel, m.Program, m.Time)
	}
	return fmt.Sprintf("%s channel=%d note=%d velocity=%d time=%.6f",
		m.Kind, m.Channel, m.Note, m.Velocity, m.Time)
}

// Raw encodes the message as wire bytes.
func (m Message) Raw() gomidi.Message {
	switch m.Kind {
	case KindNoteOff:
		return gomidi.NoteOff(m.Channel, m.Note)
	case KindControlChange:
		return gomidi.ControlChange(m.Channel, m.Control, m.Value)
	case KindProgramChange:
		return gomidi.ProgramChange(m.Channel, m.Program)
	}
	return gomidi.NoteOn(m.Channel, m.Note, m.Velocity)
}

// FromRaw decodes wire bytes into a Message. The second return value is
// false for message types the engine does not model.
func FromRaw(raw gomidi.Message) (Message, bool) {
	var m Message
	switch {
	case raw.GetNoteOn(&m.Channel, &m.Note, &m.Velocity):
		m.Kind = KindNoteOn
	case raw.GetNoteOff(&m.Channel, &m.Note, &m.Velocity):
		m.Kind = KindNoteOff
	case raw.GetControlChange(&m.Channel, &m.Control, &m.Value):
		m.Kind = KindControlChange
	case raw.GetProgramChange(&m.Channel, &m.Program):
		m.Kind = KindProgramChange
	default:
		return Message{}, false
	}
	return m, true
}
