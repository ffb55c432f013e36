package midi

import (
	"errors"
	"fmt"
)

var (
	// ErrAmbiguousSignal is returned when a signal constrains both note
	// and controller fields, which no single message can satisfy.
	ErrAmbiguousSignal = errors.New("midi: signal constrains both note and control fields")
)

// Signal is a structural matcher over messages. Nil fields are
// wildcards; set fields must match exactly. Time is never matched. A
// Signal is built once and reused for one-shot waits, persistent
// callbacks, and capture triggers.
type Signal struct {
	Kind     *Kind
	Channel  *uint8
	Note     *uint8
	Velocity *uint8
	Control  *uint8
	Value    *uint8
}

func kindPtr(k Kind) *Kind   { return &k }
func u8Ptr(v uint8) *uint8   { return &v }

// SignalFor builds a signal matching messages exactly like m, ignoring
// the timestamp.
func SignalFor(m Message) Signal {
	s := Signal{Kind: kindPtr(m.Kind), Channel: u8Ptr(m.Channel)}
	switch m.Kind {
	case KindControlChange:
		s.Control = u8Ptr(m.Control)
		s.Value = u8Ptr(m.Value)
	default:
		s.Note = u8Ptr(m.Note)
		s.Velocity = u8Ptr(m.Velocity)
	}
	return s
}

// KindSignal matches every message of one kind.
func KindSignal(k Kind) Signal {
	return Signal{Kind: kindPtr(k)}
}

// NoteOnSignal matches a note_on for one pitch on any channel, any
// velocity.
func NoteOnSignal(note uint8) Signal {
	return Signal{Kind: kindPtr(KindNoteOn), Note: u8Ptr(note)}
}

// NoteOffSignal matches a note_off for one pitch on any channel.
func NoteOffSignal(note uint8) Signal {
	return Signal{Kind: kindPtr(KindNoteOff), Note: u8Ptr(note)}
}

// ControlSignal matches a control_change with the given controller
// number and value on any channel.
func ControlSignal(control, value uint8) Signal {
	return Signal{Kind: kindPtr(KindControlChange), Control: u8Ptr(control), Value: u8Ptr(value)}
}

// Validate reports unsatisfiable field combinations. Signals over
// program_change are rejected; only note and control messages carry
// performance meaning here.
func (s Signal) Validate() error {
	if s.Kind != nil && *s.Kind == KindProgramChange {
		return fmt.Errorf("midi: signal kind must be note_on, note_off or control_change, got %s", *s.Kind)
	}
	noteSide := s.Note != nil || s.Velocity != nil
	controlSide := s.Control != nil || s.Value != nil
	if noteSide && controlSide {
		return ErrAmbiguousSignal
	}
	if s.Kind != nil {
		switch *s.Kind {
		case KindControlChange:
			if noteSide {
				return fmt.Errorf("midi: note fields are invalid for a %s signal", *s.Kind)
			}
		default:
			if controlSide {
				return fmt.Errorf("midi: control fields are invalid for a %s signal", *s.Kind)
			}
		}
	}
	return nil
}

// Matches reports whether m satisfies every set field.
func (s Signal) Matches(m Message) bool {
	if s.Kind != nil && *s.Kind != m.Kind {
		return false
	}
	if s.Kind == nil && m.Kind == KindProgramChange {
		return false
	}
	if s.Channel != nil && *s.Channel != m.Channel {
		return false
	}
	if s.Note != nil && (!m.IsNote() || *s.Note != m.Note) {
		return false
	}
	if s.Velocity != nil && (!m.IsNote() || *s.Velocity != m.Velocity) {
		return false
	}
	if s.Control != nil && (m.Kind != KindControlChange || *s.Control != m.Control) {
		return false
	}
	if s.Value != nil && (m.Kind != KindControlChange || *s.Value != m.Value) {
		return false
	}
	return true
}
