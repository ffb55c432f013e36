package midi

import (
	"errors"
	"testing"
)

func TestSignalValidate(t *testing.T) {
	tests := []struct {
		name    string
		signal  Signal
		wantErr bool
	}{
		{"wildcard", Signal{}, false},
		{"note on", NoteOnSignal(60), false},
		{"control", ControlSignal(1, 127), false},
		{"program change kind", Signal{Kind: kindPtr(KindProgramChange)}, true},
		{"note fields with control kind", Signal{Kind: kindPtr(KindControlChange), Note: u8Ptr(60)}, true},
		{"control fields with note kind", Signal{Kind: kindPtr(KindNoteOn), Control: u8Ptr(1)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.signal.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected an error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}

	both := Signal{Note: u8Ptr(60), Control: u8Ptr(1)}
	if err := both.Validate(); !errors.Is(err, ErrAmbiguousSignal) {
		t.Errorf("note+control signal: got %v, want ErrAmbiguousSignal", err)
	}
}

func TestSignalMatches(t *testing.T) {
	on := NoteOn(1, 60, 100)
	off := NoteOff(1, 60)
	cc := ControlChange(0, 7, 127)

	sig := NoteOnSignal(60)
	if !sig.Matches(on) {
		t.Error("note-on signal should match its note")
	}
	if sig.Matches(off) {
		t.Error("note-on signal should not match a note_off")
	}
	if sig.Matches(NoteOn(1, 61, 100)) {
		t.Error("note-on signal should not match another pitch")
	}

	kindOnly := KindSignal(KindControlChange)
	if !kindOnly.Matches(cc) {
		t.Error("kind signal should match any control change")
	}
	if kindOnly.Matches(on) {
		t.Error("kind signal should not match other kinds")
	}

	chanSig := Signal{Channel: u8Ptr(1)}
	if !chanSig.Matches(on) || !chanSig.Matches(off) {
		t.Error("channel signal should match both note messages on channel 1")
	}
	if chanSig.Matches(cc) {
		t.Error("channel signal should not match channel 0")
	}
}

func TestWildcardSignalIgnoresProgramChange(t *testing.T) {
	var wild Signal
	if wild.Matches(ProgramChange(1, 57)) {
		t.Error("wildcard signal must not match program changes")
	}
	if !wild.Matches(NoteOn(1, 60, 100)) {
		t.Error("wildcard signal should match note messages")
	}
}

func TestSignalForRoundTrip(t *testing.T) {
	m := NoteOn(3, 72, 88)
	sig := SignalFor(m)
	if !sig.Matches(m) {
		t.Errorf("SignalFor(%s) does not match its own message", m)
	}
	other := NoteOn(3, 72, 89)
	if sig.Matches(other) {
		t.Error("exact signal should not match a different velocity")
	}
}
