package harmonizer

import (
	"sync"
	"testing"

	"go-improv/midi"
)

type sink struct {
	mu   sync.Mutex
	msgs []midi.Message
}

func (s *sink) Send(m midi.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

func (s *sink) last() midi.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[len(s.msgs)-1]
}

func holdChord(t *testing.T, h *Harmonizer, notes ...uint8) {
	t.Helper()
	for _, n := range notes {
		if err := h.HandleMessage(midi.NoteOn(3, n, 100)); err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
	}
}

func TestFitNoteEmptyChordPassthrough(t *testing.T) {
	h := New(&sink{}, nil)
	for _, n := range []uint8{0, 42, 61, 127} {
		if got := h.FitNote(n); got != n {
			t.Errorf("FitNote(%d) = %d with no chord, want identity", n, got)
		}
	}
}

func TestFitNoteCMajor(t *testing.T) {
	h := New(&sink{}, nil)
	holdChord(t, h, 60, 64, 67)

	// One semitone above the melodic center lands on the second lattice
	// tone above it.
	if got := h.FitNote(61); got != 50 {
		t.Errorf("FitNote(61) = %d, want 50", got)
	}
}

func TestFitNoteRange(t *testing.T) {
	h := New(&sink{}, nil)
	holdChord(t, h, 60, 64, 67)

	for n := 0; n <= 127; n++ {
		got := h.FitNote(uint8(n))
		if got > 127 {
			t.Fatalf("FitNote(%d) = %d, out of MIDI range", n, got)
		}
	}
}

func TestMelodyChannelIsFitted(t *testing.T) {
	out := &sink{}
	h := New(out, nil)
	holdChord(t, h, 60, 64, 67)

	if err := h.HandleMessage(midi.NoteOn(1, 61, 100)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := out.last(); got.Note != 50 {
		t.Errorf("melody note relayed as %d, want 50", got.Note)
	}
}

func TestBassChannelShiftsDownAnOctave(t *testing.T) {
	out := &sink{}
	h := New(out, nil)
	holdChord(t, h, 60, 64, 67)

	want := h.FitNote(61) - 12
	if err := h.HandleMessage(midi.NoteOn(2, 61, 100)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := out.last(); got.Note != want {
		t.Errorf("bass note relayed as %d, want %d", got.Note, want)
	}
}

func TestChordChannelPassesThrough(t *testing.T) {
	out := &sink{}
	h := New(out, nil)
	holdChord(t, h, 60, 64, 67)

	if err := h.HandleMessage(midi.NoteOn(3, 61, 100)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := out.last(); got.Note != 61 {
		t.Errorf("chord-channel note remapped to %d, want passthrough", got.Note)
	}
}

func TestCallbackSeesBothMessages(t *testing.T) {
	var original, fitted midi.Message
	h := New(&sink{}, func(o, f midi.Message) {
		original, fitted = o, f
	})
	holdChord(t, h, 60, 64, 67)

	h.HandleMessage(midi.NoteOn(1, 61, 100))
	if original.Note != 61 {
		t.Errorf("callback original note %d, want 61", original.Note)
	}
	if fitted.Note != 50 {
		t.Errorf("callback fitted note %d, want 50", fitted.Note)
	}
}

func TestStateTracking(t *testing.T) {
	s := NewState()
	s.Handle(midi.NoteOn(3, 64, 100))
	s.Handle(midi.NoteOn(3, 60, 100))
	s.Handle(midi.NoteOn(5, 72, 100))

	got := s.ActiveNotes(3)
	if len(got) != 2 || got[0] != 60 || got[1] != 64 {
		t.Errorf("ActiveNotes(3) = %v, want [60 64] sorted", got)
	}

	s.Handle(midi.NoteOff(3, 60))
	if got := s.ActiveNotes(3); len(got) != 1 || got[0] != 64 {
		t.Errorf("after note_off: %v, want [64]", got)
	}

	// Zero-velocity note_on also closes.
	s.Handle(midi.NoteOn(3, 64, 0))
	if got := s.ActiveNotes(3); len(got) != 0 {
		t.Errorf("after zero-velocity note_on: %v, want empty", got)
	}

	s.Handle(midi.NoteOn(3, 60, 100))
	s.Reset()
	if got := s.ActiveNotes(3); len(got) != 0 {
		t.Errorf("after Reset: %v, want empty", got)
	}
}
