package recorder

import (
	"os"
	"path/filepath"
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

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func timed(m midi.Message, t float64) midi.Message {
	m.Time = t
	return m
}

func TestQuantizeAndTrackAssignment(t *testing.T) {
	out := &sink{}
	r := New(out, nil)

	r.HandleMessage(timed(midi.NoteOn(1, 60, 100), 100.0))
	r.HandleMessage(timed(midi.NoteOff(1, 60), 100.5))
	r.HandleMessage(timed(midi.NoteOn(9, 36, 100), 100.25))
	r.HandleMessage(timed(midi.NoteOn(2, 40, 100), 100.75))
	r.HandleMessage(timed(midi.NoteOn(5, 70, 100), 100.8)) // relayed, not recorded

	if out.count() != 5 {
		t.Errorf("relayed %d messages, want all 5", out.count())
	}

	if got := len(r.tracks[1]); got != 2 {
		t.Fatalf("track 1 has %d events, want 2", got)
	}
	if r.tracks[1][0].tick != 0 {
		t.Errorf("first recorded event at tick %d, want 0", r.tracks[1][0].tick)
	}
	// Half a second at 120 BPM and 480 PPQ is one quarter note.
	if r.tracks[1][1].tick != 480 {
		t.Errorf("event 0.5s in at tick %d, want 480", r.tracks[1][1].tick)
	}

	if got := len(r.tracks[0]); got != 1 {
		t.Errorf("drum channel recorded %d events in track 0, want 1", got)
	}
	if got := len(r.tracks[2]); got != 1 {
		t.Errorf("track 2 has %d events, want 1", got)
	}
	total := len(r.tracks[0]) + len(r.tracks[1]) + len(r.tracks[2]) + len(r.tracks[3])
	if total != 4 {
		t.Errorf("recorded %d events, want 4 (channel 5 is not recorded)", total)
	}
}

func TestStartAnnouncesPrograms(t *testing.T) {
	out := &sink{}
	r := New(out, nil)
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if out.count() != len(channelPrograms) {
		t.Errorf("sent %d messages, want one program change per channel", out.count())
	}
}

func TestSaveWritesMIDIFile(t *testing.T) {
	out := &sink{}
	r := New(out, nil)
	r.HandleMessage(timed(midi.NoteOn(1, 60, 100), 50.0))
	r.HandleMessage(timed(midi.NoteOff(1, 60), 50.5))

	path := filepath.Join(t.TempDir(), "recording.mid")
	if err := r.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) < 4 || string(data[:4]) != "MThd" {
		t.Error("saved file is not a standard MIDI file")
	}
}
