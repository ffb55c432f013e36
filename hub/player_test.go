package hub

import (
	"errors"
	"testing"
	"time"

	"go-improv/midi"
)

func TestPlayerStopClosesOpenNotes(t *testing.T) {
	out := &collector{}
	now := midi.Now()
	seq := midi.Sequence{
		Notes: []midi.NoteEvent{
			{Pitch: 60, Velocity: 100, Start: now + 0.01, End: now + 10},
			{Pitch: 64, Velocity: 100, Start: now + 0.02, End: now + 10},
		},
		TotalTime: now + 10,
	}
	p := newPlayer(out, seq, 0, true, 1, 0)
	p.start()
	time.Sleep(150 * time.Millisecond)
	p.Stop()
	// Idempotent.
	p.Stop()

	var ons, offs []uint8
	for _, m := range out.messages() {
		if m.IsNoteStart() {
			ons = append(ons, m.Note)
		}
		if m.IsNoteEnd() {
			offs = append(offs, m.Note)
		}
	}
	if len(ons) != 2 {
		t.Fatalf("got %d note_ons, want 2", len(ons))
	}
	if len(offs) != 2 {
		t.Fatalf("got %d note_offs on stop, want 2", len(offs))
	}
	got := map[uint8]bool{offs[0]: true, offs[1]: true}
	if !got[60] || !got[64] {
		t.Errorf("note_offs for %v, want pitches 60 and 64", offs)
	}
}

func TestPlayerUpdateAfterStop(t *testing.T) {
	p := newPlayer(&collector{}, midi.Sequence{}, 0, true, 1, 0)
	p.start()
	p.Stop()
	if err := p.UpdateSequence(midi.Sequence{}, 0); !errors.Is(err, ErrUpdatesDisabled) {
		t.Errorf("got %v, want ErrUpdatesDisabled", err)
	}
}

func TestPlayerUpdatesDisabledAtConstruction(t *testing.T) {
	p := newPlayer(&collector{}, midi.Sequence{}, 0, false, 1, 0)
	if err := p.UpdateSequence(midi.Sequence{}, 0); !errors.Is(err, ErrUpdatesDisabled) {
		t.Errorf("got %v, want ErrUpdatesDisabled", err)
	}
	p.start()
	// With updates disabled and an empty queue the loop exits by itself.
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("player did not terminate after draining")
	}
}

func TestPlayerResequenceClosesStaleNotes(t *testing.T) {
	out := &collector{}
	now := midi.Now()
	seq := midi.Sequence{
		Notes:     []midi.NoteEvent{{Pitch: 60, Velocity: 100, Start: now + 0.01, End: now + 10}},
		TotalTime: now + 10,
	}
	p := newPlayer(out, seq, 0, true, 1, 0)
	p.start()
	time.Sleep(100 * time.Millisecond) // note 60 is now open

	replacement := midi.Sequence{
		Notes:     []midi.NoteEvent{{Pitch: 72, Velocity: 100, Start: midi.Now() + 0.05, End: midi.Now() + 0.1}},
		TotalTime: midi.Now() + 0.1,
	}
	if err := p.UpdateSequence(replacement, midi.Now()); err != nil {
		t.Fatalf("UpdateSequence: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	p.Stop()

	var sawStaleOff bool
	for _, m := range out.messages() {
		if m.IsNoteEnd() && m.Note == 60 {
			sawStaleOff = true
		}
		if m.IsNoteStart() && m.Note == 72 && !sawStaleOff {
			t.Fatal("new note started before stale note was closed")
		}
	}
	if !sawStaleOff {
		t.Error("stale open note 60 was never closed")
	}
}

func TestPlayerAppliesChannelAndOffset(t *testing.T) {
	out := &collector{}
	now := midi.Now()
	seq := midi.Sequence{
		Notes:     []midi.NoteEvent{{Pitch: 60, Velocity: 100, Start: now, End: now + 0.01}},
		TotalTime: now + 0.01,
	}
	p := newPlayer(out, seq, now, true, 9, 0.05)
	p.start()
	time.Sleep(150 * time.Millisecond)
	p.Stop()

	msgs := out.messages()
	if len(msgs) == 0 {
		t.Fatal("no messages sent")
	}
	for _, m := range msgs {
		if m.Channel != 9 {
			t.Errorf("message on channel %d, want 9", m.Channel)
		}
		if m.Time < now+0.05 {
			t.Errorf("message at %f sent before offset start %f", m.Time, now+0.05)
		}
	}
}
