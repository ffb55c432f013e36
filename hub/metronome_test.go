package hub

import (
	"testing"
	"time"

	"go-improv/midi"
)

func TestMetronomeTicksAndStops(t *testing.T) {
	out := &collector{}
	// 600 QPM: a tick every 100ms.
	m := newMetronome(out, 600, midi.Now(), 2, nil)
	time.Sleep(350 * time.Millisecond)
	m.Stop(0, true)

	msgs := out.messages()
	if len(msgs) == 0 {
		t.Fatal("metronome sent nothing")
	}
	if msgs[0].Kind != midi.KindProgramChange {
		t.Errorf("first message %s, want the program change", msgs[0])
	}

	ons := 0
	for _, msg := range msgs[1:] {
		if msg.Channel != 2 {
			t.Errorf("tick on channel %d, want 2", msg.Channel)
		}
		if msg.IsNoteStart() {
			ons++
			if msg.Note != 44 && msg.Note != 35 {
				t.Errorf("unexpected tick pitch %d", msg.Note)
			}
		}
	}
	if ons < 2 {
		t.Errorf("got %d ticks in 350ms at 100ms period, want at least 2", ons)
	}

	// Every note_on tick has a matching note_off.
	open := map[uint8]int{}
	for _, msg := range msgs[1:] {
		if msg.IsNoteStart() {
			open[msg.Note]++
		}
		if msg.IsNoteEnd() {
			open[msg.Note]--
		}
	}
	for pitch, n := range open {
		if n != 0 {
			t.Errorf("pitch %d left %d unmatched note_ons", pitch, n)
		}
	}
}

func TestMetronomeUpdateWithoutRestart(t *testing.T) {
	out := &collector{}
	m := newMetronome(out, 600, midi.Now(), 1, nil)
	time.Sleep(120 * time.Millisecond)
	m.Update(600, midi.Now(), 3, nil)
	time.Sleep(250 * time.Millisecond)
	m.Stop(0, true)

	var sawRetuned bool
	for _, msg := range out.messages() {
		if msg.IsNoteStart() && msg.Channel == 3 {
			sawRetuned = true
		}
	}
	if !sawRetuned {
		t.Error("no ticks on the updated channel")
	}
}
