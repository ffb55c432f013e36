// Package harmonizer reshapes melody and bass notes so they land on
// tones of the chord currently held on the chord channel, MelodicFlow
// style. Incoming notes are treated as positions relative to a melodic
// center and mapped onto the lattice of chord tones and major-scale
// notes across all octaves.
package harmonizer

import (
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"go-improv/midi"
)

var logger = log.WithPrefix("harmonizer")

var majorScale = []int{0, 2, 4, 5, 7, 9, 11}

const (
	middleOctaveChords = 4
	middleOctaveMelody = 8
)

// Root C of every octave in MIDI range.
var octaves = func() []int {
	var o []int
	for c := 0; c < 127; c += 12 {
		o = append(o, c)
	}
	return o
}()

// State tracks the notes currently held on each channel.
type State struct {
	mu       sync.Mutex
	channels [16]map[uint8]struct{}
}

// NewState returns an empty keyboard state.
func NewState() *State {
	s := &State{}
	for i := range s.channels {
		s.channels[i] = make(map[uint8]struct{})
	}
	return s
}

// Handle updates the state from a note message. Other message kinds
// are ignored.
func (s *State) Handle(m midi.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channels[m.Channel&0x0f]
	switch {
	case m.IsNoteStart():
		ch[m.Note] = struct{}{}
	case m.IsNoteEnd():
		delete(ch, m.Note)
	}
}

// ActiveNotes returns the held notes on a channel in ascending order.
func (s *State) ActiveNotes(channel uint8) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	notes := make([]int, 0, len(s.channels[channel&0x0f]))
	for n := range s.channels[channel&0x0f] {
		notes = append(notes, int(n))
	}
	sort.Ints(notes)
	return notes
}

// Reset clears all channels.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.channels {
		s.channels[i] = make(map[uint8]struct{})
	}
}

// Callback observes each relayed message alongside its harmonized
// replacement.
type Callback func(original, fitted midi.Message)

// Harmonizer relays messages to an output, fitting melody and bass
// notes to the chord held on the chord channel.
type Harmonizer struct {
	out      midi.Output
	state    *State
	callback Callback

	melodyChannel uint8
	bassChannel   uint8
	chordChannel  uint8

	mu        sync.Mutex
	lastChord []int
	lastFitA  []int
	lastFitB  []int
}

// New returns a Harmonizer relaying to out on the default channel
// assignment (melody 1, bass 2, chords 3). callback may be nil.
func New(out midi.Output, callback Callback) *Harmonizer {
	return &Harmonizer{
		out:           out,
		state:         NewState(),
		callback:      callback,
		melodyChannel: 1,
		bassChannel:   2,
		chordChannel:  3,
	}
}

// HandleMessage updates the keyboard state, harmonizes note messages
// on the melody and bass channels, and relays the result.
func (h *Harmonizer) HandleMessage(m midi.Message) error {
	h.state.Handle(m)

	fitted := m
	if m.IsNote() && (m.Channel == h.melodyChannel || m.Channel == h.bassChannel) {
		fitted.Note = h.FitNote(m.Note)
	}
	if fitted.Channel == h.bassChannel && fitted.IsNote() {
		// Bass plays an octave below the fitted register.
		if fitted.Note >= 12 {
			fitted.Note -= 12
		}
	}

	if h.callback != nil {
		h.callback(m, fitted)
	}
	return h.out.Send(fitted)
}

// FitNote maps a played note onto the nearest valid lattice position.
// With no chord held the note passes through unchanged.
func (h *Harmonizer) FitNote(note uint8) uint8 {
	chord := h.state.ActiveNotes(h.chordChannel)
	if len(chord) == 0 {
		return note
	}

	fitA, fitB := h.lattice(chord)

	// Bass arrives three octaves low; lift it into the melody register
	// and shift back down after fitting.
	n := int(note) + 36

	// Distance from the melodic center selects the lattice position,
	// below center walking down fitA, at or above walking up fitB.
	diff := n - octaves[middleOctaveMelody]
	if diff < -len(fitA) {
		diff = -len(fitA)
	}
	if diff > len(fitB)-1 {
		diff = len(fitB) - 1
	}
	if diff < 0 {
		n = fitA[len(fitA)+diff]
	} else {
		n = fitB[diff]
	}

	if n < 0 {
		n = 0
	}
	if n > 127 {
		n = 127
	}
	return uint8(n)
}

// lattice builds the valid-note sets for a chord, split at the chord
// middle octave. Rebuilt only when the chord changes.
func (h *Harmonizer) lattice(chord []int) (fitA, fitB []int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if equalInts(chord, h.lastChord) {
		return h.lastFitA, h.lastFitB
	}

	// Normalize the chord to the bottom octave, then transpose it into
	// every octave.
	shift := 12 * (chord[0] / 12)
	mapped := make([][]int, len(octaves))
	for i, octave := range octaves {
		row := make([]int, len(chord))
		for j, e := range chord {
			row[j] = e - shift + octave
		}
		mapped[i] = row
	}

	a := map[int]struct{}{}
	b := map[int]struct{}{}
	for i, octave := range octaves {
		set := b
		if i < middleOctaveChords {
			set = a
		}
		for _, e := range mapped[i] {
			set[e] = struct{}{}
		}
		for _, e := range majorScale {
			set[e+octave] = struct{}{}
		}
	}

	fitA = sortedKeys(a)
	fitB = sortedKeys(b)
	h.lastChord = append([]int(nil), chord...)
	h.lastFitA = fitA
	h.lastFitB = fitB
	logger.Debug("rebuilt note lattice", "chord", chord, "below", len(fitA), "above", len(fitB))
	return fitA, fitB
}

func sortedKeys(set map[int]struct{}) []int {
	keys := make([]int, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
