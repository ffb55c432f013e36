// Package song models a composition as an ordered list of named parts,
// each with its own chord progression. The engine core consumes only
// part names and the MIDI rendering of each progression; parsing song
// files into this model is the front end's job.
package song

import (
	"fmt"
	"strings"
)

// BeatsPerBar is fixed at common time.
const BeatsPerBar = 4

const defaultBPM = 120

// Part is a named segment of a song. Chords are either chord symbols
// ("C", "Am7", "Fmaj7") or roman numerals ("I", "vi", "IV7") resolved
// against Key. One chord spans one bar.
type Part struct {
	Name   string
	Key    string
	Chords []string
}

// Bars returns the part length in bars.
func (p Part) Bars() int { return len(p.Chords) }

// Duration returns the part length in seconds at the default tempo.
func (p Part) Duration() float64 {
	return float64(p.Bars()*BeatsPerBar) / defaultBPM * 60
}

// MIDIChords renders the progression as MIDI note sets, one per chord,
// shifted by shift semitones.
func (p Part) MIDIChords(shift int) ([][]int, error) {
	key := p.Key
	if key == "" {
		key = "C"
	}
	chords := make([][]int, 0, len(p.Chords))
	for _, symbol := range p.Chords {
		if resolved, ok := resolveNumeral(symbol, key); ok {
			symbol = resolved
		}
		notes, err := ChordToMIDI(symbol, 4)
		if err != nil {
			return nil, fmt.Errorf("song: part %q: %w", p.Name, err)
		}
		for i := range notes {
			notes[i] += shift
		}
		chords = append(chords, notes)
	}
	return chords, nil
}

func (p Part) String() string {
	return fmt.Sprintf("Part(%s: %s)", p.Name, strings.Join(p.Chords, " "))
}

// Song is an ordered list of parts.
type Song []Part

// Bars returns the summed length in bars.
func (s Song) Bars() int {
	total := 0
	for _, p := range s {
		total += p.Bars()
	}
	return total
}

// Duration returns the summed length in seconds at the default tempo.
func (s Song) Duration() float64 {
	var total float64
	for _, p := range s {
		total += p.Duration()
	}
	return total
}

var semitones = map[string]int{
	"C": 0, "C#": 1, "Db": 1, "D": 2, "D#": 3, "Eb": 3,
	"E": 4, "F": 5, "F#": 6, "Gb": 6, "G": 7, "G#": 8,
	"Ab": 8, "A": 9, "A#": 10, "Bb": 10, "B": 11,
}

var pitchNames = []string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Major scale degrees by numeral, with the diatonic quality suffix.
var numerals = []struct {
	upper   string
	offset  int
	quality string // appended when the numeral is lowercase
}{
	{"VII", 11, "dim"},
	{"III", 4, "m"},
	{"VI", 9, "m"},
	{"IV", 5, "m"},
	{"II", 2, "m"},
	{"V", 7, "m"},
	{"I", 0, "m"},
}

// resolveNumeral converts a roman-numeral chord ("ii", "V7") into a
// chord symbol in the given major key. Returns false for plain chord
// symbols.
func resolveNumeral(numeral, key string) (string, bool) {
	body := numeral
	suffix := ""
	if strings.HasSuffix(body, "7") {
		body = strings.TrimSuffix(body, "7")
		suffix = "7"
	}
	upper := strings.ToUpper(body)
	for _, n := range numerals {
		if upper != n.upper {
			continue
		}
		keyRoot, ok := semitones[key]
		if !ok {
			return "", false
		}
		root := pitchNames[(keyRoot+n.offset)%12]
		if body != upper {
			// Lowercase numerals take the diatonic minor/diminished
			// quality.
			return root + n.quality + suffix, true
		}
		return root + suffix, true
	}
	return "", false
}

func parseRoot(symbol string) (string, string, error) {
	if symbol == "" {
		return "", "", fmt.Errorf("empty chord symbol")
	}
	root := symbol[:1]
	if len(symbol) > 1 && (symbol[1] == '#' || symbol[1] == 'b') {
		root = symbol[:2]
	}
	if _, ok := semitones[root]; !ok {
		return "", "", fmt.Errorf("invalid chord root %q", root)
	}
	return root, symbol[len(root):], nil
}

func chordIntervals(rest string) []int {
	var intervals []int
	switch {
	case strings.HasPrefix(rest, "dim"):
		intervals = []int{0, 3, 6}
		rest = strings.TrimPrefix(rest, "dim")
	case strings.HasPrefix(rest, "aug"):
		intervals = []int{0, 4, 8}
		rest = strings.TrimPrefix(rest, "aug")
	case strings.HasPrefix(rest, "sus2"):
		intervals = []int{0, 2, 7}
		rest = strings.TrimPrefix(rest, "sus2")
	case strings.HasPrefix(rest, "sus4"):
		intervals = []int{0, 5, 7}
		rest = strings.TrimPrefix(rest, "sus4")
	case strings.HasPrefix(rest, "maj"):
		intervals = []int{0, 4, 7}
		rest = strings.TrimPrefix(rest, "maj")
	case strings.HasPrefix(rest, "min"):
		intervals = []int{0, 3, 7}
		rest = strings.TrimPrefix(rest, "min")
	case strings.HasPrefix(rest, "m"):
		intervals = []int{0, 3, 7}
		rest = strings.TrimPrefix(rest, "m")
	default:
		intervals = []int{0, 4, 7}
	}
	switch {
	case strings.Contains(rest, "9"):
		intervals = append(intervals, 10, 14)
	case strings.Contains(rest, "7"):
		// Dominant seventh; "maj7" was consumed above and keeps the
		// major seventh.
		intervals = append(intervals, 10)
	}
	return intervals
}

// ChordToMIDI converts a chord symbol into MIDI note numbers with the
// root in the given octave (C4 = 60). Out-of-range notes are skipped.
func ChordToMIDI(symbol string, octave int) ([]int, error) {
	base := symbol
	bass := ""
	if i := strings.IndexByte(symbol, '/'); i >= 0 {
		base = strings.TrimSpace(symbol[:i])
		bass = strings.TrimSpace(symbol[i+1:])
	}
	root, rest, err := parseRoot(base)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(rest, "maj7") {
		// Major seventh keeps the major triad plus interval 11.
		notes, err := ChordToMIDI(root+strings.Replace(rest, "maj7", "", 1), octave)
		if err != nil {
			return nil, err
		}
		rootMIDI := (octave+1)*12 + semitones[root]
		if n := rootMIDI + 11; n >= 0 && n <= 127 {
			notes = append(notes, n)
		}
		return notes, nil
	}

	rootMIDI := (octave+1)*12 + semitones[root]
	var notes []int
	for _, interval := range chordIntervals(rest) {
		n := rootMIDI + interval
		if n < 0 || n > 127 {
			continue
		}
		notes = append(notes, n)
	}
	if bass != "" {
		if bassRoot, _, err := parseRoot(bass); err == nil {
			if n := octave*12 + semitones[bassRoot]; n >= 0 && n <= 127 {
				notes = append([]int{n}, notes...)
			}
		}
	}
	if len(notes) == 0 {
		return nil, fmt.Errorf("no playable notes for chord %q", symbol)
	}
	return notes, nil
}
