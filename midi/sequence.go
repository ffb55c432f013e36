package midi

// NoteEvent is one note of a captured or generated sequence. End stays
// zero while the note is still open.
type NoteEvent struct {
	Pitch    uint8
	Velocity uint8
	Start    float64
	End      float64
	Drum     bool
}

// Sequence is a time-ordered run of notes with a tempo and a total
// duration. The zero value is an empty sequence.
type Sequence struct {
	Notes     []NoteEvent
	TotalTime float64
	QPM       float64
}

// Clone returns a deep copy.
func (s Sequence) Clone() Sequence {
	out := s
	out.Notes = make([]NoteEvent, len(s.Notes))
	copy(out.Notes, s.Notes)
	return out
}

// Shift returns a copy with every note and the total time moved by delta.
func (s Sequence) Shift(delta float64) Sequence {
	out := s.Clone()
	for i := range out.Notes {
		out.Notes[i].Start += delta
		out.Notes[i].End += delta
	}
	out.TotalTime += delta
	return out
}

// Trim returns a copy containing only notes starting within [start, end),
// with note ends clipped to the window.
func (s Sequence) Trim(start, end float64) Sequence {
	out := s
	out.Notes = nil
	for _, n := range s.Notes {
		if n.Start < start || n.Start >= end {
			continue
		}
		if n.End > end {
			n.End = end
		}
		out.Notes = append(out.Notes, n)
	}
	out.TotalTime = end
	return out
}

// LastNoteEnd returns the latest note end time, or 0 for an empty
// sequence.
func (s Sequence) LastNoteEnd() float64 {
	var last float64
	for _, n := range s.Notes {
		if n.End > last {
			last = n.End
		}
	}
	return last
}
