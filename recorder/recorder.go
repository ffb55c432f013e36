// Package recorder relays MIDI messages while capturing them into a
// standard MIDI file. Wall-clock timestamps are quantized to musical
// ticks at a fixed resolution and tempo so the recording plays back at
// performance speed.
package recorder

import (
	"fmt"
	"math"
	"sync"

	"github.com/charmbracelet/log"
	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"go-improv/midi"
)

var logger = log.WithPrefix("recorder")

const (
	ticksPerQuarter = 480
	recordingBPM    = 120
)

// Instrument programs announced on the performance channels before
// recording starts: trumpet lead, bass and piano chords.
var channelPrograms = map[uint8]uint8{
	1: 57,
	2: 68,
	3: 1,
}

type event struct {
	tick uint32
	msg  gomidi.Message
}

// Recorder captures the drum channel into track 0 and channels 1-3
// into their own tracks while relaying every message unchanged.
// Messages on other channels are relayed but not recorded.
type Recorder struct {
	out      midi.Output
	callback func(midi.Message)

	mu        sync.Mutex
	firstTime float64
	started   bool
	tracks    [4][]event
}

// New returns a Recorder relaying to out. callback, if non-nil,
// observes every relayed message.
func New(out midi.Output, callback func(midi.Message)) *Recorder {
	return &Recorder{out: out, callback: callback, firstTime: -1}
}

// Start announces the channel instrument programs on the output.
func (r *Recorder) Start() error {
	for channel, program := range channelPrograms {
		msg := midi.ProgramChange(channel, program)
		msg.Time = midi.Now()
		if err := r.out.Send(msg); err != nil {
			return fmt.Errorf("recorder: program change: %w", err)
		}
	}
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	return nil
}

// quantize converts an absolute timestamp into ticks relative to the
// first recorded message. Timestamps are truncated to millisecond
// precision first; upstream float transport loses anything finer.
func (r *Recorder) quantize(t float64) uint32 {
	t = math.Trunc(t*1000) / 1000
	if r.firstTime < 0 {
		r.firstTime = t
		return 0
	}
	elapsed := t - r.firstTime
	if elapsed < 0 {
		return 0
	}
	// At 120 BPM a quarter note is half a second.
	return uint32(elapsed * ticksPerQuarter * recordingBPM / 60)
}

// HandleMessage records a message and relays it.
func (r *Recorder) HandleMessage(m midi.Message) error {
	t := m.Time
	if t == 0 {
		t = midi.Now()
	}

	r.mu.Lock()
	tick := r.quantize(t)
	track := -1
	switch {
	case m.Channel == midi.DrumChannel:
		track = 0
	case m.Channel >= 1 && m.Channel <= 3:
		track = int(m.Channel)
	}
	if track >= 0 {
		r.tracks[track] = append(r.tracks[track], event{tick: tick, msg: m.Raw()})
	}
	r.mu.Unlock()

	if r.callback != nil {
		r.callback(m)
	}
	return r.out.Send(m)
}

// Save writes the captured tracks as a standard MIDI file.
func (r *Recorder) Save(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(ticksPerQuarter)
	for i, events := range r.tracks {
		var track smf.Track
		if i == 0 {
			track.Add(0, smf.MetaTempo(recordingBPM))
		}
		last := uint32(0)
		for _, e := range events {
			track.Add(e.tick-last, e.msg)
			last = e.tick
		}
		track.Close(0)
		if err := s.Add(track); err != nil {
			return fmt.Errorf("recorder: add track: %w", err)
		}
	}
	if err := s.WriteFile(path); err != nil {
		return fmt.Errorf("recorder: write %s: %w", path, err)
	}
	logger.Info("saved recording", "path", path)
	return nil
}
