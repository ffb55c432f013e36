package hub

import (
	"math"
	"sync"

	"go-improv/midi"
)

const (
	defaultMetronomeTick    = 0.05
	defaultMetronomeProgram = 117 // Melodic Tom
	defaultMetronomeChannel = 1
)

func defaultMetronomePattern() []*midi.Message {
	downbeat := midi.NoteOn(0, 44, 64)
	beat := midi.NoteOn(0, 35, 64)
	return []*midi.Message{&downbeat, &beat, &beat, &beat}
}

// Metronome emits a cyclic click pattern on wall-clock tick boundaries
// computed from startTime + n*period. A nil slot in the pattern is a
// silent beat.
type Metronome struct {
	out  midi.Output
	done chan struct{}

	mu       sync.Mutex
	channel  uint8
	period   float64
	start    float64
	stopTime float64
	hasStop  bool
	pattern  []*midi.Message
	duration float64
}

func newMetronome(out midi.Output, qpm, startTime float64, channel uint8, pattern []*midi.Message) *Metronome {
	m := &Metronome{
		out:  out,
		done: make(chan struct{}),
	}
	m.Update(qpm, startTime, channel, pattern)
	go m.run()
	return m
}

// Update atomically replaces tempo, start, channel and pattern without
// restarting the tick loop.
func (m *Metronome) Update(qpm, startTime float64, channel uint8, pattern []*midi.Message) {
	if channel == 0 {
		channel = defaultMetronomeChannel
	}
	if pattern == nil {
		pattern = defaultMetronomePattern()
	}
	m.mu.Lock()
	m.channel = channel
	m.period = 60.0 / qpm
	m.start = startTime
	m.pattern = pattern
	m.duration = defaultMetronomeTick
	m.mu.Unlock()
	if err := m.out.Send(midi.ProgramChange(channel, defaultMetronomeProgram)); err != nil {
		logger.Error("metronome program change failed", "err", err)
	}
}

func (m *Metronome) alive() bool {
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Join blocks until the tick loop has terminated.
func (m *Metronome) Join() {
	<-m.done
}

func (m *Metronome) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		period, start := m.period, m.start
		hasStop, stopTime := m.hasStop, m.stopTime
		channel, pattern, duration := m.channel, m.pattern, m.duration
		m.mu.Unlock()

		now := midi.Now()
		tickNumber := math.Max(0, math.Floor((now-start)/period)+1)
		tickTime := start + tickNumber*period

		if hasStop && stopTime < tickTime {
			return
		}
		midi.SleepUntil(tickTime)

		msg := pattern[int(tickNumber)%len(pattern)]
		if msg == nil {
			continue
		}
		tick := *msg
		tick.Channel = channel
		if err := m.out.Send(tick); err != nil {
			logger.Error("metronome send failed", "err", err)
		}
		if tick.IsNoteStart() {
			midi.Sleep(duration)
			if err := m.out.Send(midi.NoteOff(channel, tick.Note)); err != nil {
				logger.Error("metronome send failed", "err", err)
			}
		}
	}
}

// Stop sets a future cutoff; the loop exits once no further tick
// precedes it. A stopTime of zero stops at the next boundary.
func (m *Metronome) Stop(stopTime float64, block bool) {
	m.mu.Lock()
	m.stopTime = stopTime
	m.hasStop = true
	m.mu.Unlock()
	if block {
		m.Join()
	}
}
