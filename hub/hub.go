// Package hub multiplexes live MIDI input to capture and playback
// subsystems: it owns the input/output ports' message flow, dispatches
// signal waiters and callbacks, maintains the shared control-value
// table, and applies the output texture policy.
package hub

import (
	"errors"
	"sync"

	"github.com/charmbracelet/log"

	"go-improv/midi"
)

var logger = log.WithPrefix("hub")

// Texture governs how many simultaneous notes the output may carry.
type Texture int

const (
	Monophonic Texture = iota + 1
	Polyphonic
)

var (
	// ErrWaitArgs is returned when WaitForEvent is given both or
	// neither of a signal and a timeout.
	ErrWaitArgs = errors.New("hub: exactly one of signal or timeout must be provided")
	// ErrCaptureBounds is returned when CaptureSequence has no stop
	// condition at all.
	ErrCaptureBounds = errors.New("hub: at least one of stop time or stop signal must be provided")
)

type waiter struct {
	signal midi.Signal
	done   chan struct{}
}

type callbackEntry struct {
	id     int
	signal midi.Signal
	fn     func(midi.Message)
}

// Hub routes raw timestamped messages between one input side and a
// fan-out output side. One reentrant-style lock guards all shared
// tables; it is held only for state mutation, never across a blocking
// wait.
type Hub struct {
	out            midi.Output
	texture        Texture
	playbackOffset float64

	mu          sync.Mutex
	passthrough bool
	openNotes   map[uint8]struct{}
	waiters     []*waiter
	callbacks   []*callbackEntry
	nextCbID    int
	controls    map[uint8]uint8
	captors     []*Captor
	players     []*Player
	metronome   *Metronome
}

// New creates a hub writing to out. When passthrough is true, input
// messages are re-emitted to the output per the texture policy.
func New(out midi.Output, texture Texture, passthrough bool, playbackOffset float64) *Hub {
	return &Hub{
		out:            out,
		texture:        texture,
		passthrough:    passthrough,
		playbackOffset: playbackOffset,
		openNotes:      make(map[uint8]struct{}),
		controls:       make(map[uint8]uint8),
	}
}

// HandleMessage ingests one raw message: it timestamps it if needed,
// wakes matching one-shot waiters, fires matching persistent callbacks,
// fans a copy out to live captors, updates the control table, and
// forwards to the output per texture policy. It is intended to be
// called synchronously from the port driver's reader thread and blocks
// only on the hub lock.
func (h *Hub) HandleMessage(msg midi.Message) {
	if msg.Kind == midi.KindProgramChange {
		return
	}
	if msg.Time == 0 {
		msg.Time = midi.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// One-shot waiters: wake and deregister on first match.
	kept := h.waiters[:0]
	for _, w := range h.waiters {
		if w.signal.Matches(msg) {
			close(w.done)
		} else {
			kept = append(kept, w)
		}
	}
	h.waiters = kept

	// Persistent callbacks: fire-and-forget, one goroutine each.
	for _, cb := range h.callbacks {
		if cb.signal.Matches(msg) {
			fn := cb.fn
			go func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("callback panicked", "err", r)
					}
				}()
				fn(msg)
			}()
		}
	}

	// Prune dead captors, then deliver an independent copy to each
	// live one. Message values copy on send.
	live := h.captors[:0]
	for _, c := range h.captors {
		if c.alive() {
			live = append(live, c)
			if err := c.Receive(msg); err != nil {
				logger.Warn("captor dropped message", "err", err)
			}
		}
	}
	h.captors = live

	if msg.Kind == midi.KindControlChange {
		if h.controls[msg.Control] != msg.Value {
			logger.Debug("control change", "control", msg.Control, "value", msg.Value)
		}
		h.controls[msg.Control] = msg.Value
	}

	h.forwardLocked(msg)
}

// forwardLocked applies the texture policy and forwards to output.
func (h *Hub) forwardLocked(msg midi.Message) {
	if !h.passthrough {
		return
	}
	switch h.texture {
	case Polyphonic:
		if msg.IsNoteStart() {
			h.openNotes[msg.Note] = struct{}{}
		} else if msg.IsNoteEnd() {
			delete(h.openNotes, msg.Note)
		}
		h.send(msg)
	case Monophonic:
		switch {
		case !msg.IsNote():
			h.send(msg)
		case msg.IsNoteEnd():
			if _, open := h.openNotes[msg.Note]; open {
				h.send(msg)
				delete(h.openNotes, msg.Note)
			}
		default:
			for note := range h.openNotes {
				h.send(midi.NoteOff(msg.Channel, note))
				delete(h.openNotes, note)
			}
			h.send(msg)
			h.openNotes[msg.Note] = struct{}{}
		}
	}
}

func (h *Hub) send(msg midi.Message) {
	if err := h.out.Send(msg); err != nil {
		logger.Error("send failed", "err", err)
	}
}

// SetPassthrough toggles output forwarding. Disabling it force-closes
// every open note first.
func (h *Hub) SetPassthrough(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.passthrough == v {
		return
	}
	for note := range h.openNotes {
		h.send(midi.NoteOff(0, note))
		delete(h.openNotes, note)
	}
	h.passthrough = v
}

// Passthrough reports whether output forwarding is enabled.
func (h *Hub) Passthrough() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.passthrough
}

// WaitForEvent blocks until a message matching signal arrives, or for
// the given timeout. Exactly one of signal (non-nil) and timeout
// (positive) must be provided.
func (h *Hub) WaitForEvent(signal *midi.Signal, timeout float64) error {
	if (signal == nil) == (timeout <= 0) {
		return ErrWaitArgs
	}
	if signal == nil {
		midi.Sleep(timeout)
		return nil
	}
	if err := signal.Validate(); err != nil {
		return err
	}
	w := &waiter{signal: *signal, done: make(chan struct{})}
	h.mu.Lock()
	h.waiters = append(h.waiters, w)
	h.mu.Unlock()
	<-w.done
	return nil
}

// WakeSignalWaiters wakes and deregisters every waiter matching
// signal, or every waiter when signal is nil.
func (h *Hub) WakeSignalWaiters(signal *midi.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.waiters[:0]
	for _, w := range h.waiters {
		if signal == nil || *signal == w.signal {
			close(w.done)
		} else {
			kept = append(kept, w)
		}
	}
	h.waiters = kept
}

// RegisterCallback registers fn to run (in its own goroutine) for every
// message matching signal, until unregistered.
func (h *Hub) RegisterCallback(signal midi.Signal, fn func(midi.Message)) (int, error) {
	if err := signal.Validate(); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextCbID++
	h.callbacks = append(h.callbacks, &callbackEntry{id: h.nextCbID, signal: signal, fn: fn})
	return h.nextCbID, nil
}

// UnregisterCallback removes a callback registration by id.
func (h *Hub) UnregisterCallback(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, cb := range h.callbacks {
		if cb.id == id {
			h.callbacks = append(h.callbacks[:i], h.callbacks[i+1:]...)
			return
		}
	}
}

// ControlValue returns the last received value for a controller number.
func (h *Hub) ControlValue(control uint8) (uint8, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.controls[control]
	return v, ok
}

// SendControlChange emits a control change on the output, bypassing the
// texture policy.
func (h *Hub) SendControlChange(control, value uint8) {
	h.send(midi.ControlChange(0, control, value))
}

// StartCapture starts a capture session matching the hub's texture. A
// stopTime of zero means no deadline; a nil stopSignal means no signal
// trigger.
func (h *Hub) StartCapture(qpm, startTime, stopTime float64, stopSignal *midi.Signal) *Captor {
	c := newCaptor(h.texture == Monophonic, qpm, startTime, stopTime, stopSignal)
	h.mu.Lock()
	h.captors = append(h.captors, c)
	h.mu.Unlock()
	c.start()
	return c
}

// CaptureSequence captures until the stop time or stop signal, blocking
// the caller, and returns the final sequence. At least one stop
// condition is required.
func (h *Hub) CaptureSequence(qpm, startTime, stopTime float64, stopSignal *midi.Signal) (midi.Sequence, error) {
	if stopTime <= 0 && stopSignal == nil {
		return midi.Sequence{}, ErrCaptureBounds
	}
	c := h.StartCapture(qpm, startTime, stopTime, stopSignal)
	c.Join()
	return c.Final()
}

// StartPlayback starts a player streaming sequence to the output on
// the given channel. A startTime of zero means now.
func (h *Hub) StartPlayback(sequence midi.Sequence, startTime float64, channel uint8, allowUpdates bool) *Player {
	p := newPlayer(h.out, sequence, startTime, allowUpdates, channel, h.playbackOffset)
	h.mu.Lock()
	h.players = append(h.players, p)
	h.mu.Unlock()
	p.start()
	return p
}

// StartMetronome starts the metronome, or retunes the running one.
func (h *Hub) StartMetronome(qpm, startTime float64, channel uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.metronome != nil && h.metronome.alive() {
		h.metronome.Update(qpm, startTime, channel, nil)
		return
	}
	h.metronome = newMetronome(h.out, qpm, startTime, channel, nil)
}

// StopMetronome stops the metronome if one is running.
func (h *Hub) StopMetronome(stopTime float64, block bool) {
	h.mu.Lock()
	m := h.metronome
	h.metronome = nil
	h.mu.Unlock()
	if m != nil {
		m.Stop(stopTime, block)
	}
}

// Stop shuts the hub down: captors, players and metronome are all
// signalled first, then joined.
func (h *Hub) Stop() {
	h.mu.Lock()
	captors := h.captors
	players := h.players
	m := h.metronome
	h.captors = nil
	h.players = nil
	h.metronome = nil
	h.mu.Unlock()

	for _, c := range captors {
		c.signalStop(0)
	}
	for _, p := range players {
		p.signalStop()
	}
	if m != nil {
		m.Stop(0, false)
	}
	for _, c := range captors {
		c.Join()
	}
	for _, p := range players {
		p.Join()
	}
	if m != nil {
		m.Join()
	}
}
