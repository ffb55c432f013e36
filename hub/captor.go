package hub

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go-improv/midi"
)

var (
	// ErrNoTimestamp is returned when a captor is handed a message
	// without a timestamp.
	ErrNoTimestamp = errors.New("hub: captor received message without timestamp")
	// ErrCaptureRunning is returned by Final while the capture loop is
	// still running.
	ErrCaptureRunning = errors.New("hub: capture still running, use Captured with an end time")
	// ErrCaptureComplete is returned by Captured after the capture loop
	// has terminated.
	ErrCaptureComplete = errors.New("hub: capture complete, use Final")
	// ErrAlreadyStopped is returned by StopAt on an already-stopped
	// captor. A plain Stop is always permitted.
	ErrAlreadyStopped = errors.New("hub: captor already stopped, explicit stop time not allowed")
	// ErrIterateArgs is returned when Iterate is given both or neither
	// of a signal and a period.
	ErrIterateArgs = errors.New("hub: exactly one of signal or period must be provided")
	// ErrUnknownCallback is returned when cancelling a callback id that
	// was never registered or was already cancelled.
	ErrUnknownCallback = errors.New("hub: no such captor callback")
)

type iterSub struct {
	signal midi.Signal
	ch     chan midi.Message
}

type iterCallback struct {
	stop chan struct{}
}

// Captor reconstructs a note sequence from a live stream of raw
// messages on its own goroutine. A captor runs once; after it stops it
// must be discarded and a new one constructed for a new session.
type Captor struct {
	mono       bool
	stopSignal *midi.Signal

	recv chan midi.Message
	wake chan struct{}
	done chan struct{}

	mu         sync.Mutex
	startTime  float64
	stopTime   float64
	hasStop    bool
	stopped    bool
	terminated bool
	seq        midi.Sequence
	final      midi.Sequence
	openMono   int
	openPoly   map[uint8]int
	subs       []*iterSub
	callbacks  map[int]*iterCallback
	nextCbID   int
}

func newCaptor(mono bool, qpm, startTime, stopTime float64, stopSignal *midi.Signal) *Captor {
	c := &Captor{
		mono:       mono,
		stopSignal: stopSignal,
		recv:       make(chan midi.Message, 1024),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		startTime:  startTime,
		openMono:   -1,
		openPoly:   make(map[uint8]int),
		callbacks:  make(map[int]*iterCallback),
	}
	c.seq.QPM = qpm
	if stopTime > 0 {
		c.stopTime = stopTime
		c.hasStop = true
	}
	return c
}

func (c *Captor) start() {
	go c.run()
}

func (c *Captor) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Join blocks until the capture loop has terminated.
func (c *Captor) Join() {
	<-c.done
}

// Receive enqueues a raw message for capture. It never blocks; when the
// queue is full the message is dropped with an error.
func (c *Captor) Receive(msg midi.Message) error {
	if msg.Time == 0 {
		return fmt.Errorf("%w: %s", ErrNoTimestamp, msg)
	}
	select {
	case c.recv <- msg:
		return nil
	default:
		return fmt.Errorf("hub: captor receive queue full, dropping %s", msg)
	}
}

// StartTime returns the capture window start.
func (c *Captor) StartTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTime
}

// SetStartTime advances the capture window start, pruning notes that
// began before it.
func (c *Captor) SetStartTime(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTime = t
	pruned := 0
	for _, n := range c.seq.Notes {
		if n.Start >= t {
			break
		}
		pruned++
	}
	if pruned == 0 {
		return
	}
	c.seq.Notes = append(c.seq.Notes[:0], c.seq.Notes[pruned:]...)
	if c.openMono >= 0 {
		c.openMono -= pruned
		if c.openMono < 0 {
			c.openMono = -1
		}
	}
	for pitch, idx := range c.openPoly {
		if idx-pruned < 0 {
			delete(c.openPoly, pitch)
		} else {
			c.openPoly[pitch] = idx - pruned
		}
	}
}

func (c *Captor) run() {
	var lastTime float64
	for {
		c.mu.Lock()
		hasStop, stopTime := c.hasStop, c.stopTime
		c.mu.Unlock()

		var msg midi.Message
		if hasStop {
			timeout := stopTime - midi.Now()
			if timeout <= 0 {
				break
			}
			timer := time.NewTimer(time.Duration(timeout * float64(time.Second)))
			select {
			case msg = <-c.recv:
				timer.Stop()
			case <-c.wake:
				timer.Stop()
				continue
			case <-timer.C:
				continue
			}
		} else {
			select {
			case msg = <-c.recv:
			case <-c.wake:
				continue
			}
		}

		if msg.Time <= c.StartTime() {
			continue
		}
		if c.stopSignal != nil && c.stopSignal.Matches(msg) {
			lastTime = msg.Time
			break
		}
		lastTime = msg.Time

		c.mu.Lock()
		for _, sub := range c.subs {
			if sub.signal.Matches(msg) {
				select {
				case sub.ch <- msg:
				default:
					logger.Warn("captor iterator lagging, dropping signal message")
				}
			}
		}
		c.captureLocked(msg)
		c.mu.Unlock()
	}

	// Terminal snapshot and iterator wake must be mutually exclusive
	// with new subscriptions, so a subscriber never misses the wake.
	c.mu.Lock()
	end := lastTime
	if c.hasStop {
		end = c.stopTime
	}
	c.final = c.snapshotLocked(end)
	c.terminated = true
	for _, sub := range c.subs {
		close(sub.ch)
	}
	c.subs = nil
	c.mu.Unlock()
	close(c.done)
}

func (c *Captor) captureLocked(msg midi.Message) {
	if !msg.IsNote() {
		return
	}
	if c.mono {
		c.captureMonoLocked(msg)
	} else {
		c.capturePolyLocked(msg)
	}
}

func (c *Captor) captureMonoLocked(msg midi.Message) {
	switch {
	case msg.IsNoteEnd():
		if c.openMono < 0 || c.seq.Notes[c.openMono].Pitch != msg.Note {
			// Not the note we're tracking. Drop it.
			return
		}
		c.seq.Notes[c.openMono].End = msg.Time
		c.openMono = -1
	case msg.Kind == midi.KindNoteOn:
		if c.openMono >= 0 {
			if c.seq.Notes[c.openMono].Pitch == msg.Note {
				// Repeat of the current note.
				return
			}
			c.seq.Notes[c.openMono].End = msg.Time
		}
		c.openMono = c.addNoteLocked(msg)
	}
}

func (c *Captor) capturePolyLocked(msg midi.Message) {
	switch {
	case msg.IsNoteEnd():
		idx, ok := c.openPoly[msg.Note]
		if !ok {
			// Not a note we're tracking. Drop it.
			return
		}
		c.seq.Notes[idx].End = msg.Time
		delete(c.openPoly, msg.Note)
	case msg.Kind == midi.KindNoteOn:
		if _, ok := c.openPoly[msg.Note]; ok {
			// Repeat of an already-open note.
			return
		}
		c.openPoly[msg.Note] = c.addNoteLocked(msg)
	}
}

func (c *Captor) addNoteLocked(msg midi.Message) int {
	c.seq.Notes = append(c.seq.Notes, midi.NoteEvent{
		Pitch:    msg.Note,
		Velocity: msg.Velocity,
		Start:    msg.Time,
		Drum:     msg.Channel == midi.DrumChannel,
	})
	return len(c.seq.Notes) - 1
}

// snapshotLocked copies the sequence up to end, clipping open notes.
func (c *Captor) snapshotLocked(end float64) midi.Sequence {
	snap := c.seq.Clone()
	for i, n := range snap.Notes {
		if n.Start >= end {
			snap.Notes = snap.Notes[:i]
			break
		}
		if n.End == 0 || n.End > end {
			snap.Notes[i].End = end
		}
	}
	snap.TotalTime = end
	return snap
}

// Captured returns a snapshot of the sequence captured so far, with
// open notes clipped to endTime. Only valid while the capture loop is
// running.
func (c *Captor) Captured(endTime float64) (midi.Sequence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return midi.Sequence{}, ErrCaptureComplete
	}
	return c.snapshotLocked(endTime), nil
}

// Final returns the finished sequence. Only valid after the capture
// loop has terminated.
func (c *Captor) Final() (midi.Sequence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.terminated {
		return midi.Sequence{}, ErrCaptureRunning
	}
	return c.final, nil
}

// Stop ends the capture immediately and waits for the loop to
// terminate. Stopping an already-stopped captor is a no-op.
func (c *Captor) Stop() {
	c.signalStop(0)
	c.Join()
}

// StopAt schedules the capture to end at stopTime and waits for the
// loop to terminate. Unlike Stop, calling StopAt on an already-stopped
// captor is an error.
func (c *Captor) StopAt(stopTime float64) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrAlreadyStopped
	}
	c.mu.Unlock()
	c.signalStop(stopTime)
	c.Join()
	return nil
}

func (c *Captor) signalStop(stopTime float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if stopTime <= 0 {
		stopTime = midi.Now()
	}
	c.stopTime = stopTime
	c.hasStop = true
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Iterate produces snapshots of the captured sequence on the returned
// channel: once per period (wall-clock scheduled, catching up when the
// consumer lags) or once per message matching signal. Exactly one of
// the two must be provided. The channel always ends with one final full
// snapshot after the capture loop terminates, then closes; it is not
// restartable.
func (c *Captor) Iterate(signal *midi.Signal, period float64) (<-chan midi.Sequence, error) {
	if (signal == nil) == (period <= 0) {
		return nil, ErrIterateArgs
	}
	var sub *iterSub
	if signal != nil {
		if err := signal.Validate(); err != nil {
			return nil, err
		}
		sub = &iterSub{signal: *signal, ch: make(chan midi.Message, 64)}
		c.mu.Lock()
		if c.terminated {
			close(sub.ch)
		} else {
			c.subs = append(c.subs, sub)
		}
		c.mu.Unlock()
	}

	out := make(chan midi.Sequence)
	go func() {
		defer close(out)
		if signal == nil {
			c.iteratePeriodic(out, period)
		} else {
			c.iterateSignalled(out, sub)
		}
		c.Join()
		c.mu.Lock()
		final := c.final
		c.mu.Unlock()
		out <- final
	}()
	return out, nil
}

func (c *Captor) iteratePeriodic(out chan<- midi.Sequence, period float64) {
	next := midi.Now() + period
	for c.alive() {
		skipped := math.Floor((midi.Now() - next) / period)
		if skipped > 0 {
			logger.Warn("skipping periods to catch up on iteration",
				"skipped", int(skipped), "period", period)
			next += skipped * period
		} else {
			midi.SleepUntil(next)
		}
		end := next
		next += period
		c.mu.Lock()
		if c.terminated {
			c.mu.Unlock()
			return
		}
		snap := c.snapshotLocked(end)
		c.mu.Unlock()
		out <- snap
	}
}

func (c *Captor) iterateSignalled(out chan<- midi.Sequence, sub *iterSub) {
	for msg := range sub.ch {
		c.mu.Lock()
		if c.terminated {
			c.mu.Unlock()
			return
		}
		snap := c.snapshotLocked(msg.Time)
		c.mu.Unlock()
		out <- snap
	}
}

// RegisterCallback drives one Iterate consumer on a dedicated goroutine
// and invokes fn per snapshot. The returned id cancels it via
// CancelCallback.
func (c *Captor) RegisterCallback(fn func(midi.Sequence), signal *midi.Signal, period float64) (int, error) {
	it, err := c.Iterate(signal, period)
	if err != nil {
		return 0, err
	}
	cb := &iterCallback{stop: make(chan struct{})}
	c.mu.Lock()
	c.nextCbID++
	id := c.nextCbID
	c.callbacks[id] = cb
	c.mu.Unlock()

	go func() {
		for snap := range it {
			select {
			case <-cb.stop:
				return
			default:
			}
			fn(snap)
		}
	}()
	return id, nil
}

// CancelCallback stops a registered callback on its next iteration
// without blocking the caller.
func (c *Captor) CancelCallback(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.callbacks[id]
	if !ok {
		return ErrUnknownCallback
	}
	close(cb.stop)
	delete(c.callbacks, id)
	return nil
}
