// Package interaction drives a live performance against a song
// structure. A tick loop consumes periodic capture snapshots, asks a
// generator for new material on each part boundary (or replays the
// part's cached material), and streams the result through four players
// for melody, bass, chords and drums.
package interaction

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"go-improv/hub"
	"go-improv/midi"
	"go-improv/song"
)

var logger = log.WithPrefix("interaction")

// State is the engine's reported performance state. It is written to
// the state control number for front ends, it does not gate the loop.
type State uint8

const (
	Idle State = iota
	Listening
	Responding
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Responding:
		return "responding"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Generator produces new material for a generation window. The input
// sequence is zero-based: input material occupies [0, inputEnd) and
// the result must cover [genStart, genEnd). Called synchronously from
// the interaction loop, so latency directly eats the tick budget.
type Generator interface {
	Generate(input midi.Sequence, inputEnd, genStart, genEnd, temperature float64) (midi.Sequence, error)
}

const (
	baseQPM  = 60
	partBars = 8

	melodyChannel = 1
	bassChannel   = 2
	chordChannel  = 3
	drumChannel   = midi.DrumChannel

	chordBlockSeconds = 2
	chordVelocity     = 100
)

var (
	ErrTickSource   = errors.New("interaction: exactly one of ClockSignal and TickDuration must be set")
	ErrNoGenerators = errors.New("interaction: at least one generator required")
)

// Config wires an Interaction to its hub-side collaborators. All
// control numbers are optional; a nil pointer leaves that binding
// unassigned.
type Config struct {
	// QPM is the tempo used when no tempo control value has arrived.
	QPM float64

	Structure song.Song

	// Exactly one of ClockSignal and TickDuration must be set.
	ClockSignal  *midi.Signal
	TickDuration float64

	// ChordPassthrough plays the procedural chord accompaniment on the
	// chord channel. Off when the chords instead drive a downstream
	// harmonizer silently.
	ChordPassthrough bool

	// MetronomeChannel enables the hub metronome when self-clocked.
	MetronomeChannel *uint8

	EndCallSignal *midi.Signal
	PanicSignal   *midi.Signal
	MutateSignal  *midi.Signal

	GeneratorSelectControl *uint8
	TempoControl           *uint8
	TemperatureControl     *uint8
	MinListenTicksControl  *uint8
	MaxListenTicksControl  *uint8
	ResponseTicksControl   *uint8
	LoopControl            *uint8
	StateControl           *uint8
}

type cacheEntry struct {
	sequence      midi.Sequence
	responseStart float64
}

// Interaction runs one performance. Instances are single-use: once
// stopped the caches and captor are discarded with it.
type Interaction struct {
	hub        *hub.Hub
	generators []Generator
	cfg        Config

	melodyCache map[string]*cacheEntry
	bassCache   map[string]*cacheEntry
	drumCache   map[string]*cacheEntry

	captorMu sync.Mutex
	captor   *hub.Captor

	stopped  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}

	endCall atomic.Bool
	panic   atomic.Bool
	mutate  atomic.Bool
}

// New validates the configuration and returns an Interaction ready to
// Run. Generators are assigned to the melody, bass and drum roles in
// order, wrapping around when fewer than three are given.
func New(h *hub.Hub, generators []Generator, cfg Config) (*Interaction, error) {
	if (cfg.ClockSignal == nil) == (cfg.TickDuration <= 0) {
		return nil, ErrTickSource
	}
	if len(generators) == 0 {
		return nil, ErrNoGenerators
	}
	if cfg.QPM <= 0 {
		cfg.QPM = 120
	}
	i := &Interaction{
		hub:         h,
		generators:  generators,
		cfg:         cfg,
		melodyCache: make(map[string]*cacheEntry),
		bassCache:   make(map[string]*cacheEntry),
		drumCache:   make(map[string]*cacheEntry),
		done:        make(chan struct{}),
	}
	return i, nil
}

func (i *Interaction) controlValue(number *uint8) (uint8, bool) {
	if number == nil {
		return 0, false
	}
	return i.hub.ControlValue(*number)
}

func (i *Interaction) qpm() float64 {
	val, ok := i.controlValue(i.cfg.TempoControl)
	if !ok {
		return i.cfg.QPM
	}
	return float64(val) + baseQPM
}

func (i *Interaction) temperature() float64 {
	const minTemp, maxTemp = 0.1, 2.0
	val, ok := i.controlValue(i.cfg.TemperatureControl)
	if !ok {
		return 1.0
	}
	return minTemp + float64(val)/127*(maxTemp-minTemp)
}

func (i *Interaction) minListenTicks() int {
	val, _ := i.controlValue(i.cfg.MinListenTicksControl)
	return int(val)
}

func (i *Interaction) maxListenTicks() int {
	val, ok := i.controlValue(i.cfg.MaxListenTicksControl)
	if !ok || val == 0 {
		return math.MaxInt
	}
	return int(val)
}

func (i *Interaction) responseBars() int {
	val, ok := i.controlValue(i.cfg.ResponseTicksControl)
	if !ok || val == 0 {
		return partBars
	}
	return int(val)
}

func (i *Interaction) shouldLoop() bool {
	val, ok := i.controlValue(i.cfg.LoopControl)
	return ok && val == 127
}

// roleGenerator picks the generator for an instrument role, rotated by
// the generator select control when one is bound.
func (i *Interaction) roleGenerator(role int) Generator {
	sel, _ := i.controlValue(i.cfg.GeneratorSelectControl)
	return i.generators[(role+int(sel))%len(i.generators)]
}

func (i *Interaction) reportState(s State) {
	if i.cfg.StateControl != nil {
		i.hub.SendControlChange(*i.cfg.StateControl, uint8(s))
	}
	logger.Info("state", "state", s)
}

// generate invokes a role's generator over the response window.
// Times handed to the generator are relative to zeroTime; the result
// is trimmed to the window and shifted back to absolute time.
func (i *Interaction) generate(role int, input midi.Sequence, zeroTime, responseStart, responseEnd float64) (midi.Sequence, error) {
	relStart := responseStart - zeroTime
	relEnd := responseEnd - zeroTime

	gen := i.roleGenerator(role)
	response, err := gen.Generate(input.Shift(-zeroTime), relStart, relStart, relEnd, i.temperature())
	if err != nil {
		return midi.Sequence{}, fmt.Errorf("interaction: generate: %w", err)
	}
	return response.Trim(relStart, relEnd).Shift(zeroTime), nil
}

// pushTicks returns the number of whole ticks to push an overrun
// response forward so it lands on the next reachable tick boundary.
func pushTicks(now, responseStart, tickDuration float64) float64 {
	return math.Floor((now-responseStart)/tickDuration) + 1
}

// chordSequence lays the part's progression out twice as fixed-length
// blocks starting at responseStart. Cheap and deterministic, so never
// cached.
func chordSequence(part song.Part, responseStart, qpm float64) (midi.Sequence, error) {
	chords, err := part.MIDIChords(0)
	if err != nil {
		return midi.Sequence{}, err
	}
	chords = append(chords, chords...)
	seq := midi.Sequence{QPM: qpm}
	for idx, chord := range chords {
		start := responseStart + float64(chordBlockSeconds*idx)
		for _, note := range chord {
			seq.Notes = append(seq.Notes, midi.NoteEvent{
				Pitch:    uint8(note),
				Velocity: chordVelocity,
				Start:    start,
				End:      start + chordBlockSeconds,
			})
		}
		seq.TotalTime = start + chordBlockSeconds
	}
	return seq, nil
}

// Run executes the performance loop until the song structure is
// exhausted (or restarted by the loop control) or Stop is called.
// Generator failures abort the run.
func (i *Interaction) Run() error {
	defer close(i.done)

	startTime := midi.Now()
	captor := i.hub.StartCapture(i.qpm(), startTime, 0, nil)
	i.captorMu.Lock()
	i.captor = captor
	i.captorMu.Unlock()

	selfClocked := i.cfg.ClockSignal == nil
	if selfClocked && i.cfg.MetronomeChannel != nil {
		i.hub.StartMetronome(i.qpm(), startTime, *i.cfg.MetronomeChannel)
	}

	if err := i.registerFlagCallbacks(captor); err != nil {
		return err
	}

	var empty midi.Sequence
	playerMelody := i.hub.StartPlayback(empty, 0, melodyChannel, true)
	playerBass := i.hub.StartPlayback(empty, 0, bassChannel, true)
	playerChords := i.hub.StartPlayback(empty, 0, chordChannel, true)
	playerDrums := i.hub.StartPlayback(empty, 0, drumChannel, true)
	players := []*hub.Player{playerMelody, playerBass, playerChords, playerDrums}
	defer func() {
		for _, p := range players {
			p.Stop()
		}
	}()

	ticks, err := captor.Iterate(i.cfg.ClockSignal, i.cfg.TickDuration)
	if err != nil {
		return err
	}
	// The iterator ends with a final snapshot; drain it if the loop
	// below exits early so the iterator goroutine is released.
	defer func() {
		go func() {
			for range ticks {
			}
		}()
	}()

	lastTickTime := midi.Now()
	listenTicks := 0
	barsPlayed := 0
	var melodySequence midi.Sequence

	for captured := range ticks {
		if i.stopped.Load() {
			break
		}
		if i.panic.Swap(false) {
			logger.Warn("panic: flushing playback")
			for _, p := range players {
				_ = p.UpdateSequence(empty, 0)
			}
		}

		tickTime := captured.TotalTime
		if selfClocked && i.cfg.MetronomeChannel != nil {
			// Tempo control may have moved; realign the metronome.
			i.hub.StartMetronome(i.qpm(), tickTime, *i.cfg.MetronomeChannel)
		}
		captured.QPM = i.qpm()

		tickDuration := tickTime - lastTickTime
		silentTick := captured.LastNoteEnd() <= lastTickTime
		if !silentTick {
			listenTicks++
		}

		partIndex := barsPlayed / partBars
		barInPart := barsPlayed % partBars
		if partIndex >= len(i.cfg.Structure) {
			if !i.shouldLoop() {
				logger.Info("song structure exhausted")
				break
			}
			logger.Info("looping song structure")
			barsPlayed, partIndex, barInPart = 0, 0, 0
		}

		responseDuration := float64(i.responseBars()) * tickDuration
		responseStart := tickTime
		captureStart := captor.StartTime()
		if silentTick {
			// Nothing played: slide the capture forward one tick so
			// the window keeps ending at the tick boundary.
			captured = captured.Shift(tickDuration)
			captured.TotalTime = tickTime
			captureStart += tickDuration
		}

		if barInPart == 0 {
			part := i.cfg.Structure[partIndex]
			logger.Info("part boundary", "part", part.Name, "bar", barsPlayed)

			if i.mutate.Swap(false) {
				logger.Info("mutate: regenerating part", "part", part.Name)
				delete(i.melodyCache, part.Name)
				delete(i.bassCache, part.Name)
				delete(i.drumCache, part.Name)
			}

			var bassSequence, drumSequence midi.Sequence
			roles := []struct {
				role  int
				cache map[string]*cacheEntry
				out   *midi.Sequence
			}{
				{0, i.melodyCache, &melodySequence},
				{1, i.bassCache, &bassSequence},
				{2, i.drumCache, &drumSequence},
			}
			for _, r := range roles {
				if entry := r.cache[part.Name]; entry != nil {
					*r.out = entry.sequence
					responseStart = entry.responseStart
					continue
				}
				seq, err := i.generate(r.role, captured, captureStart, responseStart, responseStart+responseDuration)
				if err != nil {
					return err
				}
				*r.out = seq
				r.cache[part.Name] = &cacheEntry{sequence: seq, responseStart: captureStart}
			}

			chordSeq, err := chordSequence(part, responseStart, i.qpm())
			if err != nil {
				return err
			}

			// Generation may have overrun the tick budget; push the
			// response to the next tick boundary it can still make.
			if now := midi.Now(); now-responseStart >= tickDuration/4 {
				push := pushTicks(now, responseStart, tickDuration)
				delta := push * tickDuration
				responseStart += delta
				melodySequence = melodySequence.Shift(delta)
				bassSequence = bassSequence.Shift(delta)
				chordSeq = chordSeq.Shift(delta)
				drumSequence = drumSequence.Shift(delta)
				for _, cache := range []map[string]*cacheEntry{i.melodyCache, i.bassCache, i.drumCache} {
					if entry := cache[part.Name]; entry != nil {
						entry.responseStart = responseStart
					}
				}
				logger.Warn("response too late", "push_ticks", push)
			}

			if err := playerMelody.UpdateSequence(melodySequence, responseStart); err != nil {
				return err
			}
			if err := playerBass.UpdateSequence(bassSequence, responseStart); err != nil {
				return err
			}
			if i.cfg.ChordPassthrough {
				if err := playerChords.UpdateSequence(chordSeq, responseStart); err != nil {
					return err
				}
			}
			if err := playerDrums.UpdateSequence(drumSequence, responseStart); err != nil {
				return err
			}
			i.reportState(Responding)
		}

		switch {
		case len(captured.Notes) == 0:
			if melodySequence.TotalTime <= tickTime {
				i.reportState(Idle)
			}
			if captor.StartTime() < tickTime {
				captor.SetStartTime(tickTime)
			}
			i.endCall.Store(false)
			listenTicks = 0
		case i.endCall.Load() || listenTicks >= i.maxListenTicks():
		case silentTick && listenTicks >= i.minListenTicks():
			// A pause after enough material: hold state, the call is
			// probably over.
		default:
			i.reportState(Listening)
		}

		lastTickTime = tickTime
		barsPlayed++
	}
	return nil
}

func (i *Interaction) registerFlagCallbacks(captor *hub.Captor) error {
	type binding struct {
		signal *midi.Signal
		flag   *atomic.Bool
		name   string
	}
	for _, b := range []binding{
		{i.cfg.EndCallSignal, &i.endCall, "end call"},
		{i.cfg.PanicSignal, &i.panic, "panic"},
		{i.cfg.MutateSignal, &i.mutate, "mutate"},
	} {
		if b.signal == nil {
			continue
		}
		b := b
		_, err := captor.RegisterCallback(func(midi.Sequence) {
			b.flag.Store(true)
			logger.Info(b.name + " signal received")
		}, b.signal, 0)
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop ends the run: the captor is stopped (which terminates the tick
// iterator), the metronome is stopped, and the call blocks until Run
// has returned and stopped the players.
func (i *Interaction) Stop() {
	i.stopOnce.Do(func() {
		i.stopped.Store(true)
		i.captorMu.Lock()
		captor := i.captor
		i.captorMu.Unlock()
		if captor != nil {
			captor.Stop()
		}
		i.hub.StopMetronome(0, false)
	})
	<-i.done
}

// EchoGenerator plays the input back over the generation window,
// shifted to start at the window and clipped to it. Velocities are
// scaled by temperature so the knob stays audible. Useful without a
// trained model, and for tests.
type EchoGenerator struct{}

func (EchoGenerator) Generate(input midi.Sequence, inputEnd, genStart, genEnd, temperature float64) (midi.Sequence, error) {
	delta := genStart
	if len(input.Notes) > 0 {
		delta = genStart - input.Notes[0].Start
	}
	out := input.Shift(delta)
	out = out.Trim(genStart, genEnd)
	out.TotalTime = genEnd
	if temperature > 0 && temperature != 1 {
		for i := range out.Notes {
			v := float64(out.Notes[i].Velocity) * temperature
			if v < 1 {
				v = 1
			}
			if v > 127 {
				v = 127
			}
			out.Notes[i].Velocity = uint8(v)
		}
	}
	return out, nil
}
