package interaction

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-improv/hub"
	"go-improv/midi"
	"go-improv/song"
)

type sink struct {
	mu   sync.Mutex
	msgs []midi.Message
}

func (s *sink) Send(m midi.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

// countingGenerator counts Generate calls, optionally sleeping to
// simulate a slow model.
type countingGenerator struct {
	calls int32
	delay time.Duration
}

func (g *countingGenerator) Generate(input midi.Sequence, inputEnd, genStart, genEnd, temperature float64) (midi.Sequence, error) {
	atomic.AddInt32(&g.calls, 1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	return EchoGenerator{}.Generate(input, inputEnd, genStart, genEnd, temperature)
}

func runToCompletion(t *testing.T, i *Interaction) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- i.Run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		i.Stop()
		t.Fatal("Run did not finish")
	}
}

func TestNewValidation(t *testing.T) {
	h := hub.New(&sink{}, hub.Polyphonic, false, 0)
	gens := []Generator{EchoGenerator{}}
	sig := midi.ControlSignal(1, 127)

	if _, err := New(h, gens, Config{ClockSignal: &sig, TickDuration: 1}); !errors.Is(err, ErrTickSource) {
		t.Errorf("both tick sources: got %v, want ErrTickSource", err)
	}
	if _, err := New(h, gens, Config{}); !errors.Is(err, ErrTickSource) {
		t.Errorf("no tick source: got %v, want ErrTickSource", err)
	}
	if _, err := New(h, nil, Config{TickDuration: 1}); !errors.Is(err, ErrNoGenerators) {
		t.Errorf("no generators: got %v, want ErrNoGenerators", err)
	}
}

func TestPartCacheReuse(t *testing.T) {
	out := &sink{}
	h := hub.New(out, hub.Polyphonic, false, 0)
	gen := &countingGenerator{}

	// The same part name twice: the second visit must reuse the cache.
	structure := song.Song{
		{Name: "verse", Key: "C", Chords: []string{"C"}},
		{Name: "verse", Key: "C", Chords: []string{"C"}},
	}
	i, err := New(h, []Generator{gen}, Config{
		QPM:          120,
		Structure:    structure,
		TickDuration: 0.05,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runToCompletion(t, i)
	h.Stop()

	if got := atomic.LoadInt32(&gen.calls); got != 3 {
		t.Errorf("generator called %d times, want 3 (one per role, second visit cached)", got)
	}
	if len(i.melodyCache) != 1 || len(i.bassCache) != 1 || len(i.drumCache) != 1 {
		t.Errorf("cache sizes %d/%d/%d, want 1 entry each keyed by part name",
			len(i.melodyCache), len(i.bassCache), len(i.drumCache))
	}
}

func TestLatencyPushPersistsForward(t *testing.T) {
	out := &sink{}
	h := hub.New(out, hub.Polyphonic, false, 0)
	// Well past the quarter-tick tolerance at a 50ms tick.
	gen := &countingGenerator{delay: 120 * time.Millisecond}

	structure := song.Song{{Name: "verse", Key: "C", Chords: []string{"C"}}}
	i, err := New(h, []Generator{gen}, Config{
		QPM:          120,
		Structure:    structure,
		TickDuration: 0.05,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := midi.Now()
	runToCompletion(t, i)
	h.Stop()

	melody := i.melodyCache["verse"]
	bass := i.bassCache["verse"]
	drums := i.drumCache["verse"]
	if melody == nil || bass == nil || drums == nil {
		t.Fatal("missing cache entries")
	}
	// The push is persisted identically into every role's cache.
	if melody.responseStart != bass.responseStart || melody.responseStart != drums.responseStart {
		t.Errorf("response starts diverged: %f / %f / %f",
			melody.responseStart, bass.responseStart, drums.responseStart)
	}
	// Three 120ms generations against a 50ms tick: the persisted start
	// must land several ticks past the first boundary.
	if melody.responseStart < before+0.2 {
		t.Errorf("responseStart = %f, expected a forward push past %f", melody.responseStart, before+0.2)
	}
}

func TestPushTicksArithmetic(t *testing.T) {
	// A generation finishing 3.0s past its start at a 2.0s tick pushes
	// exactly 2 ticks.
	if got := pushTicks(13.0, 10.0, 2.0); got != 2 {
		t.Errorf("pushTicks(3.0 overrun, 2.0 tick) = %f, want 2", got)
	}
	// Just over the boundary pushes a whole extra tick.
	if got := pushTicks(12.1, 10.0, 2.0); got != 2 {
		t.Errorf("pushTicks(2.1 overrun, 2.0 tick) = %f, want 2", got)
	}
	if got := pushTicks(10.6, 10.0, 2.0); got != 1 {
		t.Errorf("pushTicks(0.6 overrun, 2.0 tick) = %f, want 1", got)
	}
}

func TestStopEndsRun(t *testing.T) {
	out := &sink{}
	h := hub.New(out, hub.Polyphonic, false, 0)

	// A long structure that would run for minutes.
	structure := song.Song{}
	for i := 0; i < 100; i++ {
		structure = append(structure, song.Part{Name: "vamp", Key: "C", Chords: []string{"C"}})
	}
	i, err := New(h, []Generator{EchoGenerator{}}, Config{
		QPM:          120,
		Structure:    structure,
		TickDuration: 0.05,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- i.Run() }()
	time.Sleep(200 * time.Millisecond)
	i.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	h.Stop()
}
