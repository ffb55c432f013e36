package hub

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go-improv/midi"
)

// ErrUpdatesDisabled is returned when updating a player sequence after
// updates have been disabled (at construction or by Stop).
var ErrUpdatesDisabled = errors.New("hub: player sequence updates are disabled")

// Player replays a note sequence as timed messages on one channel,
// tolerating live resequencing. A player runs once; a stopped player
// must be discarded.
type Player struct {
	out     midi.Output
	channel uint8
	offset  float64

	mu           sync.Mutex
	cond         *sync.Cond
	queue        []midi.Message
	openNotes    map[uint8]struct{}
	allowUpdates bool
	stopped      bool
	done         chan struct{}
}

func newPlayer(out midi.Output, sequence midi.Sequence, startTime float64, allowUpdates bool, channel uint8, offset float64) *Player {
	p := &Player{
		out:       out,
		channel:   channel,
		offset:    offset,
		openNotes: make(map[uint8]struct{}),
		done:      make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	// Load the initial sequence, then honor the caller's update policy.
	p.allowUpdates = true
	p.UpdateSequence(sequence, startTime)
	p.allowUpdates = allowUpdates
	return p
}

func (p *Player) start() {
	go p.run()
}

// Join blocks until the playback loop has terminated.
func (p *Player) Join() {
	<-p.done
}

// UpdateSequence replaces the pending queue with the sequence's
// messages. Notes already open that the new sequence does not reopen
// before startTime are closed at the new queue's earliest event time,
// so no note hangs across a resequencing. A startTime of zero means
// now.
func (p *Player) UpdateSequence(sequence midi.Sequence, startTime float64) error {
	if startTime <= 0 {
		startTime = midi.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.allowUpdates {
		return ErrUpdatesDisabled
	}

	var list []midi.Message
	closed := make(map[uint8]struct{})
	for _, n := range sequence.Notes {
		switch {
		case n.Start >= startTime:
			on := midi.NoteOn(p.channel, n.Pitch, n.Velocity)
			on.Time = n.Start
			off := midi.NoteOff(p.channel, n.Pitch)
			off.Time = n.End
			list = append(list, on, off)
		case n.End >= startTime:
			if _, open := p.openNotes[n.Pitch]; open {
				off := midi.NoteOff(p.channel, n.Pitch)
				off.Time = n.End
				list = append(list, off)
				closed[n.Pitch] = struct{}{}
			}
		}
	}

	// Close remaining open notes at the next event time rather than
	// letting them ring indefinitely.
	var nextEvent float64
	for _, m := range list {
		if nextEvent == 0 || m.Time < nextEvent {
			nextEvent = m.Time
		}
	}
	for pitch := range p.openNotes {
		if _, ok := closed[pitch]; ok {
			continue
		}
		off := midi.NoteOff(p.channel, pitch)
		off.Time = nextEvent
		list = append(list, off)
	}

	for i := range list {
		list[i].Time += p.offset
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Time != list[j].Time {
			return list[i].Time < list[j].Time
		}
		return list[i].Note < list[j].Note
	})

	p.queue = list
	p.cond.Broadcast()
	return nil
}

func (p *Player) run() {
	p.mu.Lock()
	// Skip messages already in the past on startup.
	for len(p.queue) > 0 && p.queue[0].Time < midi.Now() {
		p.queue = p.queue[1:]
	}

	for {
		for len(p.queue) > 0 {
			delta := p.queue[0].Time - midi.Now()
			if delta > 0 {
				p.waitLocked(delta)
				continue
			}
			msg := p.queue[0]
			p.queue = p.queue[1:]
			switch {
			case msg.IsNoteStart():
				p.openNotes[msg.Note] = struct{}{}
			case msg.IsNoteEnd():
				delete(p.openNotes, msg.Note)
			}
			if err := p.out.Send(msg); err != nil {
				logger.Error("playback send failed", "err", err)
			}
		}
		if p.allowUpdates && !p.stopped {
			p.cond.Wait()
		} else {
			break
		}
	}
	p.mu.Unlock()
	close(p.done)
}

// waitLocked waits on the player condition for at most d seconds.
func (p *Player) waitLocked(d float64) {
	timer := time.AfterFunc(time.Duration(d*float64(time.Second)), func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	p.cond.Wait()
	timer.Stop()
}

// Stop disables further updates, replaces the queue with immediate
// note offs for every open note, and waits for the loop to terminate.
// Stop is idempotent.
func (p *Player) Stop() {
	p.signalStop()
	p.Join()
}

func (p *Player) signalStop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.allowUpdates = false
	now := midi.Now()
	p.queue = p.queue[:0]
	for pitch := range p.openNotes {
		off := midi.NoteOff(p.channel, pitch)
		off.Time = now
		p.queue = append(p.queue, off)
	}
	p.cond.Broadcast()
}
