package midi

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// Output sends messages to a sink: a hardware port, a virtual port, or a
// test capture.
type Output interface {
	Send(Message) error
}

// OutputFunc adapts a function to the Output interface.
type OutputFunc func(Message) error

func (f OutputFunc) Send(m Message) error { return f(m) }

// MultiOutput fans every message out to each member, returning the
// first send error.
type MultiOutput []Output

func (mo MultiOutput) Send(m Message) error {
	var first error
	for _, out := range mo {
		if err := out.Send(m); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Ports owns the MIDI driver and every port opened through it. Named
// ports that do not exist are opened as virtual ports instead.
type Ports struct {
	driver *rtmididrv.Driver

	mu    sync.Mutex
	stops []func()
}

// OpenPorts initializes the MIDI driver.
func OpenPorts() (*Ports, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("midi: init driver: %w", err)
	}
	return &Ports{driver: drv}, nil
}

// InNames lists input port names visible to the driver.
func (p *Ports) InNames() []string {
	ins, err := p.driver.Ins()
	if err != nil {
		return nil
	}
	names := make([]string, len(ins))
	for i, in := range ins {
		names[i] = in.String()
	}
	return names
}

// OutNames lists output port names visible to the driver.
func (p *Ports) OutNames() []string {
	outs, err := p.driver.Outs()
	if err != nil {
		return nil
	}
	names := make([]string, len(outs))
	for i, out := range outs {
		names[i] = out.String()
	}
	return names
}

func (p *Ports) findOut(name string) drivers.Out {
	outs, err := p.driver.Outs()
	if err != nil {
		return nil
	}
	for _, out := range outs {
		if out.String() == name {
			return out
		}
	}
	return nil
}

func (p *Ports) findIn(name string) drivers.In {
	ins, err := p.driver.Ins()
	if err != nil {
		return nil
	}
	for _, in := range ins {
		if in.String() == name {
			return in
		}
	}
	return nil
}

// Output opens one named output port, falling back to a virtual port
// when no hardware port carries the name.
func (p *Ports) Output(name string) (Output, error) {
	port := p.findOut(name)
	if port == nil {
		log.Info("opening virtual output port", "name", name)
		virtual, err := p.driver.OpenVirtualOut(name)
		if err != nil {
			return nil, fmt.Errorf("midi: open virtual output %q: %w", name, err)
		}
		port = virtual
	}
	send, err := gomidi.SendTo(port)
	if err != nil {
		return nil, fmt.Errorf("midi: open output %q: %w", name, err)
	}
	return OutputFunc(func(m Message) error { return send(m.Raw()) }), nil
}

// Outputs opens several named outputs as one fan-out Output.
func (p *Ports) Outputs(names ...string) (Output, error) {
	var mo MultiOutput
	for _, name := range names {
		out, err := p.Output(name)
		if err != nil {
			return nil, err
		}
		mo = append(mo, out)
	}
	return mo, nil
}

// Input opens one named input port, falling back to a virtual port, and
// invokes handler synchronously for every decoded message. The handler
// runs on the driver's reader thread and must not block.
func (p *Ports) Input(name string, handler func(Message)) error {
	port := p.findIn(name)
	if port == nil {
		log.Info("opening virtual input port", "name", name)
		virtual, err := p.driver.OpenVirtualIn(name)
		if err != nil {
			return fmt.Errorf("midi: open virtual input %q: %w", name, err)
		}
		port = virtual
	}
	stop, err := gomidi.ListenTo(port, func(raw gomidi.Message, timestampms int32) {
		msg, ok := FromRaw(raw)
		if !ok {
			return
		}
		handler(msg)
	})
	if err != nil {
		return fmt.Errorf("midi: open input %q: %w", name, err)
	}
	p.mu.Lock()
	p.stops = append(p.stops, stop)
	p.mu.Unlock()
	return nil
}

// Close stops all listeners and shuts the driver down.
func (p *Ports) Close() error {
	p.mu.Lock()
	stops := p.stops
	p.stops = nil
	p.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	return p.driver.Close()
}
