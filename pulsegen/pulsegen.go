/*Package pulsegen drives an external serial pulse generator as the line
trigger, for systems whose DAQ counters are already spoken for.

The instrument speaks ASCII telegrams terminated by a carriage return, each
carrying a CRC-16/XMODEM of its payload:

	FREQ 250000*XXXX
	DUTY 0.5*XXXX
	CLK INT*XXXX
	CLK EXT /Dev3/PFI0*XXXX
	RUN*XXXX
	HALT*XXXX

and replies OK or ERR <msg> in the same framing.

A Generator satisfies device.CounterProvider with a single counter, so it
can stand in for the DAQ when configuring a galvo.Trigger.
*/
package pulsegen

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/nasa-jpl/octsync/comm"
	"github.com/nasa-jpl/octsync/device"
)

// DefaultDevice is the device name a Generator answers to by default
const DefaultDevice = "PG"

var (
	// ErrUnknownDevice is returned for device names other than the generator's
	ErrUnknownDevice = errors.New("unknown device")

	// ErrBusy is returned when a second counter task is requested
	ErrBusy = errors.New("pulse generator already has a task")

	// ErrNoPulse is returned when a task is used before a pulse is added
	ErrNoPulse = errors.New("no pulse output configured")
)

// Generator is one pulse generator on a Link
type Generator struct {
	// Device is the name used in physical channels, Device/ctr0
	Device string

	link *comm.Link

	mu   sync.Mutex
	task *Task
}

// New returns a generator on link.  The link is opened on the first
// NewCounter.
func New(device string, link *comm.Link) *Generator {
	if device == "" {
		device = DefaultDevice
	}
	return &Generator{Device: device, link: link}
}

// Channel is the single physical counter channel
func (g *Generator) Channel() string {
	return g.Device + "/ctr0"
}

// COChannels lists the counter channel of the generator
func (g *Generator) COChannels(dev string) ([]string, error) {
	if dev != g.Device {
		return nil, fmt.Errorf("%w %q, the pulse generator is %q", ErrUnknownDevice, dev, g.Device)
	}
	return []string{g.Channel()}, nil
}

// NewCounter opens the link and returns the counter task.  Only one task
// may exist at a time.
func (g *Generator) NewCounter(name string) (device.CounterTask, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.task != nil {
		return nil, fmt.Errorf("%w: %s", ErrBusy, g.task.name)
	}
	if err := g.link.Open(); err != nil {
		return nil, err
	}
	g.task = &Task{gen: g, name: name}
	return g.task, nil
}

// Close halts the output and closes the link
func (g *Generator) Close() error {
	g.mu.Lock()
	t := g.task
	g.mu.Unlock()
	var errs []error
	if t != nil {
		errs = append(errs, t.Close())
	}
	errs = append(errs, g.link.Close())
	return errors.Join(errs...)
}

// Command sends one command and checks the reply
func (g *Generator) Command(cmd string) error {
	resp, err := g.link.SendRecv(Encode(cmd))
	if err != nil {
		return err
	}
	payload, err := Decode(resp)
	if err != nil {
		return err
	}
	return parseReply(cmd, payload)
}

func (g *Generator) release(t *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.task == t {
		g.task = nil
	}
}

// Task is the counter task of a Generator
type Task struct {
	gen  *Generator
	name string

	mu         sync.Mutex
	pulse      bool
	continuous bool
	running    bool
	closed     bool
}

func (t *Task) usable() error {
	if t.closed {
		return fmt.Errorf("task %s is closed", t.name)
	}
	return nil
}

// AddPulseFrequency programs the frequency and duty cycle
func (t *Task) AddPulseFrequency(physical string, frequency, dutyCycle float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return err
	}
	if physical != t.gen.Channel() {
		return fmt.Errorf("%w %q", ErrUnknownDevice, physical)
	}
	if math.IsNaN(frequency) || frequency <= 0 {
		return fmt.Errorf("frequency must be positive, got %v", frequency)
	}
	if dutyCycle <= 0 || dutyCycle >= 1 {
		return fmt.Errorf("duty cycle must be within (0, 1), got %v", dutyCycle)
	}
	if err := t.gen.Command("FREQ " + formatFloat(frequency)); err != nil {
		return err
	}
	if err := t.gen.Command("DUTY " + formatFloat(dutyCycle)); err != nil {
		return err
	}
	t.pulse = true
	return nil
}

// ConfigureContinuous marks the pulse train as free-running.  The
// instrument has no finite mode, so nothing is sent.
func (t *Task) ConfigureContinuous() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return err
	}
	if !t.pulse {
		return ErrNoPulse
	}
	t.continuous = true
	return nil
}

// SetTimebase locks the generator to an external reference on terminal,
// or to its internal oscillator if terminal is empty
func (t *Task) SetTimebase(terminal string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return err
	}
	if terminal == "" {
		return t.gen.Command("CLK INT")
	}
	return t.gen.Command("CLK EXT " + terminal)
}

// Start emits the pulse train
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return err
	}
	if !t.pulse {
		return ErrNoPulse
	}
	if t.running {
		return nil
	}
	if err := t.gen.Command("RUN"); err != nil {
		return err
	}
	t.running = true
	return nil
}

// Stop halts the pulse train
func (t *Task) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || !t.running {
		return nil
	}
	if err := t.gen.Command("HALT"); err != nil {
		return err
	}
	t.running = false
	return nil
}

// Close halts the output if needed and frees the generator for a new task
func (t *Task) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	var err error
	if t.running {
		err = t.gen.Command("HALT")
		t.running = false
	}
	t.closed = true
	t.gen.release(t)
	return err
}

// Running is true between Start and Stop
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
