package mock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nasa-jpl/octsync/device"
)

// DAQ is a fake multifunction DAQ
type DAQ struct {
	mu sync.Mutex

	// Names are the device names reported by Devices
	Names []string

	// AO and CO map device names to their physical channels
	AO map[string][]string
	CO map[string][]string

	journal *Journal
	faults  *Faults
	clock   func(bool)

	aos      []*AOTask
	counters []*Counter
}

// Devices implements device.DAQ
func (d *DAQ) Devices() ([]string, error) {
	if err := d.faults.check("daq.Devices"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.Names...), nil
}

// AOChannels implements device.DAQ
func (d *DAQ) AOChannels(dev string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.AO[dev]...), nil
}

// COChannels implements device.CounterProvider
func (d *DAQ) COChannels(dev string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.CO[dev]...), nil
}

// NewAnalogOutput implements device.DAQ
func (d *DAQ) NewAnalogOutput(name string) (device.AnalogOutputTask, error) {
	d.journal.Record("ao.New %s", name)
	if err := d.faults.check("ao.New"); err != nil {
		return nil, err
	}
	t := &AOTask{name: name, journal: d.journal, faults: d.faults}
	d.mu.Lock()
	d.aos = append(d.aos, t)
	d.mu.Unlock()
	return t, nil
}

// NewCounter implements device.CounterProvider
func (d *DAQ) NewCounter(name string) (device.CounterTask, error) {
	d.journal.Record("counter.New %s", name)
	if err := d.faults.check("counter.New"); err != nil {
		return nil, err
	}
	c := &Counter{name: name, journal: d.journal, faults: d.faults, clock: d.clock}
	d.mu.Lock()
	d.counters = append(d.counters, c)
	d.mu.Unlock()
	return c, nil
}

// LastAnalogOutput returns the most recently created AO task, or nil
func (d *DAQ) LastAnalogOutput() *AOTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.aos) == 0 {
		return nil
	}
	return d.aos[len(d.aos)-1]
}

// LastCounter returns the most recently created counter task, or nil
func (d *DAQ) LastCounter() *Counter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.counters) == 0 {
		return nil
	}
	return d.counters[len(d.counters)-1]
}

// Clock is a snapshot of a sample clock configuration
type Clock struct {
	Source     string
	Rate       float64
	Continuous bool
	Samples    int
}

// AOTask is a fake analog output task
type AOTask struct {
	mu       sync.Mutex
	name     string
	journal  *Journal
	faults   *Faults
	channels []string
	clock    Clock
	data     [][]float64
	singles  [][]float64
	running  bool
	closed   bool
}

func (t *AOTask) op(name string) error {
	t.journal.Record("ao.%s", name)
	return t.faults.check("ao." + name)
}

// AddVoltageChannel implements device.AnalogOutputTask
func (t *AOTask) AddVoltageChannel(physical string, min, max float64) error {
	if err := t.op("AddVoltageChannel"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels = append(t.channels, physical)
	return nil
}

// ConfigureSampleClock implements device.AnalogOutputTask
func (t *AOTask) ConfigureSampleClock(source string, rate float64, continuous bool, samplesPerChannel int) error {
	if err := t.op("ConfigureSampleClock"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = Clock{Source: source, Rate: rate, Continuous: continuous, Samples: samplesPerChannel}
	return nil
}

// Write implements device.AnalogOutputTask
func (t *AOTask) Write(data [][]float64) error {
	if err := t.op("Write"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(data) != len(t.channels) {
		return fmt.Errorf("mock: wrote %d channels to a task with %d", len(data), len(t.channels))
	}
	t.data = make([][]float64, len(data))
	for i := range data {
		t.data[i] = append([]float64(nil), data[i]...)
	}
	return nil
}

// WriteSingle implements device.AnalogOutputTask
func (t *AOTask) WriteSingle(values []float64) error {
	if err := t.op("WriteSingle"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("mock: unclocked write to a running task")
	}
	t.singles = append(t.singles, append([]float64(nil), values...))
	return nil
}

// Start implements device.AnalogOutputTask
func (t *AOTask) Start() error {
	if err := t.op("Start"); err != nil {
		return err
	}
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	return nil
}

// Stop implements device.AnalogOutputTask
func (t *AOTask) Stop() error {
	if err := t.op("Stop"); err != nil {
		return err
	}
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	return nil
}

// Close implements device.AnalogOutputTask
func (t *AOTask) Close() error {
	t.journal.Record("ao.Close")
	t.mu.Lock()
	t.closed = true
	t.running = false
	t.mu.Unlock()
	return nil
}

// Channels returns the physical channels in the order they were added
func (t *AOTask) Channels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.channels...)
}

// Clock returns the sample clock configuration
func (t *AOTask) Clock() Clock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clock
}

// Data returns the last clocked write
func (t *AOTask) Data() [][]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

// Singles returns every unclocked write
func (t *AOTask) Singles() [][]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.singles
}

// Running is true between Start and Stop
func (t *AOTask) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Closed is true after Close
func (t *AOTask) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Counter is a fake counter output task
type Counter struct {
	mu         sync.Mutex
	name       string
	journal    *Journal
	faults     *Faults
	clock      func(bool)
	physical   string
	frequency  float64
	duty       float64
	continuous bool
	timebase   string
	running    bool
	closed     bool
}

func (c *Counter) op(name string) error {
	c.journal.Record("counter.%s", name)
	return c.faults.check("counter." + name)
}

// AddPulseFrequency implements device.CounterTask
func (c *Counter) AddPulseFrequency(physical string, frequency, dutyCycle float64) error {
	if err := c.op("AddPulseFrequency"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.physical, c.frequency, c.duty = physical, frequency, dutyCycle
	return nil
}

// ConfigureContinuous implements device.CounterTask
func (c *Counter) ConfigureContinuous() error {
	if err := c.op("ConfigureContinuous"); err != nil {
		return err
	}
	c.mu.Lock()
	c.continuous = true
	c.mu.Unlock()
	return nil
}

// SetTimebase implements device.CounterTask
func (c *Counter) SetTimebase(terminal string) error {
	if err := c.op("SetTimebase"); err != nil {
		return err
	}
	c.mu.Lock()
	c.timebase = terminal
	c.mu.Unlock()
	return nil
}

// Start implements device.CounterTask
func (c *Counter) Start() error {
	if err := c.op("Start"); err != nil {
		return err
	}
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	if c.clock != nil {
		c.clock(true)
	}
	return nil
}

// Stop implements device.CounterTask
func (c *Counter) Stop() error {
	if err := c.op("Stop"); err != nil {
		return err
	}
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	if c.clock != nil {
		c.clock(false)
	}
	return nil
}

// Close implements device.CounterTask
func (c *Counter) Close() error {
	c.journal.Record("counter.Close")
	c.mu.Lock()
	wasRunning := c.running
	c.closed = true
	c.running = false
	c.mu.Unlock()
	if wasRunning && c.clock != nil {
		c.clock(false)
	}
	return nil
}

// Pulse returns the configured channel, frequency and duty cycle
func (c *Counter) Pulse() (string, float64, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.physical, c.frequency, c.duty
}

// Timebase returns the configured reference clock terminal
func (c *Counter) Timebase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timebase
}

// Continuous is true after ConfigureContinuous
func (c *Counter) Continuous() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.continuous
}

// Running is true between Start and Stop
func (c *Counter) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Closed is true after Close
func (c *Counter) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
