package galvo

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/nasa-jpl/octsync/device"
	"github.com/nasa-jpl/octsync/events"
)

// DutyCycle of the trigger pulse train
const DutyCycle = 0.5

// CounterTaskName is the name given to the counter task
const CounterTaskName = "GalvoTrigger"

// Trigger generates the line trigger for the camera from a counter output
type Trigger struct {
	base
	ctr device.CounterProvider

	mu        sync.Mutex
	handle    *device.Handle
	task      device.CounterTask
	channel   string
	frequency float64
	clock     string
	running   bool
}

// NewTrigger returns an unconfigured trigger.  reg, pub and logger may be nil.
func NewTrigger(ctr device.CounterProvider, reg *device.Registry, pub events.Publisher, logger *log.Logger) *Trigger {
	return &Trigger{base: newBase("trigger", reg, pub, logger), ctr: ctr}
}

// Configure sets up a continuous 50% duty pulse train at frequency on
// counterChannel.  A non-empty externalClock names a reference clock
// terminal that replaces the counter timebase, so the trigger shares a
// clock with the analog output.  Empty selects the internal timebase
// explicitly, since a counter may keep the reference of an earlier task.
func (t *Trigger) Configure(counterChannel string, frequency float64, externalClock string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return device.New(device.ConfigurationInvalid, counterChannel, "Configure", "trigger is running")
	}
	if math.IsNaN(frequency) || math.IsInf(frequency, 0) || frequency <= 0 {
		return t.fail(device.ConfigurationInvalid, counterChannel, "Configure", fmt.Errorf("frequency must be positive, got %v", frequency))
	}
	dev := deviceOf(counterChannel)
	chans, err := t.ctr.COChannels(dev)
	if err != nil {
		return t.fail(device.DeviceUnavailable, dev, "COChannels", err)
	}
	if !contains(chans, counterChannel) {
		t.logger.Printf("trigger: available counters on %s: %v", dev, chans)
		return t.fail(device.ConfigurationInvalid, counterChannel, "Configure", errors.New("counter channel not found"))
	}

	t.releaseLocked()
	h, err := t.reg.Claim(counterChannel)
	if err != nil {
		return t.fail(device.ConfigurationInvalid, counterChannel, "Claim", err)
	}
	task, err := t.ctr.NewCounter(CounterTaskName)
	if err != nil {
		t.reg.Release(h)
		return t.fail(device.DeviceUnavailable, counterChannel, "NewCounter", err)
	}
	fail := func(step string, err error) error {
		task.Close()
		t.reg.Release(h)
		return t.fail(device.ConfigurationInvalid, counterChannel, step, err)
	}
	if err := task.AddPulseFrequency(counterChannel, frequency, DutyCycle); err != nil {
		return fail("AddPulseFrequency", err)
	}
	if err := task.ConfigureContinuous(); err != nil {
		return fail("ConfigureContinuous", err)
	}
	if err := task.SetTimebase(externalClock); err != nil {
		return fail("SetTimebase", err)
	}
	t.handle, t.task = h, task
	t.channel, t.frequency, t.clock = counterChannel, frequency, externalClock
	h.SetState(device.Initialized)
	if externalClock != "" {
		t.logger.Printf("trigger: %s at %v Hz referenced to %s", counterChannel, frequency, externalClock)
	} else {
		t.logger.Printf("trigger: %s at %v Hz on the internal timebase", counterChannel, frequency)
	}
	return nil
}

// Frequency returns the configured pulse frequency
func (t *Trigger) Frequency() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frequency
}

// Start begins the pulse train.  Starting a running trigger is a no-op.
func (t *Trigger) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	if t.task == nil {
		return device.New(device.ConfigurationInvalid, "trigger", "Start", "trigger is not configured")
	}
	if err := t.task.Start(); err != nil {
		t.handle.SetState(device.Faulted)
		return t.fail(device.DeviceUnavailable, t.channel, "Start", err)
	}
	t.running = true
	t.handle.SetState(device.Running)
	return nil
}

// Stop halts the pulse train.  Stopping a stopped trigger is a no-op.
func (t *Trigger) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked()
}

func (t *Trigger) stopLocked() error {
	if !t.running {
		return nil
	}
	t.running = false
	if err := t.task.Stop(); err != nil {
		t.handle.SetState(device.Faulted)
		return t.fail(device.DeviceUnavailable, t.channel, "Stop", err)
	}
	t.handle.SetState(device.Initialized)
	return nil
}

// Running is true between Start and Stop
func (t *Trigger) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// State is the lifecycle state of the trigger's handle
func (t *Trigger) State() device.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handle == nil {
		return device.Uninitialized
	}
	return t.handle.State()
}

func (t *Trigger) releaseLocked() error {
	if t.task == nil {
		return nil
	}
	err := t.task.Close()
	t.reg.Release(t.handle)
	t.task, t.handle = nil, nil
	return err
}

// Close stops the trigger if it is running and releases the task.  It is
// safe to call more than once.
func (t *Trigger) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	errStop := t.stopLocked()
	errClose := t.releaseLocked()
	if errClose != nil {
		t.logger.Printf("trigger: closing counter task: %v", errClose)
	}
	return errors.Join(errStop, errClose)
}
