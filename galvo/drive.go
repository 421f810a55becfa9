package galvo

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/nasa-jpl/octsync/device"
	"github.com/nasa-jpl/octsync/events"
	"github.com/nasa-jpl/octsync/scan"
	"github.com/nasa-jpl/octsync/util"
)

// TaskName is the name given to the analog output task
const TaskName = "GalvoAO"

// Drive plays a scan waveform on two analog output channels
type Drive struct {
	base
	daq device.DAQ

	mu       sync.Mutex
	handle   *device.Handle
	task     device.AnalogOutputTask
	x, y     string
	xr, yr   Range
	clock    string
	waveform *scan.Waveform
	running  bool
}

// NewDrive returns an unconfigured drive.  reg, pub and logger may be nil.
func NewDrive(daq device.DAQ, reg *device.Registry, pub events.Publisher, logger *log.Logger) *Drive {
	return &Drive{base: newBase("galvo", reg, pub, logger), daq: daq}
}

// Configure verifies the device and channels exist and creates the output
// task.  Reconfiguring a stopped drive releases the previous task.
func (d *Drive) Configure(xChannel, yChannel string, xRange, yRange Range) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return device.New(device.ConfigurationInvalid, xChannel, "Configure", "drive is running")
	}
	if err := xRange.Validate(); err != nil {
		return d.fail(device.ConfigurationInvalid, xChannel, "Configure", err)
	}
	if err := yRange.Validate(); err != nil {
		return d.fail(device.ConfigurationInvalid, yChannel, "Configure", err)
	}
	dev := deviceOf(xChannel)
	if deviceOf(yChannel) != dev {
		err := fmt.Errorf("X channel %s and Y channel %s are on different devices", xChannel, yChannel)
		return d.fail(device.ConfigurationInvalid, dev, "Configure", err)
	}
	devs, err := d.daq.Devices()
	if err != nil {
		return d.fail(device.DeviceUnavailable, dev, "Devices", err)
	}
	if !contains(devs, dev) {
		d.logger.Printf("galvo: available devices: %v", devs)
		return d.fail(device.DeviceUnavailable, dev, "Configure", errors.New("device not found"))
	}
	chans, err := d.daq.AOChannels(dev)
	if err != nil {
		return d.fail(device.DeviceUnavailable, dev, "AOChannels", err)
	}
	for _, c := range []string{xChannel, yChannel} {
		if !contains(chans, c) {
			d.logger.Printf("galvo: available analog outputs on %s: %v", dev, chans)
			return d.fail(device.ConfigurationInvalid, c, "Configure", errors.New("analog output channel not found"))
		}
	}

	d.releaseLocked()
	h, err := d.reg.Claim(dev + "/ao")
	if err != nil {
		return d.fail(device.ConfigurationInvalid, dev, "Claim", err)
	}
	task, err := d.daq.NewAnalogOutput(TaskName)
	if err != nil {
		d.reg.Release(h)
		return d.fail(device.DeviceUnavailable, dev, "NewAnalogOutput", err)
	}
	for _, ch := range []struct {
		name string
		r    Range
	}{{xChannel, xRange}, {yChannel, yRange}} {
		if err := task.AddVoltageChannel(ch.name, ch.r.Min, ch.r.Max); err != nil {
			task.Close()
			d.reg.Release(h)
			return d.fail(device.ConfigurationInvalid, ch.name, "AddVoltageChannel", err)
		}
	}
	d.handle, d.task = h, task
	d.x, d.y, d.xr, d.yr = xChannel, yChannel, xRange, yRange
	h.SetState(device.Initialized)
	d.logger.Printf("galvo: configured X=%s [%v, %v] Y=%s [%v, %v]", xChannel, xRange.Min, xRange.Max, yChannel, yRange.Min, yRange.Max)
	return nil
}

// SetClockSource names the terminal the sample clock is taken from, e.g.
// "/Dev3/PFI0".  Empty uses the onboard clock.  It applies from the next
// LoadWaveform.
func (d *Drive) SetClockSource(terminal string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return device.New(device.ConfigurationInvalid, "galvo", "SetClockSource", "drive is running")
	}
	d.clock = terminal
	return nil
}

// LoadWaveform writes w to the device buffer with a continuous sample clock
// at w.SampleRate, sourced from the terminal given to SetClockSource.  Every
// sample must lie within the configured ranges.
func (d *Drive) LoadWaveform(w scan.Waveform) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.task == nil {
		return device.New(device.ConfigurationInvalid, "galvo", "LoadWaveform", "drive is not configured")
	}
	if d.running {
		return device.New(device.ConfigurationInvalid, d.x, "LoadWaveform", "drive is running")
	}
	if err := w.Validate(); err != nil {
		return d.fail(device.ConfigurationInvalid, d.x, "LoadWaveform", err)
	}
	for i := range w.X {
		if !d.xr.Contains(w.X[i]) {
			err := fmt.Errorf("X sample %d = %v outside [%v, %v]", i, w.X[i], d.xr.Min, d.xr.Max)
			return d.fail(device.ConfigurationInvalid, d.x, "LoadWaveform", err)
		}
		if !d.yr.Contains(w.Y[i]) {
			err := fmt.Errorf("Y sample %d = %v outside [%v, %v]", i, w.Y[i], d.yr.Min, d.yr.Max)
			return d.fail(device.ConfigurationInvalid, d.y, "LoadWaveform", err)
		}
	}
	if err := d.task.ConfigureSampleClock(d.clock, w.SampleRate, true, w.Len()); err != nil {
		return d.fail(device.ConfigurationInvalid, d.x, "ConfigureSampleClock", err)
	}
	if err := d.task.Write([][]float64{w.X, w.Y}); err != nil {
		return d.fail(device.ConfigurationInvalid, d.x, "Write", err)
	}
	d.waveform = &w
	clk := d.clock
	if clk == "" {
		clk = "onboard clock"
	}
	d.logger.Printf("galvo: loaded %s waveform, %d samples at %v Hz (%v) on %s", w.Kind, w.Len(), w.SampleRate, w.Duration(), clk)
	return nil
}

// Waveform returns the loaded waveform, false if none
func (d *Drive) Waveform() (scan.Waveform, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.waveform == nil {
		return scan.Waveform{}, false
	}
	return *d.waveform, true
}

// Start begins waveform playback.  Starting a running drive is a no-op.
func (d *Drive) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	if d.waveform == nil {
		return device.New(device.ConfigurationInvalid, "galvo", "Start", "no waveform loaded")
	}
	if err := d.task.Start(); err != nil {
		d.handle.SetState(device.Faulted)
		return d.fail(device.DeviceUnavailable, d.x, "Start", err)
	}
	d.running = true
	d.handle.SetState(device.Running)
	return nil
}

// Stop halts playback.  Stopping a stopped drive is a no-op.
func (d *Drive) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked()
}

func (d *Drive) stopLocked() error {
	if !d.running {
		return nil
	}
	d.running = false
	if err := d.task.Stop(); err != nil {
		d.handle.SetState(device.Faulted)
		return d.fail(device.DeviceUnavailable, d.x, "Stop", err)
	}
	d.handle.SetState(device.Initialized)
	return nil
}

// ResetToCenter immediately writes the center position to both outputs
// without the sample clock.  The center is 0 V, clamped into each range.
func (d *Drive) ResetToCenter() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.task == nil {
		return device.New(device.ConfigurationInvalid, "galvo", "ResetToCenter", "drive is not configured")
	}
	if d.running {
		return device.New(device.ConfigurationInvalid, d.x, "ResetToCenter", "drive is running")
	}
	cx := util.Clamp(0, d.xr.Min, d.xr.Max)
	cy := util.Clamp(0, d.yr.Min, d.yr.Max)
	if err := d.task.WriteSingle([]float64{cx, cy}); err != nil {
		return d.fail(device.DeviceUnavailable, d.x, "ResetToCenter", err)
	}
	return nil
}

// Running is true between Start and Stop
func (d *Drive) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// State is the lifecycle state of the drive's handle
func (d *Drive) State() device.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == nil {
		return device.Uninitialized
	}
	return d.handle.State()
}

func (d *Drive) releaseLocked() error {
	if d.task == nil {
		return nil
	}
	err := d.task.Close()
	d.reg.Release(d.handle)
	d.task, d.handle, d.waveform = nil, nil, nil
	return err
}

// Close stops the drive if it is running and releases the task.  It is
// safe to call more than once.
func (d *Drive) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	errStop := d.stopLocked()
	errClose := d.releaseLocked()
	if errClose != nil {
		d.logger.Printf("galvo: closing output task: %v", errClose)
	}
	return errors.Join(errStop, errClose)
}
