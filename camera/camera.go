/*Package camera runs a line-scan camera through a frame grabber and turns
the grabber's per-frame notifications into frame and loss events.

A Channel moves through Uninitialized, Initialized, Armed and Running.  Stop
returns it to Initialized; a failed device call leaves it Faulted, from which
only Dispose is meaningful.

Every notification, valid or trash, consumes one sequence number, so a gap in
the sequence numbers of delivered frames always equals the loss events
emitted for it.
*/
package camera

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nasa-jpl/octsync/device"
	"github.com/nasa-jpl/octsync/events"
	"github.com/nasa-jpl/octsync/util"
)

const (
	// DefaultDrainTimeout bounds the wait for the transfer to finish on Stop
	DefaultDrainTimeout = 5 * time.Second

	// MinBufferCount is the smallest usable ring
	MinBufferCount = 2

	// OverrunReason is the reason given on loss events
	OverrunReason = "ring buffer overrun"
)

// Config selects and sizes the acquisition device
type Config struct {
	// ConfigFile is the vendor camera configuration file
	ConfigFile string

	// Server and Resource are tried first when opening the grabber
	Server   int
	Resource int

	// BufferCount is the number of ring slots, at least 2
	BufferCount int

	// DrainTimeout bounds Stop.  Zero uses DefaultDrainTimeout.
	DrainTimeout time.Duration

	// Width, Height and BitsPerPixel are the expected geometry.  They are
	// only compared with what the grabber reports; zero skips the check.
	Width        int
	Height       int
	BitsPerPixel int
}

// Channel is the camera acquisition channel
type Channel struct {
	grabber device.Grabber
	reg     *device.Registry
	pub     events.Publisher
	logger  *log.Logger

	mu     sync.Mutex
	state  device.State
	cfg    Config
	handle *device.Handle
	acq    device.Acquisition
	buf    device.Buffer
	xfer   device.Transfer
	params device.TransferParams

	ring      atomic.Pointer[Ring]
	accepting atomic.Bool
	seq       atomic.Uint64
	acquired  atomic.Uint64
	lost      atomic.Uint64
}

// NewChannel returns an uninitialized channel.  reg, pub and logger may be
// nil.
func NewChannel(g device.Grabber, reg *device.Registry, pub events.Publisher, logger *log.Logger) *Channel {
	if reg == nil {
		reg = device.NewRegistry()
	}
	if pub == nil {
		pub = events.Discard{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Channel{grabber: g, reg: reg, pub: pub, logger: logger}
}

func (c *Channel) fail(kind device.Kind, step string, err error) error {
	if err == nil {
		return nil
	}
	name := "camera"
	if c.handle != nil {
		name = c.handle.Resource()
	}
	e := device.Enrich(kind, name, step, err)
	c.logger.Printf("camera: %s %s failed: %v", name, step, err)
	c.pub.PublishFault(events.Fault{Source: "camera", Err: e, Timestamp: time.Now()})
	return e
}

func (c *Channel) setState(s device.State) {
	c.state = s
	if c.handle != nil {
		c.handle.SetState(s)
	}
}

type candidate struct{ server, resource int }

// candidates lists the configured server/resource first, then every other
// enumerated combination
func (c *Channel) candidates(cfg Config) []candidate {
	out := []candidate{{cfg.Server, cfg.Resource}}
	servers, err := c.grabber.Servers()
	if err != nil {
		c.logger.Printf("camera: enumerating servers: %v", err)
		return out
	}
	for _, s := range servers {
		res, err := c.grabber.Resources(s)
		if err != nil {
			c.logger.Printf("camera: enumerating resources on server %d: %v", s, err)
			continue
		}
		c.logger.Printf("camera: server %d has resources %s", s, util.IntSliceToCSV(res))
		for _, r := range res {
			if s == cfg.Server && r == cfg.Resource {
				continue
			}
			out = append(out, candidate{s, r})
		}
	}
	return out
}

// Initialize opens the acquisition device, reads the frame geometry, and
// allocates the ring.  The configured server/resource is tried first, then
// every other enumerated one.  Failure is not retried.
func (c *Channel) Initialize(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == device.Running {
		return device.New(device.ConfigurationInvalid, "camera", "Initialize", "channel is running")
	}
	if cfg.BufferCount < MinBufferCount {
		err := fmt.Errorf("buffer count must be at least %d, got %d", MinBufferCount, cfg.BufferCount)
		return c.fail(device.ConfigurationInvalid, "Initialize", err)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	c.releaseLocked()
	c.state = device.Uninitialized

	var (
		attempts []error
		acq      device.Acquisition
		h        *device.Handle
	)
	for _, cand := range c.candidates(cfg) {
		res := fmt.Sprintf("grabber/%d/%d", cand.server, cand.resource)
		hh, err := c.reg.Claim(res)
		if err != nil {
			attempts = append(attempts, err)
			continue
		}
		c.logger.Printf("camera: trying server %d resource %d", cand.server, cand.resource)
		a, err := c.grabber.OpenAcquisition(cand.server, cand.resource, cfg.ConfigFile)
		if err != nil {
			c.reg.Release(hh)
			attempts = append(attempts, fmt.Errorf("%s: %w", res, err))
			continue
		}
		acq, h = a, hh
		cfg.Server, cfg.Resource = cand.server, cand.resource
		break
	}
	if acq == nil {
		return c.fail(device.DeviceUnavailable, "Initialize", errors.Join(attempts...))
	}
	c.handle = h

	params := acq.Params()
	if params.Width <= 0 || params.Height <= 0 || params.BitsPerPixel <= 0 {
		acq.Close()
		c.reg.Release(h)
		c.handle = nil
		return c.fail(device.ConfigurationInvalid, "Initialize", fmt.Errorf("grabber reported invalid geometry %+v", params))
	}
	c.checkGeometry(cfg, params)

	buf, err := acq.NewBuffer(cfg.BufferCount)
	if err == nil && buf.Count() < MinBufferCount {
		buf.Close()
		err = fmt.Errorf("driver allocated %d slots", buf.Count())
	}
	if err != nil {
		acq.Close()
		e := c.fail(device.DeviceUnavailable, "NewBuffer", err)
		c.reg.Release(h)
		c.handle = nil
		return e
	}
	ring := newRing(buf, params)
	c.ring.Store(ring)
	xfer, err := acq.NewTransfer(buf, c.onNotify)
	if err != nil {
		buf.Close()
		acq.Close()
		e := c.fail(device.DeviceUnavailable, "NewTransfer", err)
		c.reg.Release(h)
		c.handle = nil
		return e
	}

	c.cfg, c.acq, c.buf, c.xfer, c.params = cfg, acq, buf, xfer, params
	c.setState(device.Initialized)
	c.logger.Printf("camera: opened server %d resource %d, %dx%d %d bit, %d slot ring",
		cfg.Server, cfg.Resource, params.Width, params.Height, params.BitsPerPixel, ring.Capacity())
	return nil
}

func (c *Channel) checkGeometry(cfg Config, p device.TransferParams) {
	if cfg.Width > 0 && cfg.Width != p.Width {
		c.logger.Printf("camera: WARNING configured width %d, grabber reports %d", cfg.Width, p.Width)
	}
	if cfg.Height > 0 && cfg.Height != p.Height {
		c.logger.Printf("camera: WARNING configured height %d, grabber reports %d", cfg.Height, p.Height)
	}
	if cfg.BitsPerPixel > 0 && cfg.BitsPerPixel != p.BitsPerPixel {
		c.logger.Printf("camera: WARNING configured %d bits per pixel, grabber reports %d", cfg.BitsPerPixel, p.BitsPerPixel)
	}
}

// Arm prepares the transfer without releasing frames.  Arming an armed
// channel is a no-op.
func (c *Channel) Arm() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case device.Armed:
		return nil
	case device.Initialized:
	default:
		return device.New(device.ConfigurationInvalid, "camera", "Arm", "channel is "+c.state.String())
	}
	if err := c.xfer.Arm(); err != nil {
		c.setState(device.Faulted)
		return c.fail(device.DeviceUnavailable, "Arm", err)
	}
	c.setState(device.Armed)
	return nil
}

// Start begins continuous capture and resets the statistics and sequence
// numbers.  An initialized channel is armed first.  Starting a running
// channel is a no-op.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case device.Running:
		return nil
	case device.Initialized:
		if err := c.xfer.Arm(); err != nil {
			c.setState(device.Faulted)
			return c.fail(device.DeviceUnavailable, "Arm", err)
		}
		c.setState(device.Armed)
	case device.Armed:
	default:
		return device.New(device.ConfigurationInvalid, "camera", "Start", "channel is "+c.state.String())
	}
	c.seq.Store(0)
	c.acquired.Store(0)
	c.lost.Store(0)
	c.ring.Load().reset()
	c.accepting.Store(true)
	if err := c.xfer.Grab(); err != nil {
		c.accepting.Store(false)
		c.setState(device.Faulted)
		return c.fail(device.DeviceUnavailable, "Grab", err)
	}
	c.setState(device.Running)
	return nil
}

// onNotify runs on the driver's goroutine
func (c *Channel) onNotify(n device.Notification) {
	if !c.accepting.Load() {
		return
	}
	ring := c.ring.Load()
	seq := c.seq.Add(1) - 1
	ring.record(n.Slot, seq, n.Timestamp, !n.Trash)
	if n.Trash {
		c.lost.Add(1)
		c.pub.PublishLoss(events.Loss{Sequence: seq, Timestamp: n.Timestamp, Reason: OverrunReason})
		return
	}
	c.acquired.Add(1)
	c.pub.PublishFrame(events.Frame{
		Width:        ring.params.Width,
		Height:       ring.params.Height,
		BitsPerPixel: ring.params.BitsPerPixel,
		Sequence:     seq,
		Timestamp:    n.Timestamp,
		Payload:      ring.payload(n.Slot),
	})
}

// Stop freezes the transfer and waits up to the drain timeout for it to
// finish.  On timeout the transfer is aborted and a DrainTimeout warning is
// published; Stop still succeeds.  Stopping a channel that is not running is
// a no-op.
func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Channel) stopLocked() error {
	if c.state != device.Running {
		return nil
	}
	var warn error
	if err := c.xfer.Freeze(); err != nil {
		warn = device.Enrich(device.DeviceUnavailable, c.handle.Resource(), "Freeze", err)
		c.logger.Printf("camera: WARNING freezing transfer failed, aborting: %v", err)
	} else if err := c.xfer.Wait(c.cfg.DrainTimeout); err != nil {
		if errors.Is(err, device.ErrWaitTimeout) {
			warn = device.Enrich(device.DrainTimeout, c.handle.Resource(), "Stop", err)
			c.logger.Printf("camera: WARNING transfer did not finish within %v, aborting: %v", c.cfg.DrainTimeout, err)
		} else {
			warn = device.Enrich(device.DeviceUnavailable, c.handle.Resource(), "Wait", err)
			c.logger.Printf("camera: WARNING waiting for transfer failed, aborting: %v", err)
		}
	}
	if warn != nil {
		c.pub.PublishFault(events.Fault{Source: "camera", Err: warn, Warning: true, Timestamp: time.Now()})
		if err := c.xfer.Abort(); err != nil {
			c.accepting.Store(false)
			c.setState(device.Faulted)
			return c.fail(device.DeviceUnavailable, "Abort", err)
		}
	}
	c.accepting.Store(false)
	c.setState(device.Initialized)
	c.logger.Printf("camera: stopped, %d frames acquired, %d lost", c.acquired.Load(), c.lost.Load())
	return nil
}

func (c *Channel) releaseLocked() error {
	var errs []error
	if c.xfer != nil {
		errs = append(errs, c.xfer.Close())
		c.xfer = nil
	}
	if c.buf != nil {
		errs = append(errs, c.buf.Close())
		c.buf = nil
	}
	if c.acq != nil {
		errs = append(errs, c.acq.Close())
		c.acq = nil
	}
	c.reg.Release(c.handle)
	c.handle = nil
	return errors.Join(errs...)
}

// Dispose stops the channel if it is running, then releases the transfer,
// the buffer, and the device, in that order.  Every release is attempted
// even if an earlier one fails, and Dispose may be called in any state,
// any number of times.
func (c *Channel) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == device.Disposed {
		return nil
	}
	errStop := c.stopLocked()
	errRelease := c.releaseLocked()
	if errRelease != nil {
		c.logger.Printf("camera: releasing driver objects: %v", errRelease)
	}
	c.state = device.Disposed
	return errors.Join(errStop, errRelease)
}

// State returns the lifecycle state
func (c *Channel) State() device.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Params returns the geometry reported at Initialize
func (c *Channel) Params() device.TransferParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// Statistics returns the frame counters of the current session
func (c *Channel) Statistics() events.Statistics {
	return events.Statistics{Acquired: c.acquired.Load(), Lost: c.lost.Load()}
}

// Ring returns the ring of the current session, nil before Initialize
func (c *Channel) Ring() *Ring {
	return c.ring.Load()
}
