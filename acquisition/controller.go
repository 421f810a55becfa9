package acquisition

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nasa-jpl/octsync/config"
	"github.com/nasa-jpl/octsync/device"
	"github.com/nasa-jpl/octsync/events"
	"github.com/nasa-jpl/octsync/scan"
)

// ErrRunning is returned for changes that are not allowed during acquisition
var ErrRunning = errors.New("acquisition is running")

// Status summarizes the controller for display
type Status struct {
	Running    bool              `json:"running"`
	Session    string            `json:"session,omitempty"`
	Started    time.Time         `json:"started,omitempty"`
	Statistics events.Statistics `json:"statistics"`

	Camera  string `json:"camera"`
	Drive   string `json:"drive"`
	Trigger string `json:"trigger"`

	ScanKind    string  `json:"scanKind"`
	Samples     int     `json:"samples"`
	SampleRate  float64 `json:"sampleRate"`
	ScanPeriod  float64 `json:"scanPeriod"`
	CustomScan  bool    `json:"customScan"`
	LastFault   string  `json:"lastFault,omitempty"`
	FaultCount  uint64  `json:"faultCount"`
	PreviewSkip uint64  `json:"previewSkipped"`
}

// Controller starts and stops sessions on one set of hardware.  Its methods
// are safe for concurrent use; control operations are serialized.
type Controller struct {
	// Pipeline carries the events of every session.  Subscribe to it for
	// frames, losses and faults.
	Pipeline *events.Pipeline

	// Latest holds the newest frame, at most DisplayUpdateRate per second
	Latest *events.Latest

	hw       Hardware
	reg      *device.Registry
	throttle *events.Throttle
	logger   *log.Logger

	mu      sync.Mutex
	cfg     config.Hardware
	custom  *scan.Waveform
	session *Session
	last    *Session

	// id of the running or most recent session, read without mu
	lastID atomic.Value
}

// NewController returns an idle controller.  logger may be nil.
func NewController(cfg config.Hardware, hw Hardware, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	c := &Controller{
		Pipeline: events.NewPipeline(logger),
		Latest:   events.NewLatest(),
		hw:       hw,
		reg:      device.NewRegistry(),
		logger:   logger,
		cfg:      cfg,
	}
	c.throttle = events.NewThrottle(c.Latest, cfg.Imaging.DisplayUpdateRate)
	c.Pipeline.Subscribe(c.throttle)
	return c
}

// Config returns the configuration sessions are opened with
func (c *Controller) Config() config.Hardware {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Start opens a new session.  Starting while running is a no-op.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return nil
	}
	c.Latest.Reset()
	s, err := Open(c.cfg, c.hw, c.custom, c.reg, c.Pipeline, c.logger)
	if err != nil {
		c.Pipeline.PublishFault(events.Fault{Source: "session", Err: err, Timestamp: time.Now()})
		return err
	}
	c.session = s
	c.lastID.Store(s.ID.String())
	return nil
}

// Stop ends the running session.  Stopping while idle is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	if c.session == nil {
		return nil
	}
	s := c.session
	c.session, c.last = nil, s
	return s.Stop()
}

// Running is true while a session is open
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Statistics are the counters of the running session, or of the last one
func (c *Controller) Statistics() events.Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.current(); s != nil {
		return s.Statistics()
	}
	return events.Statistics{}
}

func (c *Controller) current() *Session {
	if c.session != nil {
		return c.session
	}
	return c.last
}

// SessionID is the id of the running session, "" if idle
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ID.String()
}

// LastSessionID is the id of the running session, or of the most recent one
// once it has stopped.  It does not take the controller lock, so event
// handlers may call it while Stop or Close is in progress.
func (c *Controller) LastSessionID() string {
	id, _ := c.lastID.Load().(string)
	return id
}

// Waveform is the waveform of the running session, or the one the next
// session will use
func (c *Controller) Waveform() (scan.Waveform, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waveformLocked()
}

func (c *Controller) waveformLocked() (scan.Waveform, error) {
	if c.session != nil {
		return c.session.Waveform, nil
	}
	if c.custom != nil {
		return *c.custom, nil
	}
	return Waveform(c.cfg)
}

// SetWaveform replaces the configured scan pattern for future sessions
func (c *Controller) SetWaveform(w scan.Waveform) error {
	if err := w.Validate(); err != nil {
		return device.Enrich(device.ConfigurationInvalid, "controller", "SetWaveform", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return device.Enrich(device.ConfigurationInvalid, "controller", "SetWaveform", ErrRunning)
	}
	g := c.cfg.Galvo
	xmin, xmax, ymin, ymax := w.Extrema()
	if !g.XRange.Contains(xmin) || !g.XRange.Contains(xmax) || !g.YRange.Contains(ymin) || !g.YRange.Contains(ymax) {
		return device.New(device.ConfigurationInvalid, "controller", "SetWaveform", "waveform exceeds the galvo voltage ranges")
	}
	c.custom = &w
	c.logger.Printf("controller: custom %s waveform of %d samples loaded", w.Kind, w.Len())
	return nil
}

// ClearWaveform returns to the configured scan pattern
func (c *Controller) ClearWaveform() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return device.Enrich(device.ConfigurationInvalid, "controller", "ClearWaveform", ErrRunning)
	}
	c.custom = nil
	return nil
}

// Status summarizes the controller
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Running:    c.session != nil,
		CustomScan: c.custom != nil,
		Camera:     device.Uninitialized.String(),
		Drive:      device.Uninitialized.String(),
		Trigger:    device.Uninitialized.String(),
	}
	if s := c.current(); s != nil {
		st.Statistics = s.Statistics()
		st.Camera = s.Camera.State().String()
		st.Drive = s.Drive.State().String()
		st.Trigger = s.Trigger.State().String()
	}
	if c.session != nil {
		st.Session = c.session.ID.String()
		st.Started = c.session.Started
	}
	if w, err := c.waveformLocked(); err == nil {
		st.ScanKind = w.Kind.String()
		st.Samples = w.Len()
		st.SampleRate = w.SampleRate
		st.ScanPeriod = w.Duration().Seconds()
	}
	if f, n := c.Latest.Fault(); n > 0 {
		st.FaultCount = n
		if f.Err != nil {
			st.LastFault = f.Err.Error()
		}
	}
	st.PreviewSkip = c.throttle.Skipped()
	return st
}

// Close stops acquisition and closes the pipeline and its subscribers
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	errStop := c.stopLocked()
	return errors.Join(errStop, c.Pipeline.Close(), c.Latest.Close())
}
