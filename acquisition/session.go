/*Package acquisition ties the scan synthesizer, the camera, the galvo drive
and the trigger into acquisition sessions.

A Session lives from one Start to the following Stop; every device handle,
the ring and the waveform belong to it and are released when it ends.  The
Controller outlives sessions and owns the configuration, the hardware, and
the event pipeline consumers subscribe to.
*/
package acquisition

import (
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/nasa-jpl/octsync/camera"
	"github.com/nasa-jpl/octsync/config"
	"github.com/nasa-jpl/octsync/device"
	"github.com/nasa-jpl/octsync/events"
	"github.com/nasa-jpl/octsync/galvo"
	"github.com/nasa-jpl/octsync/scan"
	"github.com/nasa-jpl/octsync/sequencer"
)

// Hardware is the set of drivers a session runs on
type Hardware struct {
	Grabber device.Grabber
	DAQ     device.DAQ

	// Counters provides the trigger counter.  nil uses DAQ.
	Counters device.CounterProvider
}

func (hw Hardware) counters() device.CounterProvider {
	if hw.Counters != nil {
		return hw.Counters
	}
	return hw.DAQ
}

// Waveform synthesizes the scan described by cfg.  Zero fields of cfg.Scan
// take their value from the rest of the configuration: the amplitude and
// offset from the galvo, the samples per line from the camera line rate and
// B-scan height, the frames per volume from the imaging settings.
func Waveform(cfg config.Hardware) (scan.Waveform, error) {
	p := cfg.Scan
	if p.Amplitude == 0 {
		p.Amplitude = cfg.Galvo.ScanAmplitude
	}
	if p.OffsetY == 0 {
		p.OffsetY = cfg.Galvo.ScanOffset
	}
	if p.SamplesPerLine == 0 {
		p.SamplesPerLine = scan.DeriveSamplesPerLine(cfg.Galvo.SampleRate, cfg.Camera.LineRate, cfg.Camera.LinesPerBScan)
	}
	if p.Lines == 0 {
		p.Lines = 1
	}
	if p.FramesPerVolume == 0 {
		p.FramesPerVolume = cfg.Imaging.BScansPerVolume
	}
	w, err := p.Generate(cfg.Galvo.SampleRate)
	if err != nil {
		return w, err
	}
	if w.Kind == scan.BScan || w.Kind == scan.CScan {
		d := scan.PeriodMismatch(w.SamplesPerLine, w.SampleRate, cfg.Camera.LineRate, cfg.Camera.LinesPerBScan)
		if d != 0 {
			log.Printf("WARNING scan line of %d samples at %v Hz differs from the %d line frame at %v Hz by %v per frame",
				w.SamplesPerLine, w.SampleRate, cfg.Camera.LinesPerBScan, cfg.Camera.LineRate, d)
		}
	}
	return w, nil
}

// Session is one acquisition, from startup to shutdown
type Session struct {
	ID       uuid.UUID
	Started  time.Time
	Waveform scan.Waveform

	Camera  *camera.Channel
	Drive   *galvo.Drive
	Trigger *galvo.Trigger

	seq    *sequencer.Sequencer
	logger *log.Logger
}

// Open configures every channel from cfg and runs the startup sequence.
// wf replaces the configured scan pattern when non-nil.  On error nothing
// is left claimed in reg.
func Open(cfg config.Hardware, hw Hardware, wf *scan.Waveform, reg *device.Registry, pub events.Publisher, logger *log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.Default()
	}
	if pub == nil {
		pub = events.Discard{}
	}
	if reg == nil {
		reg = device.NewRegistry()
	}
	if err := cfg.Validate(); err != nil {
		return nil, device.Enrich(device.ConfigurationInvalid, "session", "Validate", err)
	}
	var w scan.Waveform
	if wf != nil {
		w = *wf
	} else {
		var err error
		w, err = Waveform(cfg)
		if err != nil {
			return nil, device.Enrich(device.ConfigurationInvalid, "session", "Waveform", err)
		}
	}

	s := &Session{
		ID:       uuid.New(),
		Waveform: w,
		Camera:   camera.NewChannel(hw.Grabber, reg, pub, logger),
		Drive:    galvo.NewDrive(hw.DAQ, reg, pub, logger),
		Trigger:  galvo.NewTrigger(hw.counters(), reg, pub, logger),
		logger:   logger,
	}
	cam := cfg.Camera
	err := s.Camera.Initialize(camera.Config{
		ConfigFile:   cam.ConfigFile,
		Server:       cam.ServerIndex,
		Resource:     cam.ResourceIndex,
		BufferCount:  cam.BufferCount,
		DrainTimeout: cam.DrainTimeoutDuration(),
		Width:        cam.PixelsPerLine,
		Height:       cam.LinesPerBScan,
		BitsPerPixel: cam.BitsPerPixel,
	})
	if err != nil {
		return nil, s.abandon(err)
	}
	g := cfg.Galvo
	if err := s.Drive.Configure(g.Physical(g.XChannel), g.Physical(g.YChannel), g.XRange, g.YRange); err != nil {
		return nil, s.abandon(err)
	}
	if err := s.Drive.SetClockSource(g.Terminal()); err != nil {
		return nil, s.abandon(err)
	}
	if err := s.Drive.LoadWaveform(w); err != nil {
		return nil, s.abandon(err)
	}
	if err := s.Trigger.Configure(g.Physical(g.TriggerChannel), cam.LineRate, g.Terminal()); err != nil {
		return nil, s.abandon(err)
	}
	s.seq = sequencer.New(s.Camera, s.Trigger, s.Drive, logger)
	if err := s.seq.Start(); err != nil {
		return nil, err
	}
	s.Started = time.Now()
	logger.Printf("session %s: started, %s scan of %d samples at %v Hz, trigger %v Hz",
		s.ID, w.Kind, w.Len(), w.SampleRate, cam.LineRate)
	return s, nil
}

// abandon releases whatever was configured before the sequencer existed
func (s *Session) abandon(cause error) error {
	errs := []error{cause}
	errs = append(errs, s.Drive.Close(), s.Trigger.Close(), s.Camera.Dispose())
	return errors.Join(errs...)
}

// Stop runs the shutdown sequence and releases every channel.  It is safe
// to call more than once.
func (s *Session) Stop() error {
	err := s.seq.Close()
	st := s.Camera.Statistics()
	s.logger.Printf("session %s: stopped after %v, %d frames acquired, %d lost",
		s.ID, time.Since(s.Started).Round(time.Millisecond), st.Acquired, st.Lost)
	return err
}

// Running is true until Stop
func (s *Session) Running() bool {
	return s.seq.Running()
}

// Statistics are the session's frame counters.  They remain readable after
// Stop.
func (s *Session) Statistics() events.Statistics {
	return s.Camera.Statistics()
}
