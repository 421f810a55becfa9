/*Package sequencer starts and stops the camera, trigger and galvo drive in
the order that aligns the first captured frame with the first scan position.

Startup: camera Arm, trigger Start, drive Start, camera Start.
Shutdown: drive Stop, trigger Stop, camera Stop, drive ResetToCenter.

A startup step that fails tears every channel down and is reported as a
single SequencingFailure naming the step.
*/
package sequencer

import (
	"errors"
	"log"
	"sync"

	"github.com/nasa-jpl/octsync/device"
)

// Camera is the part of camera.Channel the sequencer uses
type Camera interface {
	Arm() error
	Start() error
	Stop() error
	Dispose() error
}

// Trigger is the part of galvo.Trigger the sequencer uses
type Trigger interface {
	Start() error
	Stop() error
	Close() error
}

// Drive is the part of galvo.Drive the sequencer uses
type Drive interface {
	Start() error
	Stop() error
	ResetToCenter() error
	Close() error
}

// Step names, as reported in errors
const (
	StepCameraArm     = "camera arm"
	StepTriggerStart  = "trigger start"
	StepDriveStart    = "drive start"
	StepCameraStart   = "camera start"
	StepDriveStop     = "drive stop"
	StepTriggerStop   = "trigger stop"
	StepCameraStop    = "camera stop"
	StepResetToCenter = "reset to center"
)

type step struct {
	name string
	fn   func() error
}

// Sequencer serializes control of one set of channels
type Sequencer struct {
	cam    Camera
	trig   Trigger
	drive  Drive
	logger *log.Logger

	mu      sync.Mutex
	running bool
	torn    bool
}

// New returns a sequencer over the three channels.  logger may be nil.
func New(cam Camera, trig Trigger, drive Drive, logger *log.Logger) *Sequencer {
	if logger == nil {
		logger = log.Default()
	}
	return &Sequencer{cam: cam, trig: trig, drive: drive, logger: logger}
}

// Start runs the startup sequence.  Starting a running sequencer is a no-op.
// On failure every channel is torn down and the returned error wraps
// device.ErrSequencingFailure, the failing step's error, and any teardown
// errors.
func (s *Sequencer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.torn {
		return device.New(device.SequencingFailure, "sequencer", "start", "channels have been torn down")
	}
	steps := []step{
		{StepCameraArm, s.cam.Arm},
		{StepTriggerStart, s.trig.Start},
		{StepDriveStart, s.drive.Start},
		{StepCameraStart, s.cam.Start},
	}
	for _, st := range steps {
		if err := st.fn(); err != nil {
			s.logger.Printf("sequencer: %s failed, tearing down: %v", st.name, err)
			errs := append([]error{err}, s.teardownLocked()...)
			return device.Enrich(device.SequencingFailure, "sequencer", st.name, errors.Join(errs...))
		}
	}
	s.running = true
	s.logger.Println("sequencer: acquisition started")
	return nil
}

// Stop runs the shutdown sequence.  Every step is attempted; the error, if
// any, names the first step that failed.  Stop is safe to call at any time.
func (s *Sequencer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Sequencer) stopLocked() error {
	if s.torn {
		return nil
	}
	steps := []step{
		{StepDriveStop, s.drive.Stop},
		{StepTriggerStop, s.trig.Stop},
		{StepCameraStop, s.cam.Stop},
		{StepResetToCenter, s.drive.ResetToCenter},
	}
	var (
		first string
		errs  []error
	)
	for _, st := range steps {
		if err := st.fn(); err != nil {
			s.logger.Printf("sequencer: %s failed: %v", st.name, err)
			if first == "" {
				first = st.name
			}
			errs = append(errs, err)
		}
	}
	if s.running {
		s.logger.Println("sequencer: acquisition stopped")
	}
	s.running = false
	if len(errs) > 0 {
		return device.Enrich(device.SequencingFailure, "sequencer", first, errors.Join(errs...))
	}
	return nil
}

// teardownLocked stops and releases every channel, best effort
func (s *Sequencer) teardownLocked() []error {
	var errs []error
	for _, st := range []step{
		{StepDriveStop, s.drive.Stop},
		{StepTriggerStop, s.trig.Stop},
		{StepCameraStop, s.cam.Stop},
		{"drive close", s.drive.Close},
		{"trigger close", s.trig.Close},
		{"camera dispose", s.cam.Dispose},
	} {
		if err := st.fn(); err != nil {
			s.logger.Printf("sequencer: teardown %s: %v", st.name, err)
			errs = append(errs, err)
		}
	}
	s.running = false
	s.torn = true
	return errs
}

// Close runs the shutdown sequence and then releases every channel.  It is
// safe to call more than once.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return nil
	}
	errStop := s.stopLocked()
	errs := s.teardownLocked()
	return errors.Join(append([]error{errStop}, errs...)...)
}

// Running is true between a successful Start and Stop
func (s *Sequencer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
