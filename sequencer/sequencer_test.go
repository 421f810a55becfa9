package sequencer_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/octsync/camera"
	"github.com/nasa-jpl/octsync/device"
	"github.com/nasa-jpl/octsync/device/mock"
	"github.com/nasa-jpl/octsync/galvo"
	"github.com/nasa-jpl/octsync/scan"
	"github.com/nasa-jpl/octsync/sequencer"
)

type calls struct {
	calls []string
	fail  map[string]error
}

func (l *calls) do(name string) error {
	l.calls = append(l.calls, name)
	return l.fail[name]
}

type fakeCamera struct{ l *calls }

func (f fakeCamera) Arm() error     { return f.l.do("camera.Arm") }
func (f fakeCamera) Start() error   { return f.l.do("camera.Start") }
func (f fakeCamera) Stop() error    { return f.l.do("camera.Stop") }
func (f fakeCamera) Dispose() error { return f.l.do("camera.Dispose") }

type fakeTrigger struct{ l *calls }

func (f fakeTrigger) Start() error { return f.l.do("trigger.Start") }
func (f fakeTrigger) Stop() error  { return f.l.do("trigger.Stop") }
func (f fakeTrigger) Close() error { return f.l.do("trigger.Close") }

type fakeDrive struct{ l *calls }

func (f fakeDrive) Start() error         { return f.l.do("drive.Start") }
func (f fakeDrive) Stop() error          { return f.l.do("drive.Stop") }
func (f fakeDrive) ResetToCenter() error { return f.l.do("drive.ResetToCenter") }
func (f fakeDrive) Close() error         { return f.l.do("drive.Close") }

func newFakes() (*sequencer.Sequencer, *calls) {
	l := &calls{fail: map[string]error{}}
	return sequencer.New(fakeCamera{l}, fakeTrigger{l}, fakeDrive{l}, nil), l
}

func TestStartupOrder(t *testing.T) {
	s, l := newFakes()
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	want := []string{"camera.Arm", "trigger.Start", "drive.Start", "camera.Start"}
	if diff := cmp.Diff(want, l.calls); diff != "" {
		t.Errorf("startup order mismatch:\n%s", diff)
	}
	if !s.Running() {
		t.Error("expected running")
	}
	l.calls = nil
	s.Start()
	if len(l.calls) != 0 {
		t.Errorf("second start reached the channels: %v", l.calls)
	}
}

func TestShutdownOrder(t *testing.T) {
	s, l := newFakes()
	s.Start()
	l.calls = nil
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	want := []string{"drive.Stop", "trigger.Stop", "camera.Stop", "drive.ResetToCenter"}
	if diff := cmp.Diff(want, l.calls); diff != "" {
		t.Errorf("shutdown order mismatch:\n%s", diff)
	}
	if s.Running() {
		t.Error("expected stopped")
	}
}

func TestStartupRollback(t *testing.T) {
	s, l := newFakes()
	boom := errors.New("counter reserved by another task")
	l.fail["trigger.Start"] = boom
	err := s.Start()
	if !errors.Is(err, device.ErrSequencingFailure) {
		t.Fatalf("expected SequencingFailure, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Error("the step error should be wrapped")
	}
	if !strings.Contains(err.Error(), sequencer.StepTriggerStart) {
		t.Errorf("error should name the failed step, got %q", err)
	}
	for _, c := range l.calls {
		if c == "drive.Start" || c == "camera.Start" {
			t.Errorf("%s ran after a failed step", c)
		}
	}
	for _, want := range []string{"drive.Close", "trigger.Close", "camera.Dispose"} {
		found := false
		for _, c := range l.calls {
			found = found || c == want
		}
		if !found {
			t.Errorf("teardown skipped %s", want)
		}
	}
	if s.Running() {
		t.Error("a failed start left the sequencer running")
	}
	if err := s.Start(); !errors.Is(err, device.ErrSequencingFailure) {
		t.Errorf("restart after teardown should fail, got %v", err)
	}
}

func TestStopContinuesPastFailures(t *testing.T) {
	s, l := newFakes()
	s.Start()
	l.calls = nil
	l.fail["drive.Stop"] = errors.New("task vanished")
	err := s.Stop()
	if !errors.Is(err, device.ErrSequencingFailure) {
		t.Fatalf("expected SequencingFailure, got %v", err)
	}
	if len(l.calls) != 4 {
		t.Errorf("every shutdown step should run, got %v", l.calls)
	}
}

func TestCloseIdempotent(t *testing.T) {
	s, l := newFakes()
	s.Start()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	n := len(l.calls)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if len(l.calls) != n {
		t.Error("second close reached the channels")
	}
}

// With real channels on fake hardware, the journal shows the camera armed
// before the trigger runs, and frames released only after the drive starts.
func TestHardwareOrdering(t *testing.T) {
	rig := mock.NewRig(device.TransferParams{Width: 8, Height: 2, BitsPerPixel: 8})
	reg := device.NewRegistry()
	cam := camera.NewChannel(rig.Grabber, reg, nil, nil)
	if err := cam.Initialize(camera.Config{BufferCount: 4}); err != nil {
		t.Fatal(err)
	}
	trig := galvo.NewTrigger(rig.DAQ, reg, nil, nil)
	if err := trig.Configure("Dev3/ctr0", 1000, ""); err != nil {
		t.Fatal(err)
	}
	drive := galvo.NewDrive(rig.DAQ, reg, nil, nil)
	full := galvo.Range{Min: -10, Max: 10}
	if err := drive.Configure("Dev3/ao0", "Dev3/ao1", full, full); err != nil {
		t.Fatal(err)
	}
	wf, _ := scan.GenerateLineScan(4, 2, 5, 100000, 0, 0)
	if err := drive.LoadWaveform(wf); err != nil {
		t.Fatal(err)
	}
	rig.Journal.Reset()
	s := sequencer.New(cam, trig, drive, nil)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	arm := rig.Journal.Index("transfer.Arm")
	ctr := rig.Journal.Index("counter.Start")
	ao := rig.Journal.Index("ao.Start")
	grab := rig.Journal.Index("transfer.Grab")
	if !(arm < ctr && ctr < ao && ao < grab) || arm < 0 {
		t.Errorf("unexpected device order: %v", rig.Journal.Calls())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if cam.State() != device.Disposed {
		t.Errorf("camera not disposed, %v", cam.State())
	}
	singles := rig.DAQ.LastAnalogOutput().Singles()
	if len(singles) != 1 {
		t.Errorf("expected the galvos parked once, got %v", singles)
	}
}
