package camera_test

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/octsync/camera"
	"github.com/nasa-jpl/octsync/device"
	"github.com/nasa-jpl/octsync/device/mock"
	"github.com/nasa-jpl/octsync/events"
)

var geom = device.TransferParams{Width: 32, Height: 8, BitsPerPixel: 10}

type sink struct {
	mu     sync.Mutex
	frames []uint64
	first  []byte
	losses []uint64
	faults []events.Fault
}

func (s *sink) PublishFrame(f events.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f.Sequence)
	s.first = append(s.first, f.Payload[0])
}

func (s *sink) PublishLoss(l events.Loss) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.Reason != camera.OverrunReason {
		panic("unexpected loss reason " + l.Reason)
	}
	s.losses = append(s.losses, l.Sequence)
}

func (s *sink) PublishFault(f events.Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

func newChannel(t *testing.T, slots int) (*camera.Channel, *mock.Rig, *sink) {
	t.Helper()
	rig := mock.NewRig(geom)
	s := &sink{}
	c := camera.NewChannel(rig.Grabber, nil, s, nil)
	if err := c.Initialize(camera.Config{BufferCount: slots, DrainTimeout: 50 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	return c, rig, s
}

func TestHealthyRun(t *testing.T) {
	c, rig, s := newChannel(t, 8)
	if c.Ring().Capacity() != 8 {
		t.Fatalf("expected an 8 slot ring, got %d", c.Ring().Capacity())
	}
	if err := c.Arm(); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	xfer := rig.Grabber.LastTransfer()
	for i := 0; i < 100; i++ {
		if !xfer.Fire(false) {
			t.Fatal("transfer stopped grabbing")
		}
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	st := c.Statistics()
	if st.Acquired != 100 || st.Lost != 0 {
		t.Errorf("expected 100/0, got %d/%d", st.Acquired, st.Lost)
	}
	for i, seq := range s.frames {
		if seq != uint64(i) {
			t.Fatalf("sequence gap at %d: got %d", i, seq)
		}
		if s.first[i] != byte(i) {
			t.Fatalf("frame %d carried payload of frame %d", i, s.first[i])
		}
	}
	if len(s.frames) != 100 {
		t.Errorf("expected 100 frame events, got %d", len(s.frames))
	}
	slot := c.Ring().Slot(99 % 8)
	if !slot.Valid || slot.Sequence != 99 {
		t.Errorf("ring slot metadata not updated: %+v", slot)
	}
}

func TestOverrunAccounting(t *testing.T) {
	c, rig, s := newChannel(t, 4)
	c.Arm()
	c.Start()
	xfer := rig.Grabber.LastTransfer()
	trash := map[int]bool{3: true, 4: true, 10: true, 17: true}
	const n = 20
	for i := 0; i < n; i++ {
		xfer.Fire(trash[i])
	}
	st := c.Statistics()
	if st.Acquired != n-4 || st.Lost != 4 {
		t.Errorf("expected %d/%d, got %d/%d", n-4, 4, st.Acquired, st.Lost)
	}
	if diff := cmp.Diff([]uint64{3, 4, 10, 17}, s.losses); diff != "" {
		t.Errorf("loss sequence numbers mismatch:\n%s", diff)
	}
	// every sequence number is either a frame or a loss, never both
	seen := map[uint64]int{}
	for _, q := range s.frames {
		seen[q]++
	}
	for _, q := range s.losses {
		seen[q]++
	}
	for q := uint64(0); q < n; q++ {
		if seen[q] != 1 {
			t.Errorf("sequence %d accounted %d times", q, seen[q])
		}
	}
	if c.Ring().Slot(17 % 4).Valid {
		t.Error("trash slot marked valid")
	}
}

func TestNoFramesBeforeStart(t *testing.T) {
	c, rig, s := newChannel(t, 2)
	c.Arm()
	if rig.Grabber.LastTransfer().Fire(false) {
		t.Error("an armed transfer released a frame")
	}
	if len(s.frames) != 0 || c.Statistics().Acquired != 0 {
		t.Error("frames were emitted before Start")
	}
}

func TestStartResetsStatistics(t *testing.T) {
	c, rig, _ := newChannel(t, 2)
	c.Start()
	rig.Grabber.LastTransfer().Fire(false)
	rig.Grabber.LastTransfer().Fire(true)
	c.Stop()
	if st := c.Statistics(); st.Acquired != 1 || st.Lost != 1 {
		t.Fatalf("expected 1/1, got %+v", st)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if st := c.Statistics(); st.Acquired != 0 || st.Lost != 0 {
		t.Errorf("statistics not reset at start, got %+v", st)
	}
}

func TestStopIdempotent(t *testing.T) {
	c, rig, _ := newChannel(t, 2)
	rig.Journal.Reset()
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if len(rig.Journal.Calls()) != 0 {
		t.Errorf("stop on an idle channel touched the device: %v", rig.Journal.Calls())
	}
	c.Start()
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	calls := len(rig.Journal.Calls())
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if len(rig.Journal.Calls()) != calls {
		t.Error("second stop reached the device")
	}
	if c.State() != device.Initialized {
		t.Errorf("expected initialized after stop, got %v", c.State())
	}
}

func TestDrainTimeoutAborts(t *testing.T) {
	c, rig, s := newChannel(t, 2)
	rig.Grabber.HangOnWait = true
	c.Start()
	begin := time.Now()
	if err := c.Stop(); err != nil {
		t.Fatalf("drain timeout must not fail Stop, got %v", err)
	}
	if time.Since(begin) > 2*time.Second {
		t.Error("stop was not bounded by the drain timeout")
	}
	if rig.Journal.Index("transfer.Abort") == -1 {
		t.Error("transfer was not aborted")
	}
	if len(s.faults) != 1 {
		t.Fatalf("expected one warning, got %d", len(s.faults))
	}
	if !s.faults[0].Warning || !errors.Is(s.faults[0].Err, device.ErrDrainTimeout) {
		t.Errorf("expected a DrainTimeout warning, got %+v", s.faults[0])
	}
	if c.State() != device.Initialized {
		t.Errorf("expected initialized after an aborted stop, got %v", c.State())
	}
}

func TestFreezeFailureAborts(t *testing.T) {
	rig := mock.NewRig(geom)
	s := &sink{}
	var logged bytes.Buffer
	c := camera.NewChannel(rig.Grabber, nil, s, log.New(&logged, "", 0))
	if err := c.Initialize(camera.Config{BufferCount: 2, DrainTimeout: 50 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	c.Start()
	rig.Faults.Fail("transfer.Freeze", errors.New("board not responding"))
	if err := c.Stop(); err != nil {
		t.Fatalf("a freeze failure must not fail Stop, got %v", err)
	}
	if rig.Journal.Index("transfer.Abort") == -1 {
		t.Error("transfer was not aborted")
	}
	if len(s.faults) != 1 {
		t.Fatalf("expected one warning, got %d", len(s.faults))
	}
	f := s.faults[0]
	if !f.Warning || !errors.Is(f.Err, device.ErrDeviceUnavailable) {
		t.Errorf("expected a DeviceUnavailable warning, got %+v", f)
	}
	if errors.Is(f.Err, device.ErrDrainTimeout) {
		t.Error("a freeze failure was reported as a drain timeout")
	}
	if !strings.Contains(logged.String(), "freezing transfer failed") || strings.Contains(logged.String(), "did not finish within") {
		t.Errorf("unexpected log output: %q", logged.String())
	}
	if c.State() != device.Initialized {
		t.Errorf("expected initialized after an aborted stop, got %v", c.State())
	}
}

func TestInitializeFallsBack(t *testing.T) {
	rig := mock.NewRig(geom)
	rig.Grabber.Available = map[int][]int{0: {2}, 1: {0}}
	c := camera.NewChannel(rig.Grabber, nil, nil, nil)
	err := c.Initialize(camera.Config{Server: 0, Resource: 0, BufferCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"grabber.Open 0/0", "grabber.Open 0/2"}
	if diff := cmp.Diff(want, rig.Journal.Calls()[:2]); diff != "" {
		t.Errorf("open order mismatch:\n%s", diff)
	}
	if c.Params() != geom {
		t.Errorf("geometry not read from the grabber, got %+v", c.Params())
	}
}

func TestInitializeUnavailable(t *testing.T) {
	rig := mock.NewRig(geom)
	rig.Faults.Fail("grabber.Open", errors.New("board not responding"))
	s := &sink{}
	c := camera.NewChannel(rig.Grabber, nil, s, nil)
	err := c.Initialize(camera.Config{BufferCount: 8})
	if !errors.Is(err, device.ErrDeviceUnavailable) {
		t.Errorf("expected DeviceUnavailable, got %v", err)
	}
	if c.State() != device.Uninitialized {
		t.Errorf("expected uninitialized, got %v", c.State())
	}
	if len(s.faults) != 1 {
		t.Errorf("expected the failure to be published, got %d faults", len(s.faults))
	}
}

func TestInitializeRejectsSmallRing(t *testing.T) {
	rig := mock.NewRig(geom)
	c := camera.NewChannel(rig.Grabber, nil, nil, nil)
	err := c.Initialize(camera.Config{BufferCount: 1})
	if !errors.Is(err, device.ErrConfigurationInvalid) {
		t.Errorf("expected ConfigurationInvalid, got %v", err)
	}
}

func TestInitializeWhileRunning(t *testing.T) {
	c, _, _ := newChannel(t, 2)
	c.Start()
	err := c.Initialize(camera.Config{BufferCount: 2})
	if !errors.Is(err, device.ErrConfigurationInvalid) {
		t.Errorf("expected ConfigurationInvalid, got %v", err)
	}
}

func TestSharedResourceRejected(t *testing.T) {
	rig := mock.NewRig(geom)
	reg := device.NewRegistry()
	a := camera.NewChannel(rig.Grabber, reg, nil, nil)
	if err := a.Initialize(camera.Config{BufferCount: 2}); err != nil {
		t.Fatal(err)
	}
	a.Start()
	b := camera.NewChannel(rig.Grabber, reg, nil, nil)
	if err := b.Initialize(camera.Config{BufferCount: 2}); err == nil {
		t.Error("a second channel claimed a running grabber")
	}
	a.Dispose()
	if err := b.Initialize(camera.Config{BufferCount: 2}); err != nil {
		t.Errorf("grabber should be free after dispose, got %v", err)
	}
}

func TestDisposeOrder(t *testing.T) {
	c, rig, _ := newChannel(t, 2)
	c.Start()
	rig.Journal.Reset()
	if err := c.Dispose(); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"transfer.Freeze",
		"transfer.Wait",
		"transfer.Close",
		"buffer.Close",
		"acquisition.Close",
	}
	if diff := cmp.Diff(want, rig.Journal.Calls()); diff != "" {
		t.Errorf("dispose order mismatch:\n%s", diff)
	}
	if err := c.Dispose(); err != nil {
		t.Errorf("second dispose should succeed, got %v", err)
	}
	if c.State() != device.Disposed {
		t.Errorf("expected disposed, got %v", c.State())
	}
}

func TestDisposeFaulted(t *testing.T) {
	c, rig, _ := newChannel(t, 2)
	rig.Faults.Fail("transfer.Grab", errors.New("link down"))
	if err := c.Start(); !errors.Is(err, device.ErrDeviceUnavailable) {
		t.Fatalf("expected DeviceUnavailable, got %v", err)
	}
	if c.State() != device.Faulted {
		t.Fatalf("expected faulted, got %v", c.State())
	}
	if err := c.Dispose(); err != nil {
		t.Errorf("dispose from faulted should succeed, got %v", err)
	}
	if rig.Journal.Index("acquisition.Close") == -1 {
		t.Error("device not released")
	}
}
