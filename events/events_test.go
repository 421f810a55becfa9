package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nasa-jpl/octsync/events"
)

type recorder struct {
	mu     sync.Mutex
	frames []events.Frame
	losses []events.Loss
	faults []events.Fault
}

func (r *recorder) OnFrame(f events.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) OnLoss(l events.Loss) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.losses = append(r.losses, l)
}

func (r *recorder) OnFault(f events.Fault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, f)
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames), len(r.losses), len(r.faults)
}

func TestPipelineFanOut(t *testing.T) {
	p := events.NewPipeline(nil)
	a, b := &recorder{}, &recorder{}
	ida, _ := p.Subscribe(a)
	p.Subscribe(b)
	p.PublishFrame(events.Frame{Sequence: 0})
	p.PublishLoss(events.Loss{Sequence: 1, Reason: "ring buffer overrun"})
	p.PublishFault(events.Fault{Source: "camera", Err: errors.New("x")})
	for _, r := range []*recorder{a, b} {
		f, l, ft := r.counts()
		if f != 1 || l != 1 || ft != 1 {
			t.Errorf("expected one of each event, got %d %d %d", f, l, ft)
		}
	}
	st, err := p.Stats(ida)
	if err != nil {
		t.Fatal(err)
	}
	if st.Delivered != 3 {
		t.Errorf("expected 3 deliveries, got %d", st.Delivered)
	}
	if err := p.Unsubscribe(ida); err != nil {
		t.Fatal(err)
	}
	p.PublishFrame(events.Frame{Sequence: 2})
	if f, _, _ := a.counts(); f != 1 {
		t.Errorf("unsubscribed handler still received frames")
	}
	if f, _, _ := b.counts(); f != 2 {
		t.Errorf("remaining handler missed a frame")
	}
}

func TestPipelineRecoversPanics(t *testing.T) {
	p := events.NewPipeline(nil)
	id, _ := p.Subscribe(events.Funcs{Frame: func(events.Frame) { panic("boom") }})
	good := &recorder{}
	p.Subscribe(good)
	p.PublishFrame(events.Frame{})
	st, _ := p.Stats(id)
	if st.Panics != 1 {
		t.Errorf("expected one panic recorded, got %d", st.Panics)
	}
	if f, _, _ := good.counts(); f != 1 {
		t.Error("a panicking handler must not starve the others")
	}
}

func TestPipelineClose(t *testing.T) {
	p := events.NewPipeline(nil)
	r := &recorder{}
	q := events.NewQueue(r, 4)
	p.Subscribe(q)
	p.PublishLoss(events.Loss{Sequence: 3})
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if _, l, _ := r.counts(); l != 1 {
		t.Error("closing the pipeline should drain queued subscribers")
	}
	p.PublishLoss(events.Loss{})
	if _, err := p.Subscribe(r); !errors.Is(err, events.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestQueueCopiesPayload(t *testing.T) {
	block := make(chan struct{})
	got := make(chan events.Frame, 1)
	q := events.NewQueue(events.Funcs{Frame: func(f events.Frame) {
		<-block
		got <- f
	}}, 2)
	payload := []byte{1, 2, 3}
	q.OnFrame(events.Frame{Payload: payload})
	payload[0] = 99
	close(block)
	f := <-got
	if f.Payload[0] != 1 {
		t.Errorf("queued frame aliases the driver buffer")
	}
	q.Close()
}

func TestQueueDropsNewFrames(t *testing.T) {
	block := make(chan struct{})
	q := events.NewQueue(events.Funcs{Frame: func(events.Frame) { <-block }}, 1)
	for i := 0; i < 10; i++ {
		q.OnFrame(events.Frame{Sequence: uint64(i)})
	}
	close(block)
	q.Close()
	sent, dropped := q.Stats()
	if sent+dropped != 10 {
		t.Errorf("expected sent+dropped=10, got %d+%d", sent, dropped)
	}
	if dropped == 0 {
		t.Error("expected some frames to be dropped with a full queue")
	}
}

func TestQueueCloseReleasesBlockedLosses(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	q := events.NewQueue(events.Funcs{Loss: func(events.Loss) { <-block }}, 1)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.OnLoss(events.Loss{Sequence: uint64(i)})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- q.CloseTimeout(100 * time.Millisecond) }()
	select {
	case err := <-closed:
		if !errors.Is(err, events.ErrDrainTimeout) {
			t.Errorf("expected ErrDrainTimeout with a stuck handler, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CloseTimeout did not return with publishers blocked on a full queue")
	}

	released := make(chan struct{})
	go func() { wg.Wait(); close(released) }()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("blocked OnLoss calls were not released by Close")
	}
}

func TestPipelineCloseReleasesBlockedQueue(t *testing.T) {
	block := make(chan struct{})
	p := events.NewPipeline(nil)
	q := events.NewQueue(events.Funcs{Fault: func(events.Fault) { <-block }}, 1)
	if _, err := p.Subscribe(q); err != nil {
		t.Fatal(err)
	}

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < 3; i++ {
			p.PublishFault(events.Fault{Source: "camera"})
		}
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()
	select {
	case <-published:
	case <-time.After(time.Second):
		close(block)
		t.Fatal("pipeline close stalled behind a blocked subscriber")
	}

	close(block)
	select {
	case err := <-closed:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(time.Second):
		t.Fatal("pipeline close did not finish once the handler returned")
	}
}

func TestLatestKeepsNewest(t *testing.T) {
	l := events.NewLatest()
	if _, ok := l.Frame(); ok {
		t.Fatal("empty holder returned a frame")
	}
	buf := []byte{7}
	l.OnFrame(events.Frame{Sequence: 1, Payload: buf})
	l.OnFrame(events.Frame{Sequence: 2, Payload: buf})
	buf[0] = 0
	f, ok := l.Frame()
	if !ok || f.Sequence != 2 {
		t.Fatalf("expected frame 2, got %+v", f)
	}
	if f.Payload[0] != 7 {
		t.Error("held frame aliases the driver buffer")
	}
	done := make(chan uint64)
	go func() {
		f, _, _ := l.Next(2)
		done <- f.Sequence
	}()
	l.OnFrame(events.Frame{Sequence: 3})
	select {
	case seq := <-done:
		if seq != 3 {
			t.Errorf("expected 3, got %d", seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not wake")
	}
	l.Close()
}

func TestThrottle(t *testing.T) {
	r := &recorder{}
	th := events.NewThrottle(r, 1)
	for i := 0; i < 50; i++ {
		th.OnFrame(events.Frame{})
		th.OnLoss(events.Loss{})
	}
	f, l, _ := r.counts()
	if f != 1 {
		t.Errorf("expected a single frame through a 1 Hz throttle, got %d", f)
	}
	if l != 50 {
		t.Errorf("losses must never be throttled, got %d", l)
	}
	if th.Skipped() != 49 {
		t.Errorf("expected 49 skipped, got %d", th.Skipped())
	}
	unl := events.NewThrottle(r, 0)
	for i := 0; i < 5; i++ {
		unl.OnFrame(events.Frame{})
	}
	if f, _, _ := r.counts(); f != 6 {
		t.Errorf("unthrottled should pass everything, got %d total", f)
	}
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeBroker struct {
	mu   sync.Mutex
	msgs []published
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{topic, retained, payload.([]byte)})
	return doneToken{}
}

func TestReporterTopics(t *testing.T) {
	b := &fakeBroker{}
	r := &events.Reporter{Client: b, Prefix: "oct/rig1", Session: func() string { return "abc" }}
	r.OnFrame(events.Frame{})
	r.OnLoss(events.Loss{Sequence: 4, Reason: "ring buffer overrun"})
	r.OnFault(events.Fault{Source: "camera", Err: errors.New("gone"), Warning: true})
	r.PublishStatistics(events.Statistics{Acquired: 10, Lost: 1})
	if len(b.msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(b.msgs))
	}
	want := []string{"oct/rig1/loss", "oct/rig1/fault", "oct/rig1/stats"}
	for i, w := range want {
		if b.msgs[i].topic != w {
			t.Errorf("message %d: expected topic %s, got %s", i, w, b.msgs[i].topic)
		}
	}
	if !b.msgs[2].retained {
		t.Error("statistics should be retained")
	}
	var loss struct {
		Session  string `json:"session"`
		Sequence uint64 `json:"sequence"`
	}
	if err := json.Unmarshal(b.msgs[0].payload, &loss); err != nil {
		t.Fatal(err)
	}
	if loss.Sequence != 4 || loss.Session != "abc" {
		t.Errorf("unexpected loss payload %s", b.msgs[0].payload)
	}
	var stats map[string]interface{}
	json.Unmarshal(b.msgs[2].payload, &stats)
	if stats["acquired"].(float64) != 10 || stats["lost"].(float64) != 1 {
		t.Errorf("unexpected stats payload %s", b.msgs[2].payload)
	}
}

func TestReporterFinalStatistics(t *testing.T) {
	b := &fakeBroker{}
	session := "first"
	r := &events.Reporter{Client: b, Prefix: "oct", Session: func() string { return session }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, time.Hour, func() events.Statistics { return events.Statistics{Acquired: 7} })
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(b.msgs) != 1 || b.msgs[0].topic != "oct/stats" {
		t.Fatalf("expected one final stats message, got %d", len(b.msgs))
	}
	var stats struct {
		Session  string `json:"session"`
		Acquired uint64 `json:"acquired"`
	}
	if err := json.Unmarshal(b.msgs[0].payload, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Session != "first" || stats.Acquired != 7 {
		t.Errorf("unexpected final stats payload %s", b.msgs[0].payload)
	}
}
