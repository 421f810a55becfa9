package mock

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nasa-jpl/octsync/device"
)

// ErrNotFound is returned when opening a server/resource that does not exist
var ErrNotFound = errors.New("mock: no such acquisition resource")

// Grabber is a fake frame grabber
type Grabber struct {
	mu sync.Mutex

	// Available maps server index to the resource indices it exposes
	Available map[int][]int

	// Params is the geometry reported by every acquisition
	Params device.TransferParams

	// HangOnWait makes Transfer.Wait block until its timeout
	HangOnWait bool

	journal *Journal
	faults  *Faults

	transfers []*Transfer

	interval   time.Duration
	trashEvery int
	stop       chan struct{}
	clockWG    sync.WaitGroup
}

// Servers implements device.Grabber
func (g *Grabber) Servers() ([]int, error) {
	if err := g.faults.check("grabber.Servers"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int, 0, len(g.Available))
	for s := range g.Available {
		out = append(out, s)
	}
	sort.Ints(out)
	return out, nil
}

// Resources implements device.Grabber
func (g *Grabber) Resources(server int) ([]int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.Available[server]...), nil
}

// OpenAcquisition implements device.Grabber
func (g *Grabber) OpenAcquisition(server, resource int, configFile string) (device.Acquisition, error) {
	g.journal.Record("grabber.Open %d/%d", server, resource)
	if err := g.faults.check("grabber.Open"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.Available[server] {
		if r == resource {
			return &Acquisition{g: g, params: g.Params}, nil
		}
	}
	return nil, fmt.Errorf("%w: %d/%d", ErrNotFound, server, resource)
}

// LastTransfer returns the most recently created transfer, or nil
func (g *Grabber) LastTransfer() *Transfer {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.transfers) == 0 {
		return nil
	}
	return g.transfers[len(g.transfers)-1]
}

func (g *Grabber) startClock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.interval <= 0 || g.stop != nil {
		return
	}
	g.stop = make(chan struct{})
	g.clockWG.Add(1)
	go g.tick(g.stop, g.interval, g.trashEvery)
}

func (g *Grabber) stopClock() {
	g.mu.Lock()
	stop := g.stop
	g.stop = nil
	g.mu.Unlock()
	if stop != nil {
		close(stop)
		g.clockWG.Wait()
	}
}

func (g *Grabber) tick(stop chan struct{}, interval time.Duration, trashEvery int) {
	defer g.clockWG.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	n := 0
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			n++
			trash := trashEvery > 0 && n%trashEvery == 0
			if tr := g.LastTransfer(); tr != nil {
				tr.Fire(trash)
			}
		}
	}
}

// Acquisition is a fake open acquisition device
type Acquisition struct {
	g      *Grabber
	params device.TransferParams
	closed bool
}

// Params implements device.Acquisition
func (a *Acquisition) Params() device.TransferParams {
	return a.params
}

// NewBuffer implements device.Acquisition
func (a *Acquisition) NewBuffer(count int) (device.Buffer, error) {
	a.g.journal.Record("buffer.New %d", count)
	if err := a.g.faults.check("buffer.New"); err != nil {
		return nil, err
	}
	b := &Buffer{slots: make([][]byte, count), journal: a.g.journal}
	for i := range b.slots {
		b.slots[i] = make([]byte, a.params.FrameBytes())
	}
	return b, nil
}

// NewTransfer implements device.Acquisition
func (a *Acquisition) NewTransfer(buf device.Buffer, notify device.NotifyFunc) (device.Transfer, error) {
	a.g.journal.Record("transfer.New")
	if err := a.g.faults.check("transfer.New"); err != nil {
		return nil, err
	}
	t := &Transfer{
		buf:     buf,
		notify:  notify,
		journal: a.g.journal,
		faults:  a.g.faults,
		g:       a.g,
	}
	a.g.mu.Lock()
	a.g.transfers = append(a.g.transfers, t)
	a.g.mu.Unlock()
	return t, nil
}

// Close implements device.Acquisition
func (a *Acquisition) Close() error {
	a.g.journal.Record("acquisition.Close")
	a.closed = true
	return nil
}

// Buffer is a fake ring of frames
type Buffer struct {
	slots   [][]byte
	journal *Journal
}

// Count implements device.Buffer
func (b *Buffer) Count() int {
	return len(b.slots)
}

// Payload implements device.Buffer
func (b *Buffer) Payload(slot int) []byte {
	return b.slots[slot]
}

// Close implements device.Buffer
func (b *Buffer) Close() error {
	b.journal.Record("buffer.Close")
	return nil
}

// Transfer is a fake frame transfer
type Transfer struct {
	mu       sync.Mutex
	buf      device.Buffer
	notify   device.NotifyFunc
	journal  *Journal
	faults   *Faults
	g        *Grabber
	armed    bool
	grabbing bool
	next     int
	frames   uint64
	closed   bool
}

func (t *Transfer) op(name string) error {
	t.journal.Record("transfer.%s", name)
	return t.faults.check("transfer." + name)
}

// Arm implements device.Transfer
func (t *Transfer) Arm() error {
	if err := t.op("Arm"); err != nil {
		return err
	}
	t.mu.Lock()
	t.armed = true
	t.mu.Unlock()
	return nil
}

// Grab implements device.Transfer
func (t *Transfer) Grab() error {
	if err := t.op("Grab"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return errors.New("mock: transfer grabbed before it was armed")
	}
	t.grabbing = true
	return nil
}

// Freeze implements device.Transfer
func (t *Transfer) Freeze() error {
	if err := t.op("Freeze"); err != nil {
		return err
	}
	t.mu.Lock()
	t.grabbing = false
	t.mu.Unlock()
	return nil
}

// Wait implements device.Transfer
func (t *Transfer) Wait(timeout time.Duration) error {
	if err := t.op("Wait"); err != nil {
		return err
	}
	t.g.mu.Lock()
	hang := t.g.HangOnWait
	t.g.mu.Unlock()
	if hang {
		time.Sleep(timeout)
		return fmt.Errorf("mock: %w after %v", device.ErrWaitTimeout, timeout)
	}
	return nil
}

// Abort implements device.Transfer
func (t *Transfer) Abort() error {
	if err := t.op("Abort"); err != nil {
		return err
	}
	t.mu.Lock()
	t.grabbing = false
	t.armed = false
	t.mu.Unlock()
	return nil
}

// Close implements device.Transfer
func (t *Transfer) Close() error {
	t.journal.Record("transfer.Close")
	t.mu.Lock()
	t.closed = true
	t.grabbing = false
	t.mu.Unlock()
	return nil
}

// Grabbing is true between Grab and Freeze/Abort
func (t *Transfer) Grabbing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.grabbing
}

// Fire completes one frame into the next ring slot and delivers its
// notification synchronously.  The first byte of a valid frame holds the
// low byte of the frame count.  Fire returns false when not grabbing.
func (t *Transfer) Fire(trash bool) bool {
	t.mu.Lock()
	if !t.grabbing {
		t.mu.Unlock()
		return false
	}
	slot := t.next
	t.next = (t.next + 1) % t.buf.Count()
	if p := t.buf.Payload(slot); len(p) > 0 && !trash {
		p[0] = byte(t.frames)
	}
	t.frames++
	notify := t.notify
	t.mu.Unlock()
	notify(device.Notification{Slot: slot, Trash: trash, Timestamp: time.Now()})
	return true
}
