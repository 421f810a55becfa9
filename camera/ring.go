package camera

import (
	"sync"
	"time"

	"github.com/nasa-jpl/octsync/device"
)

// Slot is the bookkeeping for one ring entry.  The payload itself stays in
// driver memory.
type Slot struct {
	Index     int
	Sequence  uint64
	Timestamp time.Time

	// Valid is false for trash (overrun) frames and for slots that have not
	// been written this session
	Valid bool
}

// Ring pairs a driver buffer with per-slot metadata
type Ring struct {
	buf    device.Buffer
	params device.TransferParams

	mu    sync.Mutex
	slots []Slot
}

func newRing(buf device.Buffer, params device.TransferParams) *Ring {
	r := &Ring{buf: buf, params: params, slots: make([]Slot, buf.Count())}
	r.reset()
	return r
}

// Capacity is the number of slots
func (r *Ring) Capacity() int {
	return len(r.slots)
}

func (r *Ring) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		r.slots[i] = Slot{Index: i}
	}
}

func (r *Ring) record(index int, seq uint64, ts time.Time, valid bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.slots) {
		return
	}
	r.slots[index] = Slot{Index: index, Sequence: seq, Timestamp: ts, Valid: valid}
}

// Slot returns the metadata of slot i
func (r *Ring) Slot(i int) Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[i]
}

// payload returns the driver bytes of slot i, nil when out of range
func (r *Ring) payload(i int) []byte {
	if i < 0 || i >= len(r.slots) {
		return nil
	}
	return r.buf.Payload(i)
}
