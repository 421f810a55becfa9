/*Package mock contains fake frame grabber and DAQ hardware.

The fakes record every call in a shared Journal, can be told to fail any
operation, and deliver frames either by hand (Transfer.Fire) or from a clock
started by the trigger counter, so that a full acquisition can be exercised
without hardware.
*/
package mock

import (
	"fmt"
	"sync"
	"time"

	"github.com/nasa-jpl/octsync/device"
)

// Journal is an ordered, concurrency safe record of operations
type Journal struct {
	mu    sync.Mutex
	calls []string
}

// Record appends an entry
func (j *Journal) Record(format string, args ...interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, fmt.Sprintf(format, args...))
}

// Calls returns a copy of the entries
func (j *Journal) Calls() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.calls))
	copy(out, j.calls)
	return out
}

// Reset empties the journal
func (j *Journal) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = nil
}

// Index returns the position of the first entry equal to s, or -1
func (j *Journal) Index(s string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, c := range j.calls {
		if c == s {
			return i
		}
	}
	return -1
}

// Faults maps operation names to the error they should return
type Faults struct {
	mu sync.Mutex
	m  map[string]error
}

// Fail makes op return err until cleared
func (f *Faults) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = map[string]error{}
	}
	f.m[op] = err
}

// Clear removes an injected failure
func (f *Faults) Clear(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, op)
}

func (f *Faults) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[op]
}

// Rig is a grabber and a DAQ that share a journal and fault table.  The
// grabber's frame clock is driven by the DAQ counter.
type Rig struct {
	Grabber *Grabber
	DAQ     *DAQ
	Journal *Journal
	Faults  *Faults
}

// NewRig returns a rig with one grabber server exposing resource 0, a DAQ
// named "Dev3" with ao0, ao1 and ctr0, and frames of the given geometry.
func NewRig(params device.TransferParams) *Rig {
	j := &Journal{}
	f := &Faults{}
	g := &Grabber{
		Available: map[int][]int{0: {0}},
		Params:    params,
		journal:   j,
		faults:    f,
	}
	d := &DAQ{
		Names:   []string{"Dev3"},
		AO:      map[string][]string{"Dev3": {"Dev3/ao0", "Dev3/ao1"}},
		CO:      map[string][]string{"Dev3": {"Dev3/ctr0"}},
		journal: j,
		faults:  f,
	}
	r := &Rig{Grabber: g, DAQ: d, Journal: j, Faults: f}
	d.clock = r.clock
	return r
}

// FrameClock configures automatic frame delivery while a counter runs.
// Every trashEvery'th frame is delivered as trash; zero never trashes.
// A zero interval disables the clock.
func (r *Rig) FrameClock(interval time.Duration, trashEvery int) {
	r.Grabber.mu.Lock()
	defer r.Grabber.mu.Unlock()
	r.Grabber.interval = interval
	r.Grabber.trashEvery = trashEvery
}

func (r *Rig) clock(run bool) {
	if run {
		r.Grabber.startClock()
	} else {
		r.Grabber.stopClock()
	}
}
