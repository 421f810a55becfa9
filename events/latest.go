package events

import (
	"sync"
)

// Latest keeps a private copy of the most recent frame and fault.  Older
// frames are overwritten, so a slow reader only ever sees the newest one.
type Latest struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  Frame
	have   bool
	gen    uint64
	fault  Fault
	faults uint64
	closed bool
}

// NewLatest returns an empty holder
func NewLatest() *Latest {
	l := &Latest{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// OnFrame implements Handler
func (l *Latest) OnFrame(f Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	f.CloneInto(&l.frame)
	l.have = true
	l.gen++
	l.cond.Broadcast()
}

// OnLoss implements Handler
func (l *Latest) OnLoss(Loss) {}

// OnFault implements Handler
func (l *Latest) OnFault(f Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fault = f
	l.faults++
}

// Frame returns a copy of the newest frame, false if none has arrived
func (l *Latest) Frame() (Frame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.have {
		return Frame{}, false
	}
	return l.frame.Clone(), true
}

// Next blocks until a frame newer than the one seen at generation gen
// arrives, and returns it with its generation.  Pass 0 to wait for the
// first frame.  ok is false if the holder was closed.
func (l *Latest) Next(gen uint64) (f Frame, newGen uint64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.gen <= gen && !l.closed {
		l.cond.Wait()
	}
	if l.closed {
		return Frame{}, l.gen, false
	}
	return l.frame.Clone(), l.gen, true
}

// Fault returns the newest fault and the number of faults seen
func (l *Latest) Fault() (Fault, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fault, l.faults
}

// Reset forgets the held frame and fault, at the start of a session
func (l *Latest) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.have = false
	l.fault = Fault{}
	l.faults = 0
}

// Close wakes any blocked Next
func (l *Latest) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.cond.Broadcast()
	return nil
}
