package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type envelope struct {
	frame *Frame
	loss  *Loss
	fault *Fault
}

// Queue moves events off the publishing goroutine onto a single consumer
// goroutine.  Frames are copied on entry.  When the queue is full new
// frames are dropped and counted; losses and faults wait for room until
// the queue is closed, after which they are discarded.
type Queue struct {
	ch   chan envelope
	h    Handler
	stop chan struct{}
	done chan struct{}
	once sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewQueue starts a consumer goroutine that calls h for every event
func NewQueue(h Handler, depth int) *Queue {
	if depth < 1 {
		depth = 1
	}
	q := &Queue{
		ch:   make(chan envelope, depth),
		h:    h,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case e := <-q.ch:
			q.dispatch(e)
		case <-q.stop:
			// deliver what was accepted before Close
			for {
				select {
				case e := <-q.ch:
					q.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) dispatch(e envelope) {
	switch {
	case e.frame != nil:
		q.h.OnFrame(*e.frame)
	case e.loss != nil:
		q.h.OnLoss(*e.loss)
	case e.fault != nil:
		q.h.OnFault(*e.fault)
	}
}

func (q *Queue) stopped() bool {
	select {
	case <-q.stop:
		return true
	default:
		return false
	}
}

// OnFrame implements Handler
func (q *Queue) OnFrame(f Frame) {
	if q.stopped() {
		return
	}
	c := f.Clone()
	select {
	case q.ch <- envelope{frame: &c}:
		q.sent.Add(1)
	default:
		q.dropped.Add(1)
	}
}

// OnLoss implements Handler
func (q *Queue) OnLoss(l Loss) {
	q.wait(envelope{loss: &l})
}

// OnFault implements Handler
func (q *Queue) OnFault(ft Fault) {
	q.wait(envelope{fault: &ft})
}

// wait blocks until e is queued or the queue is closed
func (q *Queue) wait(e envelope) {
	if q.stopped() {
		return
	}
	select {
	case q.ch <- e:
		q.sent.Add(1)
	case <-q.stop:
	}
}

// Stats returns the number of events queued and frames dropped
func (q *Queue) Stats() (sent, dropped uint64) {
	return q.sent.Load(), q.dropped.Load()
}

// Close drains the queue and waits for the consumer to finish, or for
// timeout to elapse if it is positive
func (q *Queue) Close() error {
	return q.CloseTimeout(0)
}

// CloseTimeout is Close with a bound on the drain.  Publishers blocked on a
// full queue are released immediately.
func (q *Queue) CloseTimeout(timeout time.Duration) error {
	q.once.Do(func() { close(q.stop) })
	if timeout <= 0 {
		<-q.done
		return nil
	}
	select {
	case <-q.done:
		return nil
	case <-time.After(timeout):
		return ErrDrainTimeout
	}
}
