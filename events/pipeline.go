package events

import (
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned when subscribing to a closed pipeline
	ErrClosed = errors.New("events: pipeline closed")

	// ErrNoSubscriber is returned for an unknown subscriber id
	ErrNoSubscriber = errors.New("events: no such subscriber")

	// ErrDrainTimeout is returned when a queue does not drain in time
	ErrDrainTimeout = errors.New("events: timed out draining queue")
)

// SubscriberStats counts deliveries to one subscriber
type SubscriberStats struct {
	Delivered uint64 `json:"delivered"`
	Panics    uint64 `json:"panics"`
}

type subscriber struct {
	h         Handler
	delivered atomic.Uint64
	panics    atomic.Uint64
}

// Pipeline fans events out to its subscribers.  Delivery is synchronous on
// the publishing goroutine, in no particular order between subscribers.
// A panicking handler is logged and counted, and does not reach the
// publisher.
type Pipeline struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	published atomic.Uint64
	logger    *log.Logger
}

// NewPipeline returns an empty pipeline.  A nil logger uses log.Default().
func NewPipeline(logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{subs: map[int]*subscriber{}, logger: logger}
}

// Subscribe registers h and returns its id
func (p *Pipeline) Subscribe(h Handler) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	id := p.nextID
	p.nextID++
	p.subs[id] = &subscriber{h: h}
	return id, nil
}

// Unsubscribe removes a subscriber.  The handler is not closed.
func (p *Pipeline) Unsubscribe(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[id]; !ok {
		return ErrNoSubscriber
	}
	delete(p.subs, id)
	return nil
}

// Stats returns the delivery counters of a subscriber
func (p *Pipeline) Stats(id int) (SubscriberStats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.subs[id]
	if !ok {
		return SubscriberStats{}, ErrNoSubscriber
	}
	return SubscriberStats{Delivered: s.delivered.Load(), Panics: s.panics.Load()}, nil
}

// Published is the number of events published since creation
func (p *Pipeline) Published() uint64 {
	return p.published.Load()
}

type target struct {
	id int
	s  *subscriber
}

// each delivers outside the lock so that a handler blocked on a full queue
// cannot hold off Close, which is what releases it
func (p *Pipeline) each(kind string, fn func(Handler)) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return
	}
	targets := make([]target, 0, len(p.subs))
	for id, s := range p.subs {
		targets = append(targets, target{id, s})
	}
	p.mu.RUnlock()

	p.published.Add(1)
	for _, t := range targets {
		p.deliver(t.id, kind, t.s, fn)
	}
}

func (p *Pipeline) deliver(id int, kind string, s *subscriber, fn func(Handler)) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			p.logger.Printf("events: subscriber %d panicked handling %s: %v", id, kind, r)
		}
	}()
	fn(s.h)
	s.delivered.Add(1)
}

// PublishFrame implements Publisher
func (p *Pipeline) PublishFrame(f Frame) {
	p.each("frame", func(h Handler) { h.OnFrame(f) })
}

// PublishLoss implements Publisher
func (p *Pipeline) PublishLoss(l Loss) {
	p.each("loss", func(h Handler) { h.OnLoss(l) })
}

// PublishFault implements Publisher
func (p *Pipeline) PublishFault(ft Fault) {
	p.each("fault", func(h Handler) { h.OnFault(ft) })
}

// Close stops delivery and closes every subscriber that is an io.Closer
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if c, ok := s.h.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
