// Package events carries frame, loss and fault notifications from the
// acquisition channels to any number of consumers.
package events

import (
	"time"
)

// Frame is one captured frame.  Payload references driver-owned memory and
// is only valid for the duration of the handler call; use Clone to keep it.
type Frame struct {
	Width        int
	Height       int
	BitsPerPixel int
	Sequence     uint64
	Timestamp    time.Time
	Payload      []byte
}

// Clone returns a copy of f that owns its payload
func (f Frame) Clone() Frame {
	out := f
	out.Payload = append([]byte(nil), f.Payload...)
	return out
}

// CloneInto copies f into dst, reusing dst's payload storage when it is large
// enough
func (f Frame) CloneInto(dst *Frame) {
	buf := dst.Payload
	if cap(buf) < len(f.Payload) {
		buf = make([]byte, len(f.Payload))
	}
	buf = buf[:len(f.Payload)]
	copy(buf, f.Payload)
	*dst = f
	dst.Payload = buf
}

// Loss reports a frame that was consumed by a ring overrun
type Loss struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// Fault reports a failure at a device, or a warning when Warning is true
type Fault struct {
	Source    string
	Err       error
	Warning   bool
	Timestamp time.Time
}

// Statistics are frame counters.  They are monotonic within a session.
type Statistics struct {
	Acquired uint64 `json:"acquired"`
	Lost     uint64 `json:"lost"`
}

// Handler consumes events.  Methods may be called from any goroutine, and
// must not block for long on the frame path.
type Handler interface {
	OnFrame(Frame)
	OnLoss(Loss)
	OnFault(Fault)
}

// Publisher is the producer side of the pipeline
type Publisher interface {
	PublishFrame(Frame)
	PublishLoss(Loss)
	PublishFault(Fault)
}

// Funcs adapts plain functions to a Handler.  Nil fields are skipped.
type Funcs struct {
	Frame func(Frame)
	Loss  func(Loss)
	Fault func(Fault)
}

// OnFrame implements Handler
func (f Funcs) OnFrame(fr Frame) {
	if f.Frame != nil {
		f.Frame(fr)
	}
}

// OnLoss implements Handler
func (f Funcs) OnLoss(l Loss) {
	if f.Loss != nil {
		f.Loss(l)
	}
}

// OnFault implements Handler
func (f Funcs) OnFault(ft Fault) {
	if f.Fault != nil {
		f.Fault(ft)
	}
}

// Discard is a Publisher that drops everything
type Discard struct{}

// PublishFrame implements Publisher
func (Discard) PublishFrame(Frame) {}

// PublishLoss implements Publisher
func (Discard) PublishLoss(Loss) {}

// PublishFault implements Publisher
func (Discard) PublishFault(Fault) {}
