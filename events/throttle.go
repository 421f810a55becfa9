package events

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Throttle forwards at most hz frames per second to the wrapped handler, for
// consumers such as a preview display.  Losses and faults always pass.
type Throttle struct {
	h       Handler
	lim     *rate.Limiter
	skipped atomic.Uint64
}

// NewThrottle wraps h.  hz <= 0 forwards every frame.
func NewThrottle(h Handler, hz float64) *Throttle {
	lim := rate.NewLimiter(rate.Inf, 0)
	if hz > 0 {
		lim = rate.NewLimiter(rate.Limit(hz), 1)
	}
	return &Throttle{h: h, lim: lim}
}

// OnFrame implements Handler
func (t *Throttle) OnFrame(f Frame) {
	if !t.lim.Allow() {
		t.skipped.Add(1)
		return
	}
	t.h.OnFrame(f)
}

// OnLoss implements Handler
func (t *Throttle) OnLoss(l Loss) {
	t.h.OnLoss(l)
}

// OnFault implements Handler
func (t *Throttle) OnFault(f Fault) {
	t.h.OnFault(f)
}

// Skipped is the number of frames withheld by the rate limit
func (t *Throttle) Skipped() uint64 {
	return t.skipped.Load()
}
