/*Package galvo drives a pair of galvanometer scanners from hardware-timed
analog outputs, and generates the line trigger pulse train that clocks the
camera.

Drive and Trigger are independent channels.  Neither starts the other; the
order in which they are started relative to the camera is the job of the
sequencer.
*/
package galvo

import (
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/nasa-jpl/octsync/device"
	"github.com/nasa-jpl/octsync/events"
)

// Range is an output voltage range
type Range struct {
	Min float64 `yaml:"Min" koanf:"Min"`
	Max float64 `yaml:"Max" koanf:"Max"`
}

// Validate checks that Min < Max and both are finite
func (r Range) Validate() error {
	if math.IsNaN(r.Min) || math.IsNaN(r.Max) || math.IsInf(r.Min, 0) || math.IsInf(r.Max, 0) {
		return fmt.Errorf("range [%v, %v] is not finite", r.Min, r.Max)
	}
	if r.Min >= r.Max {
		return fmt.Errorf("range min %v must be less than max %v", r.Min, r.Max)
	}
	return nil
}

// Contains is true if v is within the closed range
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// deviceOf returns "Dev3" for "Dev3/ao0" and "/Dev3/ao0"
func deviceOf(physical string) string {
	p := strings.TrimPrefix(physical, "/")
	if i := strings.Index(p, "/"); i > 0 {
		return p[:i]
	}
	return p
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// base holds what Drive and Trigger share: a name for messages, the
// registry, the event sink and the logger
type base struct {
	name   string
	reg    *device.Registry
	pub    events.Publisher
	logger *log.Logger
}

func newBase(name string, reg *device.Registry, pub events.Publisher, logger *log.Logger) base {
	if reg == nil {
		reg = device.NewRegistry()
	}
	if pub == nil {
		pub = events.Discard{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return base{name: name, reg: reg, pub: pub, logger: logger}
}

// fail logs, publishes and returns a device error.  A nil err produces nil.
func (b base) fail(kind device.Kind, dev, step string, err error) error {
	if err == nil {
		return nil
	}
	e := device.Enrich(kind, dev, step, err)
	b.logger.Printf("%s: %s %s failed: %v", b.name, dev, step, err)
	b.pub.PublishFault(events.Fault{Source: b.name, Err: e, Timestamp: time.Now()})
	return e
}
