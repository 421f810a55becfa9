/*Package device describes the boundary between this module and the vendor
drivers for the frame grabber and the analog output / counter hardware.

The drivers are treated as opaque: they can be opened, started, stopped and
closed, and the frame grabber delivers one notification per transferred
frame on a goroutine it owns.  Concrete implementations live outside this
module, except for the fakes in device/mock.
*/
package device

import (
	"time"
)

// TransferParams is the frame geometry reported by the grabber for the
// loaded camera configuration
type TransferParams struct {
	// Width is the number of pixels per line
	Width int

	// Height is the number of lines per frame
	Height int

	// BitsPerPixel is the significant bits in each pixel
	BitsPerPixel int
}

// BytesPerPixel is the storage size of one pixel, 8 bit data is packed,
// anything up to 16 bits occupies two bytes
func (p TransferParams) BytesPerPixel() int {
	if p.BitsPerPixel <= 8 {
		return 1
	}
	return 2
}

// FrameBytes is the size of one frame
func (p TransferParams) FrameBytes() int {
	return p.Width * p.Height * p.BytesPerPixel()
}

// Notification is delivered by a Transfer for every frame it completes
type Notification struct {
	// Slot is the ring slot the frame was written into
	Slot int

	// Trash is true when the grabber overran the ring and the slot contents
	// are not a valid frame
	Trash bool

	// Timestamp is the capture time reported by the driver
	Timestamp time.Time
}

// NotifyFunc is called on a driver-owned goroutine
type NotifyFunc func(Notification)

// Grabber is a frame grabber driver
type Grabber interface {
	// Servers lists the acquisition servers (boards) present
	Servers() ([]int, error)

	// Resources lists the acquisition resources (camera ports) on a server
	Resources(server int) ([]int, error)

	// OpenAcquisition opens the acquisition device at server/resource with
	// the vendor camera configuration file
	OpenAcquisition(server, resource int, configFile string) (Acquisition, error)
}

// Acquisition is an open acquisition device
type Acquisition interface {
	// Params returns the geometry of the loaded configuration
	Params() TransferParams

	// NewBuffer allocates a ring of count frames
	NewBuffer(count int) (Buffer, error)

	// NewTransfer links the device to buf and registers notify
	NewTransfer(buf Buffer, notify NotifyFunc) (Transfer, error)

	Close() error
}

// Buffer is the driver-owned frame storage
type Buffer interface {
	Count() int

	// Payload returns the bytes of a slot.  The slice is owned by the driver
	// and is overwritten when the ring wraps.
	Payload(slot int) []byte

	Close() error
}

// Transfer moves frames from the acquisition device into a Buffer
type Transfer interface {
	// Arm prepares the transfer without releasing frames
	Arm() error

	// Grab starts continuous capture
	Grab() error

	// Freeze requests the transfer stop after the current frame
	Freeze() error

	// Wait blocks until the transfer is idle or the timeout expires, in which
	// case it returns an error wrapping ErrWaitTimeout
	Wait(timeout time.Duration) error

	// Abort stops the transfer immediately, discarding partial frames
	Abort() error

	Close() error
}

// DAQ is a data acquisition device with analog outputs and counters
type DAQ interface {
	CounterProvider

	// Devices lists the device names present
	Devices() ([]string, error)

	// AOChannels lists the physical analog output channels of a device,
	// e.g. "Dev3/ao0"
	AOChannels(device string) ([]string, error)

	// NewAnalogOutput creates an analog output task
	NewAnalogOutput(name string) (AnalogOutputTask, error)
}

// CounterProvider can create counter output tasks.  A trigger need not come
// from the same box as the analog outputs.
type CounterProvider interface {
	// COChannels lists the physical counter output channels of a device,
	// e.g. "Dev3/ctr0"
	COChannels(device string) ([]string, error)

	// NewCounter creates a counter output task
	NewCounter(name string) (CounterTask, error)
}

// AnalogOutputTask is a hardware-timed analog output
type AnalogOutputTask interface {
	// AddVoltageChannel adds a physical channel with the given output range
	AddVoltageChannel(physical string, min, max float64) error

	// ConfigureSampleClock sets the update clock.  source "" is the onboard
	// clock; continuous regenerates the written buffer until stopped
	ConfigureSampleClock(source string, rate float64, continuous bool, samplesPerChannel int) error

	// Write writes one sequence per channel, in the order channels were added
	Write(data [][]float64) error

	// WriteSingle writes one sample per channel immediately, without clocking
	WriteSingle(values []float64) error

	Start() error
	Stop() error
	Close() error
}

// CounterTask is a counter generating a pulse train
type CounterTask interface {
	// AddPulseFrequency adds a pulse output on a physical counter channel
	AddPulseFrequency(physical string, frequency, dutyCycle float64) error

	// ConfigureContinuous makes the pulse train run until stopped
	ConfigureContinuous() error

	// SetTimebase replaces the counter timebase with a shared reference
	// clock terminal, e.g. "/Dev3/PFI0"
	SetTimebase(terminal string) error

	Start() error
	Stop() error
	Close() error
}
