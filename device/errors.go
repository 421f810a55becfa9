package device

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure at the device boundary
type Kind int

const (
	// DeviceUnavailable means hardware could not be opened or enumerated
	DeviceUnavailable Kind = iota + 1

	// ConfigurationInvalid means the device rejected a parameter, or an
	// operation was invoked in the wrong state
	ConfigurationInvalid

	// BufferOverrun means the ring was overrun and a frame was lost
	BufferOverrun

	// SequencingFailure means a startup or shutdown step failed
	SequencingFailure

	// DrainTimeout means a stop timed out waiting for the transfer and the
	// transfer was aborted.  It is a warning.
	DrainTimeout
)

var (
	// ErrDeviceUnavailable is matched by errors.Is for DeviceUnavailable errors
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrConfigurationInvalid is matched by errors.Is for ConfigurationInvalid errors
	ErrConfigurationInvalid = errors.New("configuration invalid")

	// ErrBufferOverrun is matched by errors.Is for BufferOverrun errors
	ErrBufferOverrun = errors.New("buffer overrun")

	// ErrSequencingFailure is matched by errors.Is for SequencingFailure errors
	ErrSequencingFailure = errors.New("sequencing failure")

	// ErrDrainTimeout is matched by errors.Is for DrainTimeout errors
	ErrDrainTimeout = errors.New("drain timeout")

	// ErrWaitTimeout is returned by Transfer.Wait when the timeout expires
	ErrWaitTimeout = errors.New("timed out waiting for transfer to complete")
)

func (k Kind) sentinel() error {
	switch k {
	case DeviceUnavailable:
		return ErrDeviceUnavailable
	case ConfigurationInvalid:
		return ErrConfigurationInvalid
	case BufferOverrun:
		return ErrBufferOverrun
	case SequencingFailure:
		return ErrSequencingFailure
	case DrainTimeout:
		return ErrDrainTimeout
	}
	return nil
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a failure at the device boundary, decorated with the device and
// the step that produced it
type Error struct {
	Kind Kind

	// Device is a human readable name, e.g. "camera" or "Dev3/ao0"
	Device string

	// Step is the procedure that failed, e.g. "Arm" or "LoadWaveform"
	Step string

	// Err is the underlying driver error, if any
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Device != "" {
		b.WriteString(": ")
		b.WriteString(e.Device)
	}
	if e.Step != "" {
		b.WriteString(" ")
		b.WriteString(e.Step)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's Kind
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Enrich decorates err with its kind, device, and step.  A nil err produces
// a nil return.
func Enrich(kind Kind, device, step string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Device: device, Step: step, Err: err}
}

// New is Enrich for failures that have no underlying driver error
func New(kind Kind, device, step, msg string) error {
	return &Error{Kind: kind, Device: device, Step: step, Err: errors.New(msg)}
}

// KindOf returns the Kind of the first *Error in err's chain, or 0
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
