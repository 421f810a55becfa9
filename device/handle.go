package device

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// State is the lifecycle state of a device handle
type State int

const (
	// Uninitialized is the zero state, nothing has been opened
	Uninitialized State = iota

	// Initialized means resources are open and configured but idle
	Initialized

	// Armed means the device is prepared to run but not yet running
	Armed

	// Running means the device is producing or consuming data
	Running

	// Faulted means an operation failed and the device must be disposed
	Faulted

	// Disposed means every resource has been released
	Disposed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Faulted:
		return "faulted"
	case Disposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handle is the identity and lifecycle state of one claimed physical
// resource.  It is safe for concurrent use.
type Handle struct {
	id       uuid.UUID
	resource string

	mu    sync.Mutex
	state State
}

// ID is unique for every handle ever issued
func (h *Handle) ID() uuid.UUID {
	return h.id
}

// Resource is the name of the physical resource, e.g. "grabber/0/1"
func (h *Handle) Resource() string {
	return h.resource
}

// State returns the current lifecycle state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetState moves the handle to s.  Disposed is terminal.
func (h *Handle) SetState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Disposed {
		return
	}
	h.state = s
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s[%s]", h.resource, h.id.String()[:8])
}

// Registry enforces that each physical resource has at most one live handle
type Registry struct {
	mu   sync.Mutex
	live map[string]*Handle
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{live: map[string]*Handle{}}
}

// Claim issues a new handle for resource.  It fails with
// ConfigurationInvalid while another live handle owns the resource.
func (r *Registry) Claim(resource string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.live[resource]; ok {
		st := prev.State()
		if st != Disposed {
			msg := fmt.Sprintf("resource is owned by live handle %s in state %s", prev, st)
			return nil, New(ConfigurationInvalid, resource, "Claim", msg)
		}
	}
	h := &Handle{id: uuid.New(), resource: resource}
	r.live[resource] = h
	return h, nil
}

// Release disposes h and frees its resource for a new claim.  Releasing a
// handle twice, or a nil handle, is a no-op.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}
	h.SetState(Disposed)
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.live[h.resource]; ok && cur == h {
		delete(r.live, h.resource)
	}
}

// Live returns the live handle for resource, if any
func (r *Registry) Live(resource string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.live[resource]
	return h, ok
}
