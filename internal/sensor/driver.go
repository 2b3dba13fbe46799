package sensor

import (
	"fmt"
	"sort"
	"sync"
)

// Driver is the capability interface every physical sensor driver
// implements. New sensor kinds are added by implementing Driver, never by
// extending a shared base with sensor-specific branches.
//
// Read must bound its internal blocking so a stalled device cannot wedge
// the owning adapter: it returns ErrNoSample when nothing arrived within
// the driver's poll budget, ErrMalformedPayload for a corrupt sample, and
// ErrConnectionLost when the transport is down. Close must be idempotent.
type Driver interface {
	Identity() Identity
	Open() error
	Read() (*RawSample, error)
	Close() error
}

// Registry is the explicit set of drivers a capture run will use. It
// replaces ambient process-wide sensor state: the registry is constructed
// by the caller, handed to the stream controller, and its lifecycle is
// tied to the controller's.
type Registry struct {
	mu       sync.Mutex
	drivers  map[string]Driver
	required map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers:  make(map[string]Driver),
		required: make(map[string]bool),
	}
}

// Register adds a driver. A required sensor that fails to open aborts the
// whole run; an optional one degrades to absent. Registering a duplicate
// sensor ID is an error so two drivers can never claim the same identity.
func (r *Registry) Register(d Driver, required bool) error {
	id := d.Identity().ID
	if id == "" {
		return fmt.Errorf("driver has empty sensor ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[id]; ok {
		return fmt.Errorf("sensor %q already registered", id)
	}
	r.drivers[id] = d
	r.required[id] = required
	return nil
}

// Required reports whether the sensor was registered as required.
func (r *Registry) Required(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.required[id]
}

// Drivers returns the registered drivers ordered by sensor ID so runs are
// deterministic.
func (r *Registry) Drivers() []Driver {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.drivers))
	for id := range r.drivers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Driver, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.drivers[id])
	}
	return out
}

// Len returns the number of registered drivers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drivers)
}

// HighBandwidthCount returns how many registered sensors are flagged
// high-bandwidth. The controller checks this against the configured
// concurrency limit at start.
func (r *Registry) HighBandwidthCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, d := range r.drivers {
		if d.Identity().HighBandwidth {
			n++
		}
	}
	return n
}
