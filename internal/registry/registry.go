// Package registry owns the live device map and the device-id allocator
// shared by the manager control plane and the uinput relay. It is the
// single owner of every VirtualDevice; the uinput relay's mirror map
// (mirror.go) only ever stores ids, never device handles, to avoid cyclic
// ownership between the two.
package registry

import (
	"sort"
	"sync"

	"github.com/smazurov/vimputti/internal/device"
	"github.com/smazurov/vimputti/internal/model"
)

// Registry holds the id -> device map plus the freelist-first id
// allocator. Guarded by one mutex held only across insert/remove and
// short lookups; lookups return the device handle and release the lock
// before any I/O runs against it.
type Registry struct {
	mu       sync.Mutex
	devices  map[model.DeviceID]*device.VirtualDevice
	freelist []model.DeviceID
	next     model.DeviceID
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{devices: make(map[model.DeviceID]*device.VirtualDevice)}
}

// AllocateID pops the most recently freed id (LIFO) before advancing the
// monotonic counter.
func (r *Registry) AllocateID() model.DeviceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.freelist); n > 0 {
		id := r.freelist[n-1]
		r.freelist = r.freelist[:n-1]
		return id
	}
	id := r.next
	r.next++
	return id
}

// ReleaseID returns an id to the freelist for future reuse. Call only
// after the corresponding device has been fully removed.
func (r *Registry) ReleaseID(id model.DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freelist = append(r.freelist, id)
}

// Insert adds a constructed device to the registry.
func (r *Registry) Insert(d *device.VirtualDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID()] = d
}

// Remove removes and returns the device for id, if present.
func (r *Registry) Remove(id model.DeviceID) (*device.VirtualDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if ok {
		delete(r.devices, id)
	}
	return d, ok
}

// Get looks up a device by id without removing it.
func (r *Registry) Get(id model.DeviceID) (*device.VirtualDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	return d, ok
}

// List returns every live device, ordered by id, for ListDevices
// responses.
func (r *Registry) List() []*device.VirtualDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*device.VirtualDevice, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// MinLiveID returns the smallest live device id, used by the uinput relay
// to pick its mirror source on DevCreate.
func (r *Registry) MinLiveID() (model.DeviceID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.devices) == 0 {
		return 0, false
	}
	min := model.DeviceID(0)
	first := true
	for id := range r.devices {
		if first || id < min {
			min = id
			first = false
		}
	}
	return min, true
}
