package registry

import (
	"sync"

	"github.com/smazurov/vimputti/internal/model"
)

// MirrorMap is the partial function source-device-id -> mirror-device-id
// the uinput relay installs on DevCreate. Single-valued: inserting a new
// mapping for a source overwrites any prior one, matching "the function
// is single-valued and overwritten by the most recent session."
type MirrorMap struct {
	mu sync.Mutex
	m  map[model.DeviceID]model.DeviceID
}

// NewMirrorMap creates an empty MirrorMap.
func NewMirrorMap() *MirrorMap {
	return &MirrorMap{m: make(map[model.DeviceID]model.DeviceID)}
}

// Set installs source -> mirror, overwriting any prior mapping for source.
func (m *MirrorMap) Set(source, mirror model.DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[source] = mirror
}

// Get returns the mirror id for a source, if any.
func (m *MirrorMap) Get(source model.DeviceID) (model.DeviceID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mirror, ok := m.m[source]
	return mirror, ok
}

// RemoveByMirror erases every entry whose value equals mirror, used when
// a uinput session's mirror device is destroyed.
func (m *MirrorMap) RemoveByMirror(mirror model.DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for source, mir := range m.m {
		if mir == mirror {
			delete(m.m, source)
		}
	}
}

// RemoveSource erases the entry keyed by source, used when the source
// device itself is destroyed out from under a live mirror.
func (m *MirrorMap) RemoveSource(source model.DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, source)
}
