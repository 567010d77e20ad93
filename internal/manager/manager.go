// Package manager implements the control plane: it owns the device
// registry and id allocator, serializes lifecycle requests from library
// clients, and dispatches to the device, sysfs, hotplug, and uinput
// subsystems.
package manager

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/smazurov/vimputti/internal/corerr"
	"github.com/smazurov/vimputti/internal/device"
	"github.com/smazurov/vimputti/internal/events"
	"github.com/smazurov/vimputti/internal/hotplug"
	"github.com/smazurov/vimputti/internal/metrics"
	"github.com/smazurov/vimputti/internal/model"
	"github.com/smazurov/vimputti/internal/registry"
)

// maxDeviceNameLen is the declared display-name limit.
const maxDeviceNameLen = 79

// Manager owns the registry, mirror map, and hotplug broadcaster, and
// performs every device lifecycle transition. Both the control-plane
// server and the uinput relay go through it so sysfs projection and
// hotplug broadcast stay consistent no matter who asked.
type Manager struct {
	baseDir string
	reg     *registry.Registry
	mirrors *registry.MirrorMap
	plug    *hotplug.Broadcaster
	bus     *events.Bus
	logger  *slog.Logger
}

// New constructs a Manager rooted at baseDir. bus may be nil when no
// telemetry is wanted.
func New(baseDir string, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		baseDir: baseDir,
		reg:     registry.New(),
		mirrors: registry.NewMirrorMap(),
		plug:    hotplug.New(logger),
		bus:     bus,
		logger:  logger.With("component", "manager"),
	}
}

// Registry exposes the device registry for the uinput relay.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Mirrors exposes the source->mirror map for the uinput relay.
func (m *Manager) Mirrors() *registry.MirrorMap { return m.mirrors }

// Hotplug exposes the broadcaster so the server can run its accept loop
// on the udev socket.
func (m *Manager) Hotplug() *hotplug.Broadcaster { return m.plug }

// CreateDevice allocates an id, constructs the virtual device (sockets +
// sysfs), registers it, and broadcasts the hotplug add. The add record is
// enqueued only after the device's artifacts are externally visible.
func (m *Manager) CreateDevice(cfg model.DeviceConfig) (model.DeviceID, error) {
	if len(cfg.Name) > maxDeviceNameLen {
		return 0, corerr.New(corerr.KindInvalidArgument, fmt.Sprintf("device name exceeds %d bytes", maxDeviceNameLen))
	}

	id := m.reg.AllocateID()
	d, err := device.New(m.baseDir, id, cfg, m.bus, m.logger)
	if err != nil {
		m.reg.ReleaseID(id)
		return 0, err
	}
	m.reg.Insert(d)
	metrics.DevicesLive.Inc()
	m.plug.BroadcastAdd(id, cfg)

	m.logger.Info("device created", "id", uint32(id), "name", cfg.Name, "event_node", id.EventNode())
	if m.bus != nil {
		m.bus.Publish(events.DeviceCreatedEvent{
			DeviceID:     uint32(id),
			Name:         cfg.Name,
			VendorID:     cfg.VendorID,
			ProductID:    cfg.ProductID,
			EventNode:    d.EventNode(),
			JoystickNode: d.JoystickNode(),
			Timestamp:    timestamp(),
		})
	}
	return id, nil
}

// DestroyDevice drains and removes a device, broadcasts the hotplug
// remove, and returns its id to the allocator. Any mirror mapping the
// device participated in, on either side, is erased.
func (m *Manager) DestroyDevice(id model.DeviceID) error {
	d, ok := m.reg.Remove(id)
	if !ok {
		return corerr.New(corerr.KindNotFound, fmt.Sprintf("unknown device id %d", uint32(id)))
	}
	cfg := d.Config()
	d.Close()
	m.plug.BroadcastRemove(id, cfg)
	m.mirrors.RemoveByMirror(id)
	m.mirrors.RemoveSource(id)
	m.reg.ReleaseID(id)
	metrics.DevicesLive.Dec()

	m.logger.Info("device destroyed", "id", uint32(id), "event_node", id.EventNode())
	if m.bus != nil {
		m.bus.Publish(events.DeviceDestroyedEvent{
			DeviceID:  uint32(id),
			EventNode: id.EventNode(),
			Timestamp: timestamp(),
		})
	}
	return nil
}

// SendInput fans a batch of logical events out through a device, and —
// when a uinput session has mirrored it — through the mirror device too.
func (m *Manager) SendInput(id model.DeviceID, batch []model.LogicalEvent) error {
	d, ok := m.reg.Get(id)
	if !ok {
		return corerr.New(corerr.KindNotFound, fmt.Sprintf("unknown device id %d", uint32(id)))
	}
	d.SendInput(batch)

	if mirrorID, mapped := m.mirrors.Get(id); mapped {
		if mirror, live := m.reg.Get(mirrorID); live {
			mirror.SendInput(batch)
		}
	}

	if m.bus != nil {
		m.bus.Publish(events.InputSentEvent{
			DeviceID:   uint32(id),
			EventCount: len(batch),
			Timestamp:  timestamp(),
		})
	}
	return nil
}

// List summarizes every live device, ordered by id.
func (m *Manager) List() []DeviceSummary {
	devices := m.reg.List()
	out := make([]DeviceSummary, 0, len(devices))
	for _, d := range devices {
		cfg := d.Config()
		out = append(out, DeviceSummary{
			ID:           uint32(d.ID()),
			Name:         cfg.Name,
			EventNode:    d.EventNode(),
			JoystickNode: d.JoystickNode(),
			VendorID:     cfg.VendorID,
			ProductID:    cfg.ProductID,
		})
	}
	return out
}

// PollFeedback drains one queued force-feedback event from a device,
// non-blocking. ok is false when nothing was queued since the last poll.
func (m *Manager) PollFeedback(id model.DeviceID) (model.FeedbackEvent, bool, error) {
	d, found := m.reg.Get(id)
	if !found {
		return model.FeedbackEvent{}, false, corerr.New(corerr.KindNotFound, fmt.Sprintf("unknown device id %d", uint32(id)))
	}
	ev, ok := d.PollFeedback()
	return ev, ok, nil
}

// Close destroys every remaining device and stops the hotplug broadcaster.
func (m *Manager) Close() {
	for _, d := range m.reg.List() {
		_ = m.DestroyDevice(d.ID())
	}
	m.plug.Close()
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
