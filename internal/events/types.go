package events

// Event type constants for kelindar/event.
const (
	TypeDeviceCreated uint32 = iota + 1
	TypeDeviceDestroyed
	TypeInputSent
	TypeFeedbackReceived
	TypeMirrorLinked
	TypeMirrorUnlinked
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// DeviceCreatedEvent is published after a virtual device finishes
// construction (sockets bound, sysfs subtree written) and has been
// inserted into the registry, but before the hotplug add record is
// guaranteed to have reached every subscriber.
type DeviceCreatedEvent struct {
	DeviceID     uint32 `json:"device_id"`
	Name         string `json:"name"`
	VendorID     uint16 `json:"vendor_id"`
	ProductID    uint16 `json:"product_id"`
	EventNode    string `json:"event_node"`
	JoystickNode string `json:"joystick_node,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// Type returns the event type identifier for DeviceCreatedEvent.
func (e DeviceCreatedEvent) Type() uint32 { return TypeDeviceCreated }

// DeviceDestroyedEvent is published once every externally visible
// artifact for a device has been removed.
type DeviceDestroyedEvent struct {
	DeviceID  uint32 `json:"device_id"`
	EventNode string `json:"event_node"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for DeviceDestroyedEvent.
func (e DeviceDestroyedEvent) Type() uint32 { return TypeDeviceDestroyed }

// InputSentEvent is published for every successful SendInput dispatch,
// after fan-out to consumers has been attempted.
type InputSentEvent struct {
	DeviceID   uint32 `json:"device_id"`
	EventCount int    `json:"event_count"`
	Timestamp  string `json:"timestamp"`
}

// Type returns the event type identifier for InputSentEvent.
func (e InputSentEvent) Type() uint32 { return TypeInputSent }

// FeedbackReceivedEvent is published when the device's read-half
// decodes a force-feedback record from a consumer.
type FeedbackReceivedEvent struct {
	DeviceID  uint32 `json:"device_id"`
	Code      uint16 `json:"code"`
	Value     int32  `json:"value"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for FeedbackReceivedEvent.
func (e FeedbackReceivedEvent) Type() uint32 { return TypeFeedbackReceived }

// MirrorLinkedEvent is published when the uinput relay finalizes a
// DevCreate and installs a source->mirror mapping.
type MirrorLinkedEvent struct {
	SourceDeviceID uint32 `json:"source_device_id"`
	MirrorDeviceID uint32 `json:"mirror_device_id"`
	Timestamp      string `json:"timestamp"`
}

// Type returns the event type identifier for MirrorLinkedEvent.
func (e MirrorLinkedEvent) Type() uint32 { return TypeMirrorLinked }

// MirrorUnlinkedEvent is published when a uinput session ends and its
// mirror mapping is erased.
type MirrorUnlinkedEvent struct {
	MirrorDeviceID uint32 `json:"mirror_device_id"`
	Timestamp      string `json:"timestamp"`
}

// Type returns the event type identifier for MirrorUnlinkedEvent.
func (e MirrorUnlinkedEvent) Type() uint32 { return TypeMirrorUnlinked }
