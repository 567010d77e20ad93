package nats

import (
	"encoding/json"
	"fmt"
)

// Subject prefixes for NATS topics.
const (
	SubjectDevicesPrefix = "vimputti.devices"
)

// SubjectDeviceLifecycle returns the full NATS subject for a device's
// lifecycle notifications (created/destroyed).
func SubjectDeviceLifecycle(deviceID uint32) string {
	return fmt.Sprintf("%s.%d.lifecycle", SubjectDevicesPrefix, deviceID)
}

// SubjectDeviceFeedback returns the full NATS subject for a device's
// force-feedback telemetry.
func SubjectDeviceFeedback(deviceID uint32) string {
	return fmt.Sprintf("%s.%d.feedback", SubjectDevicesPrefix, deviceID)
}

// LifecycleMessage represents a device creation or destruction, exported
// for external observers (dashboards, log shippers) that do not speak the
// control-plane protocol.
type LifecycleMessage struct {
	DeviceID  uint32 `json:"device_id"`
	Action    string `json:"action"` // created, destroyed
	Name      string `json:"name,omitempty"`
	EventNode string `json:"event_node"`
	Timestamp string `json:"timestamp"`
}

// Marshal serializes the message to JSON.
func (m LifecycleMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// FeedbackMessage represents a force-feedback event forwarded to the
// feedback telemetry subject.
type FeedbackMessage struct {
	DeviceID  uint32 `json:"device_id"`
	Code      uint16 `json:"code"`
	Value     int32  `json:"value"`
	Timestamp string `json:"timestamp"`
}

// Marshal serializes the message to JSON.
func (m FeedbackMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalLifecycle deserializes a LifecycleMessage from JSON.
func UnmarshalLifecycle(data []byte) (LifecycleMessage, error) {
	var m LifecycleMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalFeedback deserializes a FeedbackMessage from JSON.
func UnmarshalFeedback(data []byte) (FeedbackMessage, error) {
	var m FeedbackMessage
	err := json.Unmarshal(data, &m)
	return m, err
}
