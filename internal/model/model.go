// Package model defines the data shapes shared across the device façade:
// device identity and configuration, the Button/Axis code tables, and the
// logical input events the manager fans out to consumers.
package model

import "fmt"

// DeviceID is a dense identifier for one virtual device. Event node names
// are derived from it ("event{id}", "js{id}").
type DeviceID uint32

// EventNode returns the evdev node name for this device id.
func (id DeviceID) EventNode() string { return fmt.Sprintf("event%d", uint32(id)) }

// JoystickNode returns the joystick node name for this device id.
func (id DeviceID) JoystickNode() string { return fmt.Sprintf("js%d", uint32(id)) }

// InputNode returns the sysfs "inputN" directory name for this device id.
func (id DeviceID) InputNode() string { return fmt.Sprintf("input%d", uint32(id)) }

// BusType identifies the bus a device claims to be attached through.
type BusType uint16

// Bus kinds, matching the Linux input_id.bustype constants this emulation
// advertises.
const (
	BusUSB       BusType = 0x03
	BusBluetooth BusType = 0x05
	BusVirtual   BusType = 0x06
)

// String renders the bus kind for udev property construction.
func (b BusType) String() string {
	switch b {
	case BusUSB:
		return "usb"
	case BusBluetooth:
		return "bluetooth"
	case BusVirtual:
		return "virtual"
	default:
		return "virtual"
	}
}

// Button is a tagged gamepad button, mapped bidirectionally to a 16-bit
// Linux KEY_* code via ButtonCode/ButtonFromCode.
type Button struct {
	// Name identifies a standard button. Empty when Code carries a raw
	// custom value not named by the standard table.
	Name string `json:"name,omitempty"`
	Code uint16 `json:"code"`
}

// Axis is a tagged gamepad axis, mapped bidirectionally to a 16-bit Linux
// ABS_* code via AxisCode/AxisFromCode.
type Axis struct {
	Name string `json:"name,omitempty"`
	Code uint16 `json:"code"`
}

// Standard button names, matching the external wire mapping exactly.
const (
	ButtonA           = "A"
	ButtonB           = "B"
	ButtonX           = "X"
	ButtonY           = "Y"
	ButtonLeftBumper  = "LeftBumper"
	ButtonRightBumper = "RightBumper"
	ButtonLeftTrigger = "LeftTrigger"
	ButtonRightTrigger = "RightTrigger"
	ButtonSelect      = "Select"
	ButtonStart       = "Start"
	ButtonGuide       = "Guide"
	ButtonLeftStick   = "LeftStick"
	ButtonRightStick  = "RightStick"
	ButtonDPadUp      = "DPadUp"
	ButtonDPadDown    = "DPadDown"
	ButtonDPadLeft    = "DPadLeft"
	ButtonDPadRight   = "DPadRight"
)

// Standard axis names, matching the external wire mapping exactly.
const (
	AxisLeftStickX  = "LeftStickX"
	AxisLeftStickY  = "LeftStickY"
	AxisLeftTrigger = "LeftTrigger"
	AxisRightStickX = "RightStickX"
	AxisRightStickY = "RightStickY"
	AxisRightTrigger = "RightTrigger"
	AxisDPadX       = "DPadX"
	AxisDPadY       = "DPadY"
)

var buttonCodes = map[string]uint16{
	ButtonA:            0x130,
	ButtonB:            0x131,
	ButtonX:            0x133,
	ButtonY:            0x134,
	ButtonLeftBumper:   0x136,
	ButtonRightBumper:  0x137,
	ButtonLeftTrigger:  0x138,
	ButtonRightTrigger: 0x139,
	ButtonSelect:       0x13a,
	ButtonStart:        0x13b,
	ButtonGuide:        0x13c,
	ButtonLeftStick:    0x13d,
	ButtonRightStick:   0x13e,
	ButtonDPadUp:       0x220,
	ButtonDPadDown:     0x221,
	ButtonDPadLeft:     0x222,
	ButtonDPadRight:    0x223,
}

var axisCodes = map[string]uint16{
	AxisLeftStickX:   0x00,
	AxisLeftStickY:   0x01,
	AxisLeftTrigger:  0x02,
	AxisRightStickX:  0x03,
	AxisRightStickY:  0x04,
	AxisRightTrigger: 0x05,
	AxisDPadX:        0x10,
	AxisDPadY:        0x11,
}

var buttonNamesByCode map[uint16]string
var axisNamesByCode map[uint16]string

func init() {
	buttonNamesByCode = make(map[uint16]string, len(buttonCodes))
	for name, code := range buttonCodes {
		buttonNamesByCode[code] = name
	}
	axisNamesByCode = make(map[uint16]string, len(axisCodes))
	for name, code := range axisCodes {
		axisNamesByCode[code] = name
	}
}

// NewButton constructs a Button from a standard name, or a Custom(code)
// button when name is empty.
func NewButton(name string, custom uint16) Button {
	if name == "" {
		return Button{Code: custom}
	}
	return Button{Name: name, Code: buttonCodes[name]}
}

// NewAxis constructs an Axis from a standard name, or a Custom(code) axis
// when name is empty.
func NewAxis(name string, custom uint16) Axis {
	if name == "" {
		return Axis{Code: custom}
	}
	return Axis{Name: name, Code: axisCodes[name]}
}

// ButtonFromCode looks up the standard button name for a wire code, if any.
func ButtonFromCode(code uint16) (string, bool) {
	name, ok := buttonNamesByCode[code]
	return name, ok
}

// AxisFromCode looks up the standard axis name for a wire code, if any.
func AxisFromCode(code uint16) (string, bool) {
	name, ok := axisNamesByCode[code]
	return name, ok
}

// AxisConfig declares one axis's range and jitter tolerance, as carried in
// DeviceConfig.Axes. Insertion order in DeviceConfig.Axes is the zero-based
// index used by the joystick wire protocol's "number" field.
type AxisConfig struct {
	Axis    Axis  `json:"axis"`
	Minimum int32 `json:"min"`
	Maximum int32 `json:"max"`
	Fuzz    int32 `json:"fuzz"`
	Flat    int32 `json:"flat"`
}

// DeviceConfig is the declared identity and capability set of one virtual
// controller. Immutable once a VirtualDevice has been constructed from it.
type DeviceConfig struct {
	Name      string       `json:"name"` // display name, <=79 bytes
	VendorID  uint16       `json:"vendor_id"`
	ProductID uint16       `json:"product_id"`
	Version   uint16       `json:"version"`
	Bus       BusType      `json:"bus"`
	Buttons   []Button     `json:"buttons,omitempty"`
	Axes      []AxisConfig `json:"axes,omitempty"`
}

// ButtonIndex returns the zero-based index of a button's wire code within
// Buttons, used for the joystick protocol's "number" field.
func (c DeviceConfig) ButtonIndex(code uint16) (int, bool) {
	for i, b := range c.Buttons {
		if b.Code == code {
			return i, true
		}
	}
	return 0, false
}

// AxisIndex returns the zero-based index of an axis's wire code within
// Axes, used for the joystick protocol's "number" field.
func (c DeviceConfig) AxisIndex(code uint16) (int, bool) {
	for i, a := range c.Axes {
		if a.Axis.Code == code {
			return i, true
		}
	}
	return 0, false
}

// LogicalEventKind tags the variant of a LogicalEvent.
type LogicalEventKind int

// Kinds of logical input events the manager accepts from a library client
// and the uinput relay accepts from a mirrored source device.
const (
	EventButton LogicalEventKind = iota
	EventAxis
	EventSync
	EventRaw
)

// LogicalEvent is one entry in a SendInput batch or a WriteEvents batch
// translated back from raw evdev records. Exactly the fields relevant to
// Kind are meaningful.
type LogicalEvent struct {
	Kind LogicalEventKind

	// EventButton
	ButtonCode uint16
	Pressed    bool

	// EventAxis
	AxisCode  uint16
	AxisValue int32

	// EventRaw
	RawType  uint16
	RawCode  uint16
	RawValue int32
}
