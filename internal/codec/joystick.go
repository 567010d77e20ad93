package codec

import (
	"encoding/binary"
	"time"

	"github.com/smazurov/vimputti/internal/model"
)

// Joystick record kinds.
const (
	JsEventButton uint8 = 0x01
	JsEventAxis   uint8 = 0x02
)

// JoystickRecordSize is the fixed size of one joystick wire record.
const JoystickRecordSize = 8

// JoystickRecord is the 8-byte native-byte-order struct consumers read
// from a joystick-stream socket: { time_ms u32, value i16, kind u8,
// number u8 }.
type JoystickRecord struct {
	TimeMS uint32
	Value  int16
	Kind   uint8
	Number uint8
}

// Encode writes r into a fresh 8-byte buffer using the host's native byte
// order, matching the kernel joystick ABI.
func (r JoystickRecord) Encode() []byte {
	buf := make([]byte, JoystickRecordSize)
	nativeEndian.PutUint32(buf[0:4], r.TimeMS)
	nativeEndian.PutUint16(buf[4:6], uint16(r.Value))
	buf[6] = r.Kind
	buf[7] = r.Number
	return buf
}

// DecodeJoystickRecord decodes an 8-byte native-byte-order buffer.
func DecodeJoystickRecord(buf []byte) (JoystickRecord, bool) {
	if len(buf) < JoystickRecordSize {
		return JoystickRecord{}, false
	}
	return JoystickRecord{
		TimeMS: nativeEndian.Uint32(buf[0:4]),
		Value:  int16(nativeEndian.Uint16(buf[4:6])),
		Kind:   buf[6],
		Number: buf[7],
	}, true
}

// ClampAxisValue clamps v into the signed-16-bit range the joystick wire
// protocol requires.
func ClampAxisValue(v int32) int16 {
	switch {
	case v < -32768:
		return -32768
	case v > 32767:
		return 32767
	default:
		return int16(v)
	}
}

// EncodeJoystickBatch translates a batch of logical events into joystick
// records against the given config's button/axis index tables. Raw and
// Sync events are dropped; axis values are clamped. The config supplies
// the zero-based index used by the wire protocol's "number" field.
func EncodeJoystickBatch(events []model.LogicalEvent, cfg model.DeviceConfig, now time.Time) []byte {
	if len(events) == 0 {
		return nil
	}

	timeMS := uint32(now.UnixMilli())
	out := make([]byte, 0, len(events)*JoystickRecordSize)

	for _, e := range events {
		switch e.Kind {
		case model.EventButton:
			idx, ok := cfg.ButtonIndex(e.ButtonCode)
			if !ok {
				continue
			}
			value := int16(0)
			if e.Pressed {
				value = 1
			}
			out = append(out, JoystickRecord{timeMS, value, JsEventButton, uint8(idx)}.Encode()...)
		case model.EventAxis:
			idx, ok := cfg.AxisIndex(e.AxisCode)
			if !ok {
				continue
			}
			out = append(out, JoystickRecord{timeMS, ClampAxisValue(e.AxisValue), JsEventAxis, uint8(idx)}.Encode()...)
		default:
			// Sync and Raw events carry no joystick-stream representation.
		}
	}

	return out
}

// nativeEndian is the host's byte order, matching the joystick ABI's
// "native byte order" requirement (almost always little-endian on the
// platforms this emulation targets, but never assumed).
var nativeEndian = binary.NativeEndian
