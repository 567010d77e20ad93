// Package codec implements the wire encoders/decoders for the evdev and
// joystick byte protocols, the udev-monitor hotplug record, and the sysfs
// capability bitmask text format. None of these use unsafe/memory
// transmute: every packed layout is written field-by-field.
package codec

import (
	"encoding/binary"
	"time"

	"github.com/smazurov/vimputti/internal/model"
)

// Linux input event classes used on the wire.
const (
	EvSyn uint16 = 0x00
	EvKey uint16 = 0x01
	EvRel uint16 = 0x02
	EvAbs uint16 = 0x03
	EvFF  uint16 = 0x15
)

// SynReport is the only SYN code this emulation produces.
const SynReport uint16 = 0x00

// EvdevRecordSize is the fixed size of one evdev wire record.
const EvdevRecordSize = 24

// EvdevRecord is the 24-byte little-endian struct consumers read from an
// event-stream socket: { seconds i64, microseconds i64, type u16, code u16,
// value i32 }.
type EvdevRecord struct {
	Seconds      int64
	Microseconds int64
	Type         uint16
	Code         uint16
	Value        int32
}

// Encode writes r into a fresh 24-byte little-endian buffer.
func (r EvdevRecord) Encode() []byte {
	buf := make([]byte, EvdevRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.Seconds))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Microseconds))
	binary.LittleEndian.PutUint16(buf[16:18], r.Type)
	binary.LittleEndian.PutUint16(buf[18:20], r.Code)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(r.Value))
	return buf
}

// DecodeEvdevRecord decodes a 24-byte little-endian buffer into a record.
func DecodeEvdevRecord(buf []byte) (EvdevRecord, bool) {
	if len(buf) < EvdevRecordSize {
		return EvdevRecord{}, false
	}
	return EvdevRecord{
		Seconds:      int64(binary.LittleEndian.Uint64(buf[0:8])),
		Microseconds: int64(binary.LittleEndian.Uint64(buf[8:16])),
		Type:         binary.LittleEndian.Uint16(buf[16:18]),
		Code:         binary.LittleEndian.Uint16(buf[18:20]),
		Value:        int32(binary.LittleEndian.Uint32(buf[20:24])),
	}, true
}

// timestamp returns a monotonically reasonable (seconds, microseconds)
// pair for the current instant, suitable for a freshly encoded record.
func timestamp(now time.Time) (int64, int64) {
	return now.Unix(), int64(now.Nanosecond() / 1000)
}

// EncodeEvdevBatch translates a batch of logical events into evdev records
// using the Button/Axis code tables, appending SYN_REPORT if the batch is
// non-empty and does not already end with one. An empty batch produces no
// bytes at all (empty SendInput never synthesizes a sync).
func EncodeEvdevBatch(events []model.LogicalEvent, now time.Time) []byte {
	if len(events) == 0 {
		return nil
	}

	sec, usec := timestamp(now)
	out := make([]byte, 0, len(events)*EvdevRecordSize+EvdevRecordSize)
	lastWasSync := false

	for _, e := range events {
		switch e.Kind {
		case model.EventButton:
			value := int32(0)
			if e.Pressed {
				value = 1
			}
			out = append(out, EvdevRecord{sec, usec, EvKey, e.ButtonCode, value}.Encode()...)
			lastWasSync = false
		case model.EventAxis:
			out = append(out, EvdevRecord{sec, usec, EvAbs, e.AxisCode, e.AxisValue}.Encode()...)
			lastWasSync = false
		case model.EventSync:
			out = append(out, EvdevRecord{sec, usec, EvSyn, SynReport, 0}.Encode()...)
			lastWasSync = true
		case model.EventRaw:
			out = append(out, EvdevRecord{sec, usec, e.RawType, e.RawCode, e.RawValue}.Encode()...)
			lastWasSync = e.RawType == EvSyn && e.RawCode == SynReport
		}
	}

	if !lastWasSync {
		out = append(out, EvdevRecord{sec, usec, EvSyn, SynReport, 0}.Encode()...)
	}

	return out
}

// DecodeEvdevBatch splits a buffer of concatenated 24-byte records back
// into LogicalEvents (KEY->Button, ABS->Axis, SYN->Sync; unknown event
// types are dropped). The uinput relay applies the same mapping to its
// JSON WriteEvents records directly and does not call this function.
func DecodeEvdevBatch(buf []byte) []model.LogicalEvent {
	var out []model.LogicalEvent
	for len(buf) >= EvdevRecordSize {
		rec, ok := DecodeEvdevRecord(buf[:EvdevRecordSize])
		buf = buf[EvdevRecordSize:]
		if !ok {
			break
		}
		switch rec.Type {
		case EvKey:
			out = append(out, model.LogicalEvent{Kind: model.EventButton, ButtonCode: rec.Code, Pressed: rec.Value != 0})
		case EvAbs:
			out = append(out, model.LogicalEvent{Kind: model.EventAxis, AxisCode: rec.Code, AxisValue: rec.Value})
		case EvSyn:
			out = append(out, model.LogicalEvent{Kind: model.EventSync})
		}
	}
	return out
}
