package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// UdevMagic is the fixed 8-byte magic prefix of a binary udev-monitor
// header.
const UdevMagic = "libudev\x00"

// UdevFeedcafe is the format marker following the magic, written
// big-endian.
const UdevFeedcafe uint32 = 0xfeedcafe

// UdevHeaderSize is the fixed size of the binary udev-monitor header.
const UdevHeaderSize = 40

// UdevAction enumerates the hotplug action kinds.
type UdevAction string

// Hotplug actions.
const (
	UdevActionAdd    UdevAction = "add"
	UdevActionRemove UdevAction = "remove"
	UdevActionChange UdevAction = "change"
)

// UdevProperty is one KEY=VALUE pair in a udev-monitor record's properties
// block. Order is preserved on the wire.
type UdevProperty struct {
	Key   string
	Value string
}

// UdevRecord is a fully assembled hotplug notification: an action plus an
// ordered property list. ACTION, DEVPATH, and SUBSYSTEM are expected among
// Properties by convention (callers in internal/hotplug populate them).
type UdevRecord struct {
	Action     UdevAction
	Subsystem  string
	Devtype    string
	SeqNum     uint64
	Properties []UdevProperty
}

// murmurHash2 is MurmurHash2 (32-bit, seed 0) over data, matching the
// hashing libudev uses for its binary header's subsystem/devtype hash
// fields.
func murmurHash2(data []byte, seed uint32) uint32 {
	const m = 0x5bd1e995
	const r = 24

	length := uint32(len(data))
	h := seed ^ length

	for len(data) >= 4 {
		k := binary.LittleEndian.Uint32(data)
		k *= m
		k ^= k >> r
		k *= m

		h *= m
		h ^= k

		data = data[4:]
	}

	switch len(data) {
	case 3:
		h ^= uint32(data[2]) << 16
		fallthrough
	case 2:
		h ^= uint32(data[1]) << 8
		fallthrough
	case 1:
		h ^= uint32(data[0])
		h *= m
	}

	h ^= h >> 13
	h *= m
	h ^= h >> 15

	return h
}

// EncodeUdevBinary encodes r as the 40-byte header plus NUL-separated,
// double-NUL-terminated properties block required on the netlink-compatible
// transport.
func EncodeUdevBinary(r UdevRecord) []byte {
	var props bytes.Buffer
	for _, p := range r.Properties {
		props.WriteString(p.Key)
		props.WriteByte('=')
		props.WriteString(p.Value)
		props.WriteByte(0)
	}
	props.WriteByte(0)

	propsBytes := props.Bytes()
	subsystemHash := murmurHash2([]byte(r.Subsystem), 0)
	devtypeHash := murmurHash2([]byte(r.Devtype), 0)

	buf := make([]byte, UdevHeaderSize+len(propsBytes))
	copy(buf[0:8], []byte(UdevMagic))
	binary.BigEndian.PutUint32(buf[8:12], UdevFeedcafe)
	binary.BigEndian.PutUint32(buf[12:16], UdevHeaderSize)
	binary.BigEndian.PutUint32(buf[16:20], UdevHeaderSize)
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(propsBytes)))
	binary.BigEndian.PutUint32(buf[24:28], subsystemHash)
	binary.BigEndian.PutUint32(buf[28:32], devtypeHash)
	binary.BigEndian.PutUint64(buf[32:40], 0) // tag_bloom

	copy(buf[UdevHeaderSize:], propsBytes)
	return buf
}

// EncodeUdevText encodes r in the looser textual KEY=VALUE\n variant
// permitted on the local Unix-socket transport, terminated by a blank
// line.
func EncodeUdevText(r UdevRecord) []byte {
	var buf bytes.Buffer
	for _, p := range r.Properties {
		fmt.Fprintf(&buf, "%s=%s\n", p.Key, p.Value)
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
