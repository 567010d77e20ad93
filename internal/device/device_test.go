package device

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smazurov/vimputti/internal/codec"
	"github.com/smazurov/vimputti/internal/events"
	"github.com/smazurov/vimputti/internal/model"
)

func gamepadConfig() model.DeviceConfig {
	return model.DeviceConfig{
		Name:      "X360",
		VendorID:  0x045e,
		ProductID: 0x028e,
		Version:   0x0110,
		Bus:       model.BusUSB,
		Buttons: []model.Button{
			model.NewButton(model.ButtonA, 0),
			model.NewButton(model.ButtonB, 0),
			model.NewButton(model.ButtonStart, 0),
		},
		Axes: []model.AxisConfig{
			{Axis: model.NewAxis(model.AxisLeftStickX, 0), Minimum: -32768, Maximum: 32767},
			{Axis: model.NewAxis(model.AxisRightStickY, 0), Minimum: -32768, Maximum: 32767},
		},
	}
}

func newDevice(t *testing.T, cfg model.DeviceConfig) (*VirtualDevice, string) {
	t.Helper()
	base := t.TempDir()
	d, err := New(base, 0, cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	return d, base
}

// dialAndHandshake connects to a device socket and consumes the
// length-prefixed JSON handshake, returning the parked connection.
func dialAndHandshake(t *testing.T, path string) (net.Conn, DeviceHandshake) {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })

	var prefix [4]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		t.Fatalf("read handshake prefix: %v", err)
	}
	body := make([]byte, binary.LittleEndian.Uint32(prefix[:]))
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read handshake body: %v", err)
	}
	var hs DeviceHandshake
	if err := json.Unmarshal(body, &hs); err != nil {
		t.Fatalf("unmarshal handshake: %v", err)
	}

	// The device registers the consumer just after the handshake write;
	// give its accept goroutine a beat before fanning out.
	time.Sleep(50 * time.Millisecond)
	return conn, hs
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func TestHandshake(t *testing.T) {
	d, base := newDevice(t, gamepadConfig())

	conn, hs := dialAndHandshake(t, filepath.Join(base, "devices", "event0"))
	defer conn.Close()

	if hs.DeviceID != 0 {
		t.Fatalf("handshake device_id = %d, want 0", hs.DeviceID)
	}
	if hs.Config.Name != "X360" || len(hs.Config.Buttons) != 3 {
		t.Fatalf("handshake config mangled: %+v", hs.Config)
	}
	if d.JoystickNode() != "js0" {
		t.Fatalf("JoystickNode = %q, want js0", d.JoystickNode())
	}
}

func TestSendInput_ButtonPressWithSync(t *testing.T) {
	d, base := newDevice(t, gamepadConfig())
	conn, _ := dialAndHandshake(t, filepath.Join(base, "devices", "event0"))

	d.SendInput([]model.LogicalEvent{{Kind: model.EventButton, ButtonCode: 0x130, Pressed: true}})

	buf := readExactly(t, conn, 2*codec.EvdevRecordSize)
	first, _ := codec.DecodeEvdevRecord(buf[:codec.EvdevRecordSize])
	if first.Type != codec.EvKey || first.Code != 0x130 || first.Value != 1 {
		t.Fatalf("unexpected first record: %+v", first)
	}
	second, _ := codec.DecodeEvdevRecord(buf[codec.EvdevRecordSize:])
	if second.Type != codec.EvSyn || second.Code != codec.SynReport || second.Value != 0 {
		t.Fatalf("unexpected trailing record: %+v", second)
	}
}

func TestSendInput_EmptyBatchProducesNoBytes(t *testing.T) {
	d, base := newDevice(t, gamepadConfig())
	conn, _ := dialAndHandshake(t, filepath.Join(base, "devices", "event0"))

	d.SendInput(nil)

	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var buf [1]byte
	if _, err := conn.Read(buf[:]); err == nil {
		t.Fatal("empty batch produced bytes on the wire")
	}
}

func TestSendInput_TwoConsumersIdenticalBytes(t *testing.T) {
	d, base := newDevice(t, gamepadConfig())
	path := filepath.Join(base, "devices", "event0")
	c1, _ := dialAndHandshake(t, path)
	c2, _ := dialAndHandshake(t, path)

	d.SendInput([]model.LogicalEvent{{Kind: model.EventAxis, AxisCode: 0x04, AxisValue: -20000}})

	b1 := readExactly(t, c1, 2*codec.EvdevRecordSize)
	b2 := readExactly(t, c2, 2*codec.EvdevRecordSize)
	if !bytes.Equal(b1, b2) {
		t.Fatal("fan-out byte sequences differ between consumers")
	}
}

func TestSendInput_JoystickStreamClamped(t *testing.T) {
	d, base := newDevice(t, gamepadConfig())
	conn, _ := dialAndHandshake(t, filepath.Join(base, "devices", "js0"))

	d.SendInput([]model.LogicalEvent{{Kind: model.EventAxis, AxisCode: 0x00, AxisValue: 50000}})

	buf := readExactly(t, conn, codec.JoystickRecordSize)
	rec, _ := codec.DecodeJoystickRecord(buf)
	if rec.Kind != codec.JsEventAxis || rec.Number != 0 {
		t.Fatalf("unexpected joystick record: %+v", rec)
	}
	if rec.Value != 32767 {
		t.Fatalf("axis value %d not clamped to 32767", rec.Value)
	}
}

func TestSlowConsumerDropped_HealthyContinues(t *testing.T) {
	d, base := newDevice(t, gamepadConfig())
	path := filepath.Join(base, "devices", "event0")
	slow, _ := dialAndHandshake(t, path)

	// The slow consumer never reads: its socket buffer eventually fills
	// and the non-blocking write drops it.
	batch := []model.LogicalEvent{{Kind: model.EventAxis, AxisCode: 0x00, AxisValue: 1}}
	deadline := time.Now().Add(5 * time.Second)
	for {
		d.SendInput(batch)
		d.consumerMu.Lock()
		n := len(d.eventConns)
		d.consumerMu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slow consumer never dropped (still %d consumers)", n)
		}
	}

	// A fresh, healthy consumer keeps receiving later batches; the drop
	// never tears the device down.
	healthy, _ := dialAndHandshake(t, path)
	d.SendInput([]model.LogicalEvent{{Kind: model.EventButton, ButtonCode: 0x131, Pressed: true}})
	buf := readExactly(t, healthy, 2*codec.EvdevRecordSize)
	rec, _ := codec.DecodeEvdevRecord(buf[:codec.EvdevRecordSize])
	if rec.Code != 0x131 {
		t.Fatalf("healthy consumer got wrong record after drop: %+v", rec)
	}
	_ = slow.Close()
}

func TestFeedback_ForwardedAndPolled(t *testing.T) {
	base := t.TempDir()
	bus := events.New()
	published := make(chan events.FeedbackReceivedEvent, 1)
	unsub := bus.Subscribe(func(e events.FeedbackReceivedEvent) { published <- e })
	defer unsub()

	d, err := New(base, 0, gamepadConfig(), bus, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)

	eventConn, _ := dialAndHandshake(t, filepath.Join(base, "devices", "event0"))

	fbConn, err := net.Dial("unix", filepath.Join(base, "devices", "event0.feedback"))
	if err != nil {
		t.Fatalf("dial feedback: %v", err)
	}
	defer fbConn.Close()
	time.Sleep(50 * time.Millisecond)

	rumbleValue := uint32(0x8000)<<16 | 0x4000
	rumble := codec.EvdevRecord{
		Type:  codec.EvFF,
		Code:  model.FFRumble,
		Value: int32(rumbleValue),
	}
	if _, err := eventConn.Write(rumble.Encode()); err != nil {
		t.Fatalf("write rumble: %v", err)
	}

	// Verbatim forward to the feedback subscriber.
	buf := readExactly(t, fbConn, codec.EvdevRecordSize)
	fwd, _ := codec.DecodeEvdevRecord(buf)
	if fwd.Type != codec.EvFF || fwd.Code != model.FFRumble || fwd.Value != rumble.Value {
		t.Fatalf("forwarded record mangled: %+v", fwd)
	}

	// Typed decode on the poll path.
	deadline := time.Now().Add(time.Second)
	for {
		if ev, ok := d.PollFeedback(); ok {
			if ev.Kind != model.FeedbackRumble || ev.Strong != 0x8000 || ev.Weak != 0x4000 {
				t.Fatalf("unexpected polled feedback: %+v", ev)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("feedback never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The bus sees the same feedback event.
	select {
	case e := <-published:
		if e.DeviceID != 0 || e.Code != model.FFRumble || e.Value != rumble.Value {
			t.Fatalf("unexpected published feedback: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("feedback event never published to the bus")
	}

	// Non-FF records are not forwarded.
	key := codec.EvdevRecord{Type: codec.EvKey, Code: 0x130, Value: 1}
	if _, err := eventConn.Write(key.Encode()); err != nil {
		t.Fatalf("write key: %v", err)
	}
	_ = fbConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var one [1]byte
	if _, err := fbConn.Read(one[:]); err == nil {
		t.Fatal("non-FF record leaked to feedback subscriber")
	}
}

func TestClose_RemovesArtifacts(t *testing.T) {
	cfg := gamepadConfig()
	base := t.TempDir()
	d, err := New(base, 0, cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	paths := []string{
		filepath.Join(base, "devices", "event0"),
		filepath.Join(base, "devices", "js0"),
		filepath.Join(base, "devices", "event0.feedback"),
		filepath.Join(base, "sysfs", "devices", "virtual", "input", "input0"),
		filepath.Join(base, "udev_data", "c13:64"),
	}
	for _, p := range paths {
		if _, err := os.Lstat(p); err != nil {
			t.Fatalf("%s missing while device is live: %v", p, err)
		}
	}

	d.Close()
	for _, p := range paths {
		if _, err := os.Lstat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists after Close", p)
		}
	}
}

func TestNoJoystickSocketWithoutCapabilities(t *testing.T) {
	cfg := model.DeviceConfig{Name: "bare", Bus: model.BusVirtual}
	_, base := newDevice(t, cfg)

	if _, err := os.Lstat(filepath.Join(base, "devices", "js0")); !os.IsNotExist(err) {
		t.Fatal("joystick socket created for a device with no buttons or axes")
	}
}
