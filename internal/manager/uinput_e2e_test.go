package manager

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/smazurov/vimputti/internal/codec"
)

// uinputClient speaks the framed uinput session protocol against the
// server's uinput socket.
type uinputClient struct {
	t    *testing.T
	conn net.Conn
}

type uinputEnvelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

func dialUinput(t *testing.T, base string) *uinputClient {
	t.Helper()
	conn, err := net.Dial("unix", filepath.Join(base, "uinput"))
	if err != nil {
		t.Fatalf("dial uinput: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &uinputClient{t: t, conn: conn}
}

func (u *uinputClient) send(msgType string, body any) {
	u.t.Helper()
	env := uinputEnvelope{Type: msgType}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			u.t.Fatalf("marshal body: %v", err)
		}
		env.Body = raw
	}
	payload, err := json.Marshal(env)
	if err != nil {
		u.t.Fatalf("marshal envelope: %v", err)
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := u.conn.Write(append(prefix[:], payload...)); err != nil {
		u.t.Fatalf("write frame: %v", err)
	}
}

func (u *uinputClient) recv() uinputEnvelope {
	u.t.Helper()
	_ = u.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var prefix [4]byte
	if _, err := io.ReadFull(u.conn, prefix[:]); err != nil {
		u.t.Fatalf("read frame prefix: %v", err)
	}
	body := make([]byte, binary.LittleEndian.Uint32(prefix[:]))
	if _, err := io.ReadFull(u.conn, body); err != nil {
		u.t.Fatalf("read frame body: %v", err)
	}
	var env uinputEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		u.t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func (u *uinputClient) sendAcked(msgType string, body any) {
	u.t.Helper()
	u.send(msgType, body)
	if env := u.recv(); env.Type != "Ack" {
		u.t.Fatalf("expected Ack for %s, got %s %s", msgType, env.Type, env.Body)
	}
}

func TestScenario_UinputMirror(t *testing.T) {
	base, control := startServer(t)

	// Session alpha creates the source device.
	alpha := dialControl(t, control)
	if id := alpha.createDevice(x360Config()); id != 0 {
		t.Fatalf("source id = %d, want 0", id)
	}

	// A consumer configures its own device through the uinput endpoint.
	u := dialUinput(t, base)
	u.sendAcked("SetEvBit", map[string]uint16{"bit": codec.EvKey})
	u.sendAcked("SetKeyBit", map[string]uint16{"bit": 0x130})
	u.sendAcked("DevSetup", map[string]any{"name": "remap", "vendor_id": 0x1234, "product_id": 0x5678, "bus": 0x03})

	u.send("DevCreate", nil)
	created := u.recv()
	if created.Type != "DevCreated" {
		t.Fatalf("expected DevCreated, got %s %s", created.Type, created.Body)
	}
	var body struct {
		DeviceID uint32 `json:"device_id"`
	}
	if err := json.Unmarshal(created.Body, &body); err != nil {
		t.Fatalf("unmarshal DevCreated: %v", err)
	}
	if body.DeviceID != 1 {
		t.Fatalf("mirror id = %d, want 1", body.DeviceID)
	}

	// A consumer connected to the mirror sees events sent into the source.
	mirrorConn, mirrorID := parkHandshake(t, filepath.Join(base, "devices", "event1"))
	if mirrorID != 1 {
		t.Fatalf("mirror handshake id = %d, want 1", mirrorID)
	}

	zero := uint32(0)
	_, res := alpha.roundTrip(commandEnvelope{
		Type:     cmdSendInput,
		DeviceID: &zero,
		Events:   []wireEvent{{Type: wireEventButton, Code: 0x130, Pressed: true}},
	})
	if res.Type != resInputSent {
		t.Fatalf("SendInput failed: %+v", res)
	}

	_ = mirrorConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2*codec.EvdevRecordSize)
	if _, err := io.ReadFull(mirrorConn, buf); err != nil {
		t.Fatalf("read mirrored events: %v", err)
	}
	press, _ := codec.DecodeEvdevRecord(buf[:codec.EvdevRecordSize])
	if press.Type != codec.EvKey || press.Code != 0x130 || press.Value != 1 {
		t.Fatalf("unexpected mirrored record: %+v", press)
	}
	sync, _ := codec.DecodeEvdevRecord(buf[codec.EvdevRecordSize:])
	if sync.Type != codec.EvSyn {
		t.Fatalf("expected trailing sync, got %+v", sync)
	}

	// Dropping the uinput session removes the mirror within one
	// control-plane round-trip or so.
	_ = u.conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, res := alpha.roundTrip(commandEnvelope{Type: cmdListDevices})
		if len(res.Devices) == 1 && res.Devices[0].ID == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mirror survived session drop: %+v", res.Devices)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
