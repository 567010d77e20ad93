package hotplug

import (
	"bufio"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smazurov/vimputti/internal/model"
)

func usbConfig() model.DeviceConfig {
	return model.DeviceConfig{
		Name:      "X360",
		VendorID:  0x045e,
		ProductID: 0x028e,
		Version:   0x0110,
		Bus:       model.BusUSB,
		Buttons:   []model.Button{model.NewButton(model.ButtonA, 0)},
	}
}

func startBroadcaster(t *testing.T) (*Broadcaster, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "udev")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := New(nil)
	go b.Serve(ln)
	t.Cleanup(b.Close)
	return b, path
}

// readRecord reads one blank-line-terminated textual udev record into a
// key -> value map.
func readRecord(t *testing.T, r *bufio.Reader, conn net.Conn) map[string]string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	props := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read record line: %v", err)
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return props
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			t.Fatalf("malformed property line %q", line)
		}
		props[k] = v
	}
}

func subscribe(t *testing.T, path string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	time.Sleep(50 * time.Millisecond) // let the broadcaster register the subscriber
	return conn, bufio.NewReader(conn)
}

func TestBroadcastAddThenRemove(t *testing.T) {
	b, path := startBroadcaster(t)
	conn, r := subscribe(t, path)

	b.BroadcastAdd(0, usbConfig())
	add := readRecord(t, r, conn)

	if add["ACTION"] != "add" {
		t.Fatalf("ACTION = %q, want add", add["ACTION"])
	}
	if add["DEVNAME"] != "/dev/input/event0" {
		t.Fatalf("DEVNAME = %q", add["DEVNAME"])
	}
	if add["DEVPATH"] != "/devices/virtual/input/input0/event0" {
		t.Fatalf("DEVPATH = %q", add["DEVPATH"])
	}
	if add["SUBSYSTEM"] != "input" {
		t.Fatalf("SUBSYSTEM = %q", add["SUBSYSTEM"])
	}
	for _, key := range []string{"ID_INPUT", "ID_INPUT_JOYSTICK", "ID_VENDOR_ID", "ID_MODEL_ID", "ID_BUS", "ID_SERIAL", "NAME", "PRODUCT", "SEQNUM", "BUSNUM", "DEVNUM"} {
		if _, ok := add[key]; !ok {
			t.Errorf("add record missing %s", key)
		}
	}
	if add["PRODUCT"] != "3/45e/28e/110" {
		t.Errorf("PRODUCT = %q", add["PRODUCT"])
	}

	b.BroadcastRemove(0, usbConfig())
	remove := readRecord(t, r, conn)
	if remove["ACTION"] != "remove" {
		t.Fatalf("ACTION = %q, want remove", remove["ACTION"])
	}
	if remove["DEVNAME"] != add["DEVNAME"] {
		t.Fatal("remove DEVNAME differs from add DEVNAME")
	}
	// Remove records carry the extra serial/uniq pair.
	if _, ok := remove["ID_SERIAL_SHORT"]; !ok {
		t.Error("remove record missing ID_SERIAL_SHORT")
	}
	if _, ok := remove["UNIQ"]; !ok {
		t.Error("remove record missing UNIQ")
	}

	// SEQNUM is monotone across records.
	if remove["SEQNUM"] <= add["SEQNUM"] {
		t.Errorf("SEQNUM not monotone: add=%s remove=%s", add["SEQNUM"], remove["SEQNUM"])
	}
}

func TestSubscriberReadsDiscarded(t *testing.T) {
	b, path := startBroadcaster(t)
	conn, r := subscribe(t, path)

	// A filter update from the subscriber is ignored, not an error.
	if _, err := conn.Write([]byte("irrelevant filter bytes")); err != nil {
		t.Fatalf("write: %v", err)
	}

	b.BroadcastAdd(1, usbConfig())
	rec := readRecord(t, r, conn)
	if rec["DEVNAME"] != "/dev/input/event1" {
		t.Fatalf("DEVNAME = %q", rec["DEVNAME"])
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b, path := startBroadcaster(t)
	c1, r1 := subscribe(t, path)
	c2, r2 := subscribe(t, path)

	b.BroadcastAdd(0, usbConfig())

	rec1 := readRecord(t, r1, c1)
	rec2 := readRecord(t, r2, c2)
	if rec1["SEQNUM"] != rec2["SEQNUM"] {
		t.Fatal("subscribers saw different records for one broadcast")
	}
}

func TestDroppedSubscriberDoesNotAffectOthers(t *testing.T) {
	b, path := startBroadcaster(t)
	gone, _ := subscribe(t, path)
	_ = gone.Close()

	alive, r := subscribe(t, path)
	b.BroadcastAdd(0, usbConfig())
	rec := readRecord(t, r, alive)
	if rec["ACTION"] != "add" {
		t.Fatalf("surviving subscriber missed broadcast: %v", rec)
	}
}
