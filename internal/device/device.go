// Package device implements the virtual controller itself: the rendezvous
// sockets a consumer application dials, the connect handshake, the
// evdev/joystick fan-out, and the force-feedback return path.
package device

import (
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/smazurov/vimputti/internal/codec"
	"github.com/smazurov/vimputti/internal/corerr"
	"github.com/smazurov/vimputti/internal/events"
	"github.com/smazurov/vimputti/internal/metrics"
	"github.com/smazurov/vimputti/internal/model"
	"github.com/smazurov/vimputti/internal/sysfs"
)

// feedbackQueueCapacity bounds the per-device feedback ring buffer PollFeedback
// drains from; the oldest entry is dropped once full, matching the
// original's bounded per-device feedback queue.
const feedbackQueueCapacity = 32

// DeviceHandshake is the length-prefixed JSON record a device writes to a
// freshly accepted consumer, before any event traffic.
type DeviceHandshake struct {
	DeviceID uint32            `json:"device_id"`
	Config   model.DeviceConfig `json:"config"`
}

// state is the device's lifecycle state machine: Constructing,
// Serving, Draining. Transitions out of Serving are irreversible.
type state int

const (
	stateConstructing state = iota
	stateServing
	stateDraining
)

// VirtualDevice owns one active emulation's sockets, connected-consumer
// sets, and event fan-out.
type VirtualDevice struct {
	id      model.DeviceID
	cfg     model.DeviceConfig
	baseDir string
	bus     *events.Bus
	logger  *slog.Logger

	eventPath    string
	jsPath       string
	feedbackPath string

	eventListener    net.Listener
	jsListener       net.Listener
	feedbackListener net.Listener

	consumerMu   sync.Mutex
	eventConns   []net.Conn
	jsConns      []net.Conn
	feedbackConns []net.Conn

	feedbackMu    sync.Mutex
	feedbackQueue []model.FeedbackEvent

	stateMu sync.Mutex
	st      state

	wg sync.WaitGroup

	projector *sysfs.Projector
}

// New constructs and starts serving a virtual device: binds its
// rendezvous sockets, materializes its sysfs subtree, and spawns its
// accept loops. Construction is atomic — any failure rolls back every
// artifact already created. bus may be nil when no telemetry is wanted.
func New(baseDir string, id model.DeviceID, cfg model.DeviceConfig, bus *events.Bus, logger *slog.Logger) (*VirtualDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &VirtualDevice{
		id:      id,
		cfg:     cfg,
		baseDir: baseDir,
		bus:     bus,
		logger:  logger.With("device", id.EventNode()),
		st:      stateConstructing,
	}

	devicesDir := filepath.Join(baseDir, "devices")
	if err := os.MkdirAll(devicesDir, 0o755); err != nil {
		return nil, corerr.Wrap(corerr.KindResourceExhaustion, "mkdir devices dir", err)
	}

	d.eventPath = filepath.Join(devicesDir, id.EventNode())
	d.feedbackPath = d.eventPath + ".feedback"
	if len(cfg.Buttons) > 0 || len(cfg.Axes) > 0 {
		d.jsPath = filepath.Join(devicesDir, id.JoystickNode())
	}

	var err error
	d.eventListener, err = listenUnix(d.eventPath)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindResourceExhaustion, "bind event socket", err)
	}
	d.feedbackListener, err = listenUnix(d.feedbackPath)
	if err != nil {
		d.rollback()
		return nil, corerr.Wrap(corerr.KindResourceExhaustion, "bind feedback socket", err)
	}
	if d.jsPath != "" {
		d.jsListener, err = listenUnix(d.jsPath)
		if err != nil {
			d.rollback()
			return nil, corerr.Wrap(corerr.KindResourceExhaustion, "bind joystick socket", err)
		}
	}

	d.projector = sysfs.New(baseDir)
	if err := d.projector.Create(id, cfg); err != nil {
		_ = d.projector.Remove(id)
		d.rollback()
		return nil, err
	}

	d.st = stateServing
	d.wg.Add(2)
	go d.acceptLoop(d.eventListener, d.registerEventConsumer)
	go d.acceptLoop(d.feedbackListener, d.registerFeedbackConsumer)
	if d.jsListener != nil {
		d.wg.Add(1)
		go d.acceptLoop(d.jsListener, d.registerJoystickConsumer)
	}

	return d, nil
}

// rollback tears down whatever artifacts Construction managed to create
// before a later step failed.
func (d *VirtualDevice) rollback() {
	if d.eventListener != nil {
		_ = d.eventListener.Close()
		_ = os.Remove(d.eventPath)
	}
	if d.feedbackListener != nil {
		_ = d.feedbackListener.Close()
		_ = os.Remove(d.feedbackPath)
	}
	if d.jsListener != nil {
		_ = d.jsListener.Close()
		_ = os.Remove(d.jsPath)
	}
}

func listenUnix(path string) (net.Listener, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	_ = os.Chmod(path, 0o666)
	return ln, nil
}

// ID returns the device's identifier.
func (d *VirtualDevice) ID() model.DeviceID { return d.id }

// Config returns the device's immutable declared configuration.
func (d *VirtualDevice) Config() model.DeviceConfig { return d.cfg }

// EventNode returns the consumer-facing evdev node name.
func (d *VirtualDevice) EventNode() string { return d.id.EventNode() }

// JoystickNode returns the consumer-facing joystick node name, or "" if
// the device declares no buttons or axes.
func (d *VirtualDevice) JoystickNode() string {
	if d.jsPath == "" {
		return ""
	}
	return d.id.JoystickNode()
}

func (d *VirtualDevice) acceptLoop(ln net.Listener, register func(net.Conn)) {
	defer d.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		register(conn)
	}
}

func (d *VirtualDevice) handshake(conn net.Conn) bool {
	body, err := json.Marshal(DeviceHandshake{DeviceID: uint32(d.id), Config: d.cfg})
	if err != nil {
		d.logger.Warn("handshake serialization failed, dropping consumer", "error", err)
		_ = conn.Close()
		return false
	}
	prefix := make([]byte, 4)
	binary.LittleEndian.PutUint32(prefix, uint32(len(body)))
	if _, err := conn.Write(append(prefix, body...)); err != nil {
		_ = conn.Close()
		return false
	}
	return true
}

func (d *VirtualDevice) registerEventConsumer(conn net.Conn) {
	if !d.handshake(conn) {
		return
	}
	d.consumerMu.Lock()
	d.eventConns = append(d.eventConns, conn)
	d.consumerMu.Unlock()
	metrics.ConsumersConnected.WithLabelValues("event").Inc()

	d.wg.Add(1)
	go d.readFeedback(conn)
}

func (d *VirtualDevice) registerJoystickConsumer(conn net.Conn) {
	if !d.handshake(conn) {
		return
	}
	d.consumerMu.Lock()
	d.jsConns = append(d.jsConns, conn)
	d.consumerMu.Unlock()
	metrics.ConsumersConnected.WithLabelValues("joystick").Inc()
}

func (d *VirtualDevice) registerFeedbackConsumer(conn net.Conn) {
	d.consumerMu.Lock()
	d.feedbackConns = append(d.feedbackConns, conn)
	d.consumerMu.Unlock()
	metrics.ConsumersConnected.WithLabelValues("feedback").Inc()
}

// readFeedback continuously decodes 24-byte evdev records written by a
// consumer into the event socket, forwarding any EV_FF record to the
// feedback subscribers and queueing a typed FeedbackEvent for
// PollFeedback.
func (d *VirtualDevice) readFeedback(conn net.Conn) {
	defer d.wg.Done()
	buf := make([]byte, codec.EvdevRecordSize*8)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			d.removeEventConsumer(conn)
			return
		}
		chunk := buf[:n]
		for len(chunk) >= codec.EvdevRecordSize {
			rec, ok := codec.DecodeEvdevRecord(chunk[:codec.EvdevRecordSize])
			chunk = chunk[codec.EvdevRecordSize:]
			if !ok || rec.Type != codec.EvFF {
				continue
			}
			d.fanoutFeedback(rec)
			d.queueFeedback(model.DecodeFeedback(rec.Code, rec.Value))
			if d.bus != nil {
				d.bus.Publish(events.FeedbackReceivedEvent{
					DeviceID:  uint32(d.id),
					Code:      rec.Code,
					Value:     rec.Value,
					Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
				})
			}
		}
	}
}

func (d *VirtualDevice) fanoutFeedback(rec codec.EvdevRecord) {
	payload := rec.Encode()
	d.consumerMu.Lock()
	conns := append([]net.Conn(nil), d.feedbackConns...)
	d.consumerMu.Unlock()

	var dead []net.Conn
	for _, c := range conns {
		if err := nonBlockingWrite(c, payload); err != nil {
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		d.removeFeedbackConsumers(dead)
	}
}

func (d *VirtualDevice) queueFeedback(ev model.FeedbackEvent) {
	d.feedbackMu.Lock()
	defer d.feedbackMu.Unlock()
	d.feedbackQueue = append(d.feedbackQueue, ev)
	if len(d.feedbackQueue) > feedbackQueueCapacity {
		d.feedbackQueue = d.feedbackQueue[len(d.feedbackQueue)-feedbackQueueCapacity:]
	}
}

// PollFeedback drains and returns the oldest queued feedback event, if
// any, without blocking.
func (d *VirtualDevice) PollFeedback() (model.FeedbackEvent, bool) {
	d.feedbackMu.Lock()
	defer d.feedbackMu.Unlock()
	if len(d.feedbackQueue) == 0 {
		return model.FeedbackEvent{}, false
	}
	ev := d.feedbackQueue[0]
	d.feedbackQueue = d.feedbackQueue[1:]
	return ev, true
}

// SendInput fans a batch of logical events out to every connected
// consumer: evdev records to event-stream consumers, joystick records
// (buttons/axes only) to joystick-stream consumers. An empty batch
// produces no writes at all.
func (d *VirtualDevice) SendInput(batch []model.LogicalEvent) {
	now := time.Now()
	evdevBuf := codec.EncodeEvdevBatch(batch, now)
	if len(evdevBuf) > 0 {
		d.fanoutEvent(evdevBuf)
	}

	if d.jsPath == "" {
		return
	}
	jsBuf := codec.EncodeJoystickBatch(batch, d.cfg, now)
	if len(jsBuf) > 0 {
		d.fanoutJoystick(jsBuf)
	}
}

func (d *VirtualDevice) fanoutEvent(buf []byte) {
	d.consumerMu.Lock()
	conns := append([]net.Conn(nil), d.eventConns...)
	d.consumerMu.Unlock()

	var dead []net.Conn
	for _, c := range conns {
		if err := nonBlockingWrite(c, buf); err != nil {
			dead = append(dead, c)
		} else {
			metrics.FanoutBytesTotal.Add(float64(len(buf)))
		}
	}
	if len(dead) > 0 {
		d.removeEventConsumers(dead)
	}
}

func (d *VirtualDevice) fanoutJoystick(buf []byte) {
	d.consumerMu.Lock()
	conns := append([]net.Conn(nil), d.jsConns...)
	d.consumerMu.Unlock()

	var dead []net.Conn
	for _, c := range conns {
		if err := nonBlockingWrite(c, buf); err != nil {
			dead = append(dead, c)
		} else {
			metrics.FanoutBytesTotal.Add(float64(len(buf)))
		}
	}
	if len(dead) > 0 {
		d.removeJoystickConsumers(dead)
	}
}

func (d *VirtualDevice) removeEventConsumer(conn net.Conn) {
	d.removeEventConsumers([]net.Conn{conn})
}

func (d *VirtualDevice) removeEventConsumers(dead []net.Conn) {
	d.consumerMu.Lock()
	before := len(d.eventConns)
	d.eventConns = removeConns(d.eventConns, dead)
	removed := before - len(d.eventConns)
	d.consumerMu.Unlock()
	accountRemoved("event", removed)
}

func (d *VirtualDevice) removeJoystickConsumers(dead []net.Conn) {
	d.consumerMu.Lock()
	before := len(d.jsConns)
	d.jsConns = removeConns(d.jsConns, dead)
	removed := before - len(d.jsConns)
	d.consumerMu.Unlock()
	accountRemoved("joystick", removed)
}

func (d *VirtualDevice) removeFeedbackConsumers(dead []net.Conn) {
	d.consumerMu.Lock()
	before := len(d.feedbackConns)
	d.feedbackConns = removeConns(d.feedbackConns, dead)
	removed := before - len(d.feedbackConns)
	d.consumerMu.Unlock()
	accountRemoved("feedback", removed)
}

func accountRemoved(stream string, n int) {
	if n <= 0 {
		return
	}
	metrics.ConsumersConnected.WithLabelValues(stream).Sub(float64(n))
	metrics.ConsumersDroppedTotal.Add(float64(n))
}

// removeConns closes every entry in dead and returns conns with those
// entries filtered out in one forward pass over conns' backing array; the
// surviving connections keep their original order.
func removeConns(conns []net.Conn, dead []net.Conn) []net.Conn {
	deadSet := make(map[net.Conn]struct{}, len(dead))
	for _, c := range dead {
		deadSet[c] = struct{}{}
		_ = c.Close()
	}
	out := conns[:0]
	for _, c := range conns {
		if _, isDead := deadSet[c]; !isDead {
			out = append(out, c)
		}
	}
	return out
}

// Close drains the device: stops accepting new consumers, closes every
// connected consumer's write-half, unlinks its socket files, and removes
// its sysfs subtree. Transitions out of Serving are irreversible.
func (d *VirtualDevice) Close() {
	d.stateMu.Lock()
	if d.st == stateDraining {
		d.stateMu.Unlock()
		return
	}
	d.st = stateDraining
	d.stateMu.Unlock()

	_ = d.eventListener.Close()
	_ = d.feedbackListener.Close()
	if d.jsListener != nil {
		_ = d.jsListener.Close()
	}

	d.consumerMu.Lock()
	all := append(append(append([]net.Conn(nil), d.eventConns...), d.jsConns...), d.feedbackConns...)
	metrics.ConsumersConnected.WithLabelValues("event").Sub(float64(len(d.eventConns)))
	metrics.ConsumersConnected.WithLabelValues("joystick").Sub(float64(len(d.jsConns)))
	metrics.ConsumersConnected.WithLabelValues("feedback").Sub(float64(len(d.feedbackConns)))
	d.eventConns = nil
	d.jsConns = nil
	d.feedbackConns = nil
	d.consumerMu.Unlock()
	for _, c := range all {
		_ = c.Close()
	}

	_ = os.Remove(d.eventPath)
	_ = os.Remove(d.feedbackPath)
	if d.jsPath != "" {
		_ = os.Remove(d.jsPath)
	}

	if d.projector != nil {
		_ = d.projector.Remove(d.id)
	}

	d.wg.Wait()
}
