// Package uinput models the /dev/uinput ioctl setup state machine as an
// in-process protocol over one stream per session: a consumer configures a
// device's capabilities, issues DevCreate to birth a mirror device, writes
// evdev-style events that are translated and forwarded into the mirror,
// then DevDestroy or EOF tears the mirror down.
package uinput

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/smazurov/vimputti/internal/codec"
	"github.com/smazurov/vimputti/internal/corerr"
	"github.com/smazurov/vimputti/internal/events"
	"github.com/smazurov/vimputti/internal/metrics"
	"github.com/smazurov/vimputti/internal/model"
	"github.com/smazurov/vimputti/internal/registry"
)

// maxFrameLen bounds a single session message; lengths of 0 or beyond this
// terminate the session immediately.
const maxFrameLen = 1_000_000

// messageEnvelope is the outer `{type, body}` shape every framed session
// message carries.
type messageEnvelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Message type tags.
const (
	msgSetEvBit    = "SetEvBit"
	msgSetKeyBit   = "SetKeyBit"
	msgSetAbsBit   = "SetAbsBit"
	msgSetRelBit   = "SetRelBit"
	msgAbsSetup    = "AbsSetup"
	msgDevSetup    = "DevSetup"
	msgDevCreate   = "DevCreate"
	msgWriteEvents = "WriteEvents"
	msgDevDestroy  = "DevDestroy"

	msgAck         = "Ack"
	msgDevCreated  = "DevCreated"
	msgError       = "Error"
)

type bitBody struct {
	Bit uint16 `json:"bit"`
}

type absSetupBody struct {
	Code uint16 `json:"code"`
	Min  int32  `json:"min"`
	Max  int32  `json:"max"`
	Fuzz int32  `json:"fuzz"`
	Flat int32  `json:"flat"`
}

type devSetupBody struct {
	Name      string        `json:"name"`
	VendorID  uint16        `json:"vendor_id"`
	ProductID uint16        `json:"product_id"`
	Version   uint16        `json:"version"`
	Bus       model.BusType `json:"bus"`
}

type writeEventsBody struct {
	Events []wireEvdevRecord `json:"events"`
}

// wireEvdevRecord is the JSON shape of one evdev record on the WriteEvents
// wire message; the session maps each record straight to a LogicalEvent
// without going through the packed 24-byte layout.
type wireEvdevRecord struct {
	Type  uint16 `json:"type"`
	Code  uint16 `json:"code"`
	Value int32  `json:"value"`
}

type devCreatedBody struct {
	DeviceID uint32 `json:"device_id"`
}

type errorBody struct {
	Message string `json:"message"`
}

// CreateFunc constructs and registers a mirror device, performing the
// same sysfs-and-hotplug-consistent creation path a CreateDevice control
// command uses.
type CreateFunc func(cfg model.DeviceConfig) (model.DeviceID, error)

// DestroyFunc tears a device down by id, the same way DestroyDevice does.
type DestroyFunc func(id model.DeviceID)

// Relay runs uinput sessions against a shared registry and mirror map.
type Relay struct {
	reg     *registry.Registry
	mirrors *registry.MirrorMap
	create  CreateFunc
	destroy DestroyFunc
	bus     *events.Bus
	logger  *slog.Logger
}

// NewRelay constructs a Relay. create/destroy are supplied by the manager
// so device construction stays centralized (sysfs + hotplug broadcast) in
// one place even though the relay is the one deciding *when* to call them.
// bus may be nil when no telemetry is wanted (tests).
func NewRelay(reg *registry.Registry, mirrors *registry.MirrorMap, create CreateFunc, destroy DestroyFunc, bus *events.Bus, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{reg: reg, mirrors: mirrors, create: create, destroy: destroy, bus: bus, logger: logger.With("component", "uinput")}
}

// partialConfig accumulates Setup-phase messages into a buildable
// DeviceConfig, the way the kernel's uinput ioctl sequence accumulates
// UI_SET_EVBIT/UI_SET_KEYBIT/UI_DEV_SETUP calls before UI_DEV_CREATE.
type partialConfig struct {
	name      string
	vendorID  uint16
	productID uint16
	version   uint16
	bus       model.BusType
	keyBits   map[uint16]struct{}
	absBits   map[uint16]struct{}
	absInfo   map[uint16]absSetupBody
}

func newPartialConfig() *partialConfig {
	return &partialConfig{
		keyBits: make(map[uint16]struct{}),
		absBits: make(map[uint16]struct{}),
		absInfo: make(map[uint16]absSetupBody),
	}
}

// finalize builds the DeviceConfig the mirror device is constructed with.
// Button/axis insertion order follows the order setup bits were declared,
// tracked separately since maps don't preserve it.
func (p *partialConfig) finalize(keyOrder, absOrder []uint16) model.DeviceConfig {
	cfg := model.DeviceConfig{
		Name:      p.name,
		VendorID:  p.vendorID,
		ProductID: p.productID,
		Version:   p.version,
		Bus:       p.bus,
	}
	for _, code := range keyOrder {
		name, _ := model.ButtonFromCode(code)
		cfg.Buttons = append(cfg.Buttons, model.NewButton(name, code))
	}
	for _, code := range absOrder {
		name, _ := model.AxisFromCode(code)
		info := p.absInfo[code]
		cfg.Axes = append(cfg.Axes, model.AxisConfig{
			Axis:    model.NewAxis(name, code),
			Minimum: info.Min,
			Maximum: info.Max,
			Fuzz:    info.Fuzz,
			Flat:    info.Flat,
		})
	}
	return cfg
}

// sessionState tags where a session sits in the Setup/Running/Closed
// state machine.
type sessionState int

const (
	stateSetup sessionState = iota
	stateRunning
	stateClosed
)

// Serve runs one uinput session to completion against conn, blocking
// until the transport closes or an invalid frame terminates it early.
func (r *Relay) Serve(conn net.Conn) {
	defer conn.Close()
	metrics.UinputSessionsActive.Inc()
	defer metrics.UinputSessionsActive.Dec()

	cfg := newPartialConfig()
	var keyOrder, absOrder []uint16
	st := stateSetup
	var source, mirror model.DeviceID

	defer func() {
		if st == stateRunning {
			r.teardown(mirror)
		}
	}()

	for {
		body, err := readFrame(conn)
		if err != nil {
			return
		}

		var env messageEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			r.logger.Warn("uinput: invalid JSON frame, closing session", "error", err)
			return
		}

		switch env.Type {
		case msgSetEvBit:
			// EV_KEY/EV_ABS bits are implied by SetKeyBit/SetAbsBit; this
			// message exists for protocol completeness and is
			// acknowledged without further bookkeeping.
			r.respondAck(conn)

		case msgSetKeyBit:
			var b bitBody
			if !r.decodeOrClose(conn, env.Body, &b) {
				return
			}
			if _, seen := cfg.keyBits[b.Bit]; !seen {
				cfg.keyBits[b.Bit] = struct{}{}
				keyOrder = append(keyOrder, b.Bit)
			}
			r.respondAck(conn)

		case msgSetAbsBit:
			var b bitBody
			if !r.decodeOrClose(conn, env.Body, &b) {
				return
			}
			if _, seen := cfg.absBits[b.Bit]; !seen {
				cfg.absBits[b.Bit] = struct{}{}
				absOrder = append(absOrder, b.Bit)
			}
			r.respondAck(conn)

		case msgSetRelBit:
			r.respondAck(conn) // relative axes carry no joystick/evdev-button-table mapping here

		case msgAbsSetup:
			var a absSetupBody
			if !r.decodeOrClose(conn, env.Body, &a) {
				return
			}
			cfg.absInfo[a.Code] = a
			r.respondAck(conn)

		case msgDevSetup:
			var d devSetupBody
			if !r.decodeOrClose(conn, env.Body, &d) {
				return
			}
			cfg.name, cfg.vendorID, cfg.productID, cfg.version, cfg.bus = d.Name, d.VendorID, d.ProductID, d.Version, d.Bus
			r.respondAck(conn)

		case msgDevCreate:
			if st != stateSetup {
				r.respondError(conn, "DevCreate only valid in Setup state")
				continue
			}
			finalCfg := cfg.finalize(keyOrder, absOrder)
			src, ok := r.reg.MinLiveID()
			if !ok {
				r.respondError(conn, "no live source device to mirror")
				continue
			}
			mirrorID, err := r.create(finalCfg)
			if err != nil {
				r.respondError(conn, err.Error())
				continue
			}
			source, mirror = src, mirrorID
			r.mirrors.Set(source, mirror)
			if r.bus != nil {
				r.bus.Publish(events.MirrorLinkedEvent{
					SourceDeviceID: uint32(source),
					MirrorDeviceID: uint32(mirror),
					Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
				})
			}
			st = stateRunning
			r.respondJSON(conn, messageEnvelope{Type: msgDevCreated, Body: mustMarshal(devCreatedBody{DeviceID: uint32(mirror)})})

		case msgWriteEvents:
			if st != stateRunning {
				continue // fire-and-forget; no response either way
			}
			var w writeEventsBody
			if err := json.Unmarshal(env.Body, &w); err != nil {
				continue
			}
			r.forwardEvents(mirror, w.Events)
			// WriteEvents is write-only: no response, by design, to avoid
			// head-of-line blocking the consumer's write path.

		case msgDevDestroy:
			if st == stateRunning {
				r.teardown(mirror)
				st = stateClosed
			}
			r.respondAck(conn)
			return

		default:
			r.respondError(conn, fmt.Sprintf("unknown message type %q", env.Type))
		}
	}
}

func (r *Relay) forwardEvents(mirror model.DeviceID, wire []wireEvdevRecord) {
	d, ok := r.reg.Get(mirror)
	if !ok {
		return
	}
	events := make([]model.LogicalEvent, 0, len(wire))
	for _, w := range wire {
		switch w.Type {
		case codec.EvKey:
			events = append(events, model.LogicalEvent{Kind: model.EventButton, ButtonCode: w.Code, Pressed: w.Value != 0})
		case codec.EvAbs:
			events = append(events, model.LogicalEvent{Kind: model.EventAxis, AxisCode: w.Code, AxisValue: w.Value})
		case codec.EvSyn:
			events = append(events, model.LogicalEvent{Kind: model.EventSync})
		default:
			// unknown evdev types are dropped
		}
	}
	d.SendInput(events)
}

func (r *Relay) teardown(mirror model.DeviceID) {
	r.mirrors.RemoveByMirror(mirror)
	r.destroy(mirror)
	if r.bus != nil {
		r.bus.Publish(events.MirrorUnlinkedEvent{
			MirrorDeviceID: uint32(mirror),
			Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
}

func (r *Relay) decodeOrClose(conn net.Conn, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		r.respondError(conn, "invalid-argument: "+err.Error())
		return false
	}
	return true
}

func (r *Relay) respondAck(conn net.Conn) {
	r.respondJSON(conn, messageEnvelope{Type: msgAck})
}

func (r *Relay) respondError(conn net.Conn, msg string) {
	r.respondJSON(conn, messageEnvelope{Type: msgError, Body: mustMarshal(errorBody{Message: msg})})
}

func (r *Relay) respondJSON(conn net.Conn, env messageEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = writeFrame(conn, data)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// readFrame reads one u32-LE-length-prefixed JSON body. Invalid lengths
// (0 or > maxFrameLen) are reported as an invalid-argument CoreError,
// which terminates the session.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameLen {
		return nil, corerr.New(corerr.KindInvalidArgument, "uinput: invalid frame length")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// writeFrame writes a u32-LE-length-prefixed body.
func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
