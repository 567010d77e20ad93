package manager

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/smazurov/vimputti/internal/corerr"
	"github.com/smazurov/vimputti/internal/events"
	"github.com/smazurov/vimputti/internal/metrics"
	"github.com/smazurov/vimputti/internal/model"
	"github.com/smazurov/vimputti/internal/uinput"
)

// maxRequestLine bounds one newline-delimited control request.
const maxRequestLine = 1 << 20

// Server binds the three manager-owned sockets — the control socket for
// library clients, the udev socket for hotplug subscribers, and the
// uinput socket for relay sessions — and serves them until Close.
type Server struct {
	mgr    *Manager
	relay  *uinput.Relay
	logger *slog.Logger

	controlLn net.Listener
	udevLn    net.Listener
	uinputLn  net.Listener

	wg      sync.WaitGroup
	closing atomic.Bool
}

// NewServer wires a Server around mgr. bus may be nil.
func NewServer(mgr *Manager, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	relay := uinput.NewRelay(
		mgr.Registry(),
		mgr.Mirrors(),
		mgr.CreateDevice,
		func(id model.DeviceID) { _ = mgr.DestroyDevice(id) },
		bus,
		logger,
	)
	return &Server{mgr: mgr, relay: relay, logger: logger.With("component", "server")}
}

// Start binds the control socket at controlPath and the udev/uinput
// sockets under the manager's base directory, then spawns the accept
// loops. A control-socket bind failure is fatal to the caller; udev and
// uinput bind failures are too, since consumers rely on all three.
func (s *Server) Start(controlPath string) error {
	var err error
	s.controlLn, err = bindSocket(controlPath)
	if err != nil {
		return corerr.Wrap(corerr.KindFatal, "bind control socket", err)
	}
	s.udevLn, err = bindSocket(filepath.Join(s.mgr.baseDir, "udev"))
	if err != nil {
		s.Close()
		return corerr.Wrap(corerr.KindFatal, "bind udev socket", err)
	}
	s.uinputLn, err = bindSocket(filepath.Join(s.mgr.baseDir, "uinput"))
	if err != nil {
		s.Close()
		return corerr.Wrap(corerr.KindFatal, "bind uinput socket", err)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.acceptControl()
	}()
	go func() {
		defer s.wg.Done()
		s.acceptUinput()
	}()
	go s.mgr.Hotplug().Serve(s.udevLn)

	s.logger.Info("listening", "control", controlPath, "base", s.mgr.baseDir)
	return nil
}

// bindSocket listens on a fresh unix socket at path with 0666 permissions
// so cross-user consumers inside a container can connect.
func bindSocket(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	_ = os.Chmod(path, 0o666)
	return ln, nil
}

// Close stops the accept loops, destroys every remaining device, and
// unlinks the manager-owned sockets.
func (s *Server) Close() {
	s.closing.Store(true)
	for _, ln := range []net.Listener{s.controlLn, s.uinputLn} {
		if ln != nil {
			_ = ln.Close()
		}
	}
	s.wg.Wait()
	s.mgr.Close() // also closes the udev listener via the broadcaster
	for _, ln := range []net.Listener{s.controlLn, s.udevLn, s.uinputLn} {
		if ln != nil {
			if ua, ok := ln.Addr().(*net.UnixAddr); ok {
				_ = os.Remove(ua.Name)
			}
		}
	}
}

func (s *Server) acceptControl() {
	for {
		conn, err := s.controlLn.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveSession(conn)
		}()
	}
}

func (s *Server) acceptUinput() {
	for {
		conn, err := s.uinputLn.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.relay.Serve(conn)
		}()
	}
}

// serveSession runs one library-client control session: a line-delimited
// stream of JSON requests, each answered in order. Devices the session
// created are destroyed when it drops, unless a DestroyDevice already
// removed them.
func (s *Server) serveSession(conn net.Conn) {
	defer conn.Close()

	logger := s.logger.With("session", uuid.New().String())
	logger.Debug("control session opened")

	var owned []model.DeviceID
	defer func() {
		for _, id := range owned {
			if err := s.mgr.DestroyDevice(id); err == nil {
				logger.Info("destroyed device of dropped session", "id", uint32(id))
			}
		}
		logger.Debug("control session closed")
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxRequestLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req requestEnvelope
		if err := json.Unmarshal(line, &req); err != nil {
			logger.Warn("malformed control request skipped", "error", err)
			continue
		}

		metrics.ControlRequestsTotal.WithLabelValues(req.Command.Type).Inc()
		result, created := s.dispatch(req.Command, logger)
		if created != nil {
			owned = append(owned, *created)
		}
		if result.Type == resDeviceDestroyed && req.Command.DeviceID != nil {
			owned = removeID(owned, model.DeviceID(*req.Command.DeviceID))
		}

		payload, err := json.Marshal(responseEnvelope{ID: req.ID, Result: result})
		if err != nil {
			logger.Warn("response serialization failed", "error", err)
			continue
		}
		if _, err := conn.Write(append(payload, '\n')); err != nil {
			// Broken pipe means client-gone: terminate only this session.
			return
		}
	}
}

// dispatch executes one command and returns its result, plus the id of a
// device this session now owns when the command was a successful
// CreateDevice.
func (s *Server) dispatch(cmd commandEnvelope, logger *slog.Logger) (resultEnvelope, *model.DeviceID) {
	switch cmd.Type {
	case cmdPing:
		return resultEnvelope{Type: resPong}, nil

	case cmdCreateDevice:
		if cmd.Config == nil {
			return errorResult("CreateDevice requires a config"), nil
		}
		id, err := s.mgr.CreateDevice(*cmd.Config)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		devID := uint32(id)
		return resultEnvelope{Type: resDeviceCreated, DeviceID: &devID, EventNode: id.EventNode()}, &id

	case cmdDestroyDevice:
		if cmd.DeviceID == nil {
			return errorResult("DestroyDevice requires a device_id"), nil
		}
		if err := s.mgr.DestroyDevice(model.DeviceID(*cmd.DeviceID)); err != nil {
			return errorResult(err.Error()), nil
		}
		return resultEnvelope{Type: resDeviceDestroyed}, nil

	case cmdSendInput:
		if cmd.DeviceID == nil {
			return errorResult("SendInput requires a device_id"), nil
		}
		if err := s.mgr.SendInput(model.DeviceID(*cmd.DeviceID), toLogical(cmd.Events)); err != nil {
			return errorResult(err.Error()), nil
		}
		return resultEnvelope{Type: resInputSent}, nil

	case cmdListDevices:
		return resultEnvelope{Type: resDeviceList, Devices: s.mgr.List()}, nil

	case cmdPollFeedback:
		if cmd.DeviceID == nil {
			return errorResult("PollFeedback requires a device_id"), nil
		}
		ev, ok, err := s.mgr.PollFeedback(model.DeviceID(*cmd.DeviceID))
		if err != nil {
			return errorResult(err.Error()), nil
		}
		res := resultEnvelope{Type: resFeedbackPolled}
		if ok {
			res.Event = feedbackToWire(ev)
		}
		return res, nil

	default:
		logger.Warn("unknown control command", "type", cmd.Type)
		return errorResult("unknown command type " + cmd.Type), nil
	}
}

func errorResult(msg string) resultEnvelope {
	return resultEnvelope{Type: resError, Message: msg}
}

func removeID(ids []model.DeviceID, id model.DeviceID) []model.DeviceID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
