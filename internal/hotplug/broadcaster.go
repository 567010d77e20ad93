// Package hotplug implements the udev-monitor broadcast plane: subscribers
// connect on a well-known socket and receive one framed record per device
// add/remove/change, synchronized with device lifecycle events.
package hotplug

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/smazurov/vimputti/internal/codec"
	"github.com/smazurov/vimputti/internal/metrics"
	"github.com/smazurov/vimputti/internal/model"
	"github.com/smazurov/vimputti/internal/sysfs"
)

// channelCapacity is the bounded broadcast channel size per subscriber; a
// subscriber that falls this far behind is logged and skipped, never
// dropped on lag alone.
const channelCapacity = 100

// subscriber is one connected udev-monitor client.
type subscriber struct {
	conn net.Conn
	ch   chan []byte
}

// Broadcaster accepts udev-monitor subscribers and multicasts device
// add/remove/change records to them.
type Broadcaster struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	seqnum      atomic.Uint64

	listener net.Listener
	wg       sync.WaitGroup
	closing  atomic.Bool
}

// New creates a Broadcaster. Call Serve to start accepting subscribers on
// a listener bound by the caller (the manager binds the "udev" socket).
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger:      logger.With("component", "hotplug"),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Serve accepts subscribers on ln until it is closed. Runs in the
// caller's goroutine; callers typically `go broadcaster.Serve(ln)`.
func (b *Broadcaster) Serve(ln net.Listener) {
	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.closing.Load() {
				return
			}
			b.logger.Warn("accept failed", "error", err)
			return
		}
		b.wg.Add(1)
		go b.serveSubscriber(conn)
	}
}

// Close stops accepting new subscribers and disconnects current ones.
func (b *Broadcaster) Close() {
	b.closing.Store(true)
	b.mu.Lock()
	ln := b.listener
	subs := make([]*subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, s := range subs {
		_ = s.conn.Close()
	}
	b.wg.Wait()
}

func (b *Broadcaster) serveSubscriber(conn net.Conn) {
	defer b.wg.Done()
	defer conn.Close()

	sub := &subscriber{conn: conn, ch: make(chan []byte, channelCapacity)}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	metrics.HotplugSubscribers.Inc()

	defer func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
		metrics.HotplugSubscribers.Dec()
	}()

	// Subscriber reads are discarded: they represent filter updates this
	// emulation ignores. The read loop doubles as the disconnect
	// detector, releasing the write loop below when the peer goes away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case payload := <-sub.ch:
			if _, err := conn.Write(payload); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// enqueue pushes payload to every current subscriber. A subscriber whose
// channel is full is logged and skipped (never dropped on lag alone); a
// subscriber whose connection has already errored out is removed by its
// own serveSubscriber goroutine, not here.
func (b *Broadcaster) enqueue(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subscribers {
		select {
		case s.ch <- payload:
		default:
			b.logger.Warn("hotplug subscriber lagging, skipping record")
		}
	}
}

// BroadcastAdd enqueues an ACTION=add record for a newly constructed
// device. Callers must invoke this only after the device's rendezvous
// socket is listening and its sysfs subtree is visible.
func (b *Broadcaster) BroadcastAdd(id model.DeviceID, cfg model.DeviceConfig) {
	b.broadcast(codec.UdevActionAdd, id, cfg)
}

// BroadcastRemove enqueues an ACTION=remove record. Callers must invoke
// this only after the device is no longer reachable through any
// externally visible artifact.
func (b *Broadcaster) BroadcastRemove(id model.DeviceID, cfg model.DeviceConfig) {
	b.broadcast(codec.UdevActionRemove, id, cfg)
}

func (b *Broadcaster) broadcast(action codec.UdevAction, id model.DeviceID, cfg model.DeviceConfig) {
	seq := b.seqnum.Add(1)
	devpath := fmt.Sprintf("/devices/virtual/input/%s/%s", id.InputNode(), id.EventNode())

	props := []codec.UdevProperty{
		{Key: "ACTION", Value: string(action)},
		{Key: "DEVPATH", Value: devpath},
		{Key: "SUBSYSTEM", Value: "input"},
		{Key: "DEVNAME", Value: "/dev/input/" + id.EventNode()},
		{Key: "NAME", Value: fmt.Sprintf("\"%s\"", cfg.Name)},
		{Key: "PRODUCT", Value: fmt.Sprintf("%x/%x/%x/%x", uint16(cfg.Bus), cfg.VendorID, cfg.ProductID, cfg.Version)},
	}
	props = append(props, sysfs.DeviceProperties(id, cfg)...)
	if action == codec.UdevActionRemove {
		props = append(props,
			codec.UdevProperty{Key: "ID_SERIAL_SHORT", Value: id.EventNode()},
			codec.UdevProperty{Key: "UNIQ", Value: fmt.Sprintf("\"%s\"", id.EventNode())},
		)
	}
	props = append(props, codec.UdevProperty{Key: "SEQNUM", Value: fmt.Sprintf("%d", seq)})

	record := codec.UdevRecord{
		Action:     action,
		Subsystem:  "input",
		SeqNum:     seq,
		Properties: props,
	}

	// The textual variant is what this Unix-socket transport uses; the
	// binary variant exists in internal/codec for the netlink-compatible
	// transport the seccomp/LD_PRELOAD launcher would speak.
	b.enqueue(codec.EncodeUdevText(record))
}
