package nats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/smazurov/vimputti/internal/events"
)

// Bridge subscribes to the in-process event bus and republishes device
// lifecycle and feedback events onto NATS subjects, so an out-of-process
// observer can watch manager activity without speaking the control-plane
// wire protocol. It is one-directional (bus -> NATS); it never feeds NATS
// traffic back into the bus.
type Bridge struct {
	url      string
	eventBus *events.Bus
	conn     *nats.Conn
	unsubs   []func()
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewBridge creates a new EventBus-to-NATS bridge.
func NewBridge(url string, eventBus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{
		url:      url,
		eventBus: eventBus,
		logger:   logger.With("component", "nats-bridge"),
	}
}

// Start connects to NATS and begins forwarding bus events.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := nats.Connect(b.url,
		nats.Name("vimputti-bridge"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("NATS bridge disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.logger.Info("NATS bridge reconnected")
		}),
	)
	if err != nil {
		return err
	}

	b.conn = conn
	b.logger.Info("NATS bridge connected", "url", b.url)

	b.unsubs = append(b.unsubs, b.eventBus.Subscribe(b.handleDeviceCreated))
	b.unsubs = append(b.unsubs, b.eventBus.Subscribe(b.handleDeviceDestroyed))
	b.unsubs = append(b.unsubs, b.eventBus.Subscribe(b.handleFeedback))

	b.logger.Info("NATS bridge subscribed to device lifecycle and feedback events")
	return nil
}

func (b *Bridge) handleDeviceCreated(e events.DeviceCreatedEvent) {
	msg := LifecycleMessage{
		DeviceID:  e.DeviceID,
		Action:    "created",
		Name:      e.Name,
		EventNode: e.EventNode,
		Timestamp: e.Timestamp,
	}
	b.publish(SubjectDeviceLifecycle(e.DeviceID), msg)
}

func (b *Bridge) handleDeviceDestroyed(e events.DeviceDestroyedEvent) {
	msg := LifecycleMessage{
		DeviceID:  e.DeviceID,
		Action:    "destroyed",
		EventNode: e.EventNode,
		Timestamp: e.Timestamp,
	}
	b.publish(SubjectDeviceLifecycle(e.DeviceID), msg)
}

func (b *Bridge) handleFeedback(e events.FeedbackReceivedEvent) {
	msg := FeedbackMessage{
		DeviceID:  e.DeviceID,
		Code:      e.Code,
		Value:     e.Value,
		Timestamp: e.Timestamp,
	}
	b.publish(SubjectDeviceFeedback(e.DeviceID), msg)
}

func (b *Bridge) publish(subject string, msg interface{ Marshal() ([]byte, error) }) {
	conn := b.conn
	if conn == nil {
		return
	}
	data, err := msg.Marshal()
	if err != nil {
		b.logger.Warn("Failed to marshal NATS message", "error", err, "subject", subject)
		return
	}
	if err := conn.Publish(subject, data); err != nil {
		b.logger.Warn("Failed to publish NATS message", "error", err, "subject", subject)
	}
}

// cleanup unsubscribes and closes connection.
func (b *Bridge) cleanup() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil

	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// Stop closes the bridge connection.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cleanup()
	b.logger.Info("NATS bridge stopped")
}

// IsConnected returns true if the bridge is connected to NATS.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.conn.IsConnected()
}
