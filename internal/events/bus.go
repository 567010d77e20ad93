package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers.
// Usage: bus.Publish(DeviceCreatedEvent{...})
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case DeviceCreatedEvent:
		event.Publish(b.dispatcher, e)
	case DeviceDestroyedEvent:
		event.Publish(b.dispatcher, e)
	case InputSentEvent:
		event.Publish(b.dispatcher, e)
	case FeedbackReceivedEvent:
		event.Publish(b.dispatcher, e)
	case MirrorLinkedEvent:
		event.Publish(b.dispatcher, e)
	case MirrorUnlinkedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler type determines which events it receives (type inference).
// Returns an unsubscribe function.
// Usage: unsub := bus.Subscribe(func(e DeviceCreatedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(DeviceCreatedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DeviceDestroyedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(InputSentEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(FeedbackReceivedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(MirrorLinkedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(MirrorUnlinkedEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

// SubscribeToChannel subscribes to one event type and forwards every
// occurrence onto ch. Sends are non-blocking: a channel with no room drops
// the event rather than stalling the publisher.
func SubscribeToChannel[T Event](b *Bus, ch chan any) func() {
	return b.Subscribe(func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}
