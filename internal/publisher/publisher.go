package publisher

import "context"

// Publisher defines the interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Handler receives one inbound message.
type Handler func(topic string, payload []byte)

// Subscriber delivers messages published on a topic filter to a handler.
type Subscriber interface {
	Subscribe(topic string, fn Handler) error
}
