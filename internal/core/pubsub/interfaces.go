// Package pubsub carries the change feed of a local store to external
// subscribers over a message broker.
package pubsub

import (
	"context"
	"time"
)

// Publisher sends change events. Subjects are relative to the publisher's
// subject prefix.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// Consumer delivers change events from a stream.
type Consumer interface {
	// Subscribe starts delivery. The channel is closed once ctx is done.
	// Every received message must be acked or naked.
	Subscribe(ctx context.Context) (<-chan Message, error)
}

// Message is a received change event.
type Message interface {
	Data() []byte
	// Subject is the full subject, prefix included.
	Subject() string
	Ack() error
	// Nak asks the broker to deliver the message again.
	Nak() error
	Metadata() (MessageMetadata, error)
}

// MessageMetadata describes the delivery of a message.
type MessageMetadata struct {
	// Sequence is the position of the event in the stream.
	Sequence     uint64
	NumDelivered uint64
	Timestamp    time.Time
	Subject      string
	Stream       string
	Consumer     string
}
