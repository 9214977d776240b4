package nats

import (
	"github.com/nats-io/nats.go/jetstream"
	"github.com/syntrixbase/appsearch/internal/core/pubsub"
)

type message struct {
	jetstream.Msg
}

// WrapMessage adapts a JetStream message to pubsub.Message.
func WrapMessage(msg jetstream.Msg) pubsub.Message {
	return message{msg}
}

func (m message) Metadata() (pubsub.MessageMetadata, error) {
	md, err := m.Msg.Metadata()
	if err != nil {
		return pubsub.MessageMetadata{}, err
	}
	return pubsub.MessageMetadata{
		Sequence:     md.Sequence.Stream,
		NumDelivered: md.NumDelivered,
		Timestamp:    md.Timestamp,
		Subject:      m.Subject(),
		Stream:       md.Stream,
		Consumer:     md.Consumer,
	}, nil
}
