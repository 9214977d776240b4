// Package nats implements the change feed on NATS JetStream.
package nats

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/syntrixbase/appsearch/internal/core/pubsub"
)

// JetStream is the subset of jetstream.JetStream used by publishers and
// consumers.
type JetStream interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NewJetStream creates a JetStream context on an established connection.
func NewJetStream(nc *nats.Conn) (JetStream, error) {
	return jetstream.New(nc)
}

func streamStorage(s pubsub.StorageType) jetstream.StorageType {
	if s == pubsub.FileStorage {
		return jetstream.FileStorage
	}
	return jetstream.MemoryStorage
}
