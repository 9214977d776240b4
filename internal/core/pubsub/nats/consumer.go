package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/syntrixbase/appsearch/internal/core/pubsub"
)

// ephemeralInactivity is how long the server keeps an idle ephemeral
// consumer.
const ephemeralInactivity = 5 * time.Minute

type jetStreamConsumer struct {
	js     JetStream
	opts   pubsub.ConsumerOptions
	logger *slog.Logger
}

// NewConsumer creates a consumer on an existing stream.
func NewConsumer(js JetStream, opts pubsub.ConsumerOptions) (pubsub.Consumer, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream cannot be nil")
	}
	if opts.StreamName == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if opts.ChannelBufSize <= 0 {
		opts.ChannelBufSize = pubsub.DefaultConsumerOptions().ChannelBufSize
	}

	return &jetStreamConsumer{
		js:     js,
		opts:   opts,
		logger: slog.Default().With("component", "pubsub-consumer", "stream", opts.StreamName),
	}, nil
}

func (c *jetStreamConsumer) config() jetstream.ConsumerConfig {
	cfg := jetstream.ConsumerConfig{
		Durable:       c.opts.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: c.opts.FilterSubject,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if c.opts.DeliverNew {
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
	}
	if cfg.Durable == "" {
		cfg.InactiveThreshold = ephemeralInactivity
	}
	return cfg
}

// Subscribe starts delivery. A missing stream means nothing publishes the
// feed yet and is reported as such.
func (c *jetStreamConsumer) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.opts.StreamName, c.config())
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, fmt.Errorf("stream %s does not exist, is the change feed enabled: %w", c.opts.StreamName, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	msgCh := make(chan pubsub.Message, c.opts.ChannelBufSize)

	// set once shutdown starts so the handler never sends on a closed channel
	var closing atomic.Bool

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if closing.Load() {
			msg.Nak()
			return
		}
		select {
		case msgCh <- WrapMessage(msg):
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		close(msgCh)
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	c.logger.Info("Consumer subscribed", "filter", c.opts.FilterSubject, "durable", c.opts.ConsumerName != "")

	go func() {
		<-ctx.Done()
		closing.Store(true)
		cc.Stop()
		close(msgCh)
		c.logger.Info("Consumer stopped")
	}()

	return msgCh, nil
}
