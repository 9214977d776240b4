package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/syntrixbase/appsearch/internal/core/pubsub"
)

// duplicateWindow is how long the stream remembers message IDs.
const duplicateWindow = 2 * time.Minute

type jetStreamPublisher struct {
	js    JetStream
	opts  pubsub.PublisherOptions
	newID func() string
}

// NewPublisher creates the change feed publisher, creating or updating
// the stream when opts.StreamName is set.
func NewPublisher(js JetStream, opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream cannot be nil")
	}

	if opts.StreamName != "" {
		subjects := opts.StreamName + ".>"
		if opts.SubjectPrefix != "" {
			subjects = opts.SubjectPrefix + ".>"
		}
		_, err := js.CreateOrUpdateStream(context.Background(), jetstream.StreamConfig{
			Name:       opts.StreamName,
			Subjects:   []string{subjects},
			Storage:    streamStorage(opts.Storage),
			MaxAge:     opts.MaxAge,
			Duplicates: duplicateWindow,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to ensure stream %s: %w", opts.StreamName, err)
		}
	}

	return &jetStreamPublisher{js: js, opts: opts, newID: uuid.NewString}, nil
}

// Publish sends one event. Each call gets a fresh message ID that its
// retries share.
func (p *jetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if p.opts.SubjectPrefix != "" {
		subject = p.opts.SubjectPrefix + "." + subject
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, p.newID())

	var opts []jetstream.PublishOpt
	if p.opts.RetryAttempts > 0 {
		opts = append(opts, jetstream.WithRetryAttempts(p.opts.RetryAttempts))
	}

	start := time.Now()
	_, err := p.js.PublishMsg(ctx, msg, opts...)
	if p.opts.OnPublish != nil {
		p.opts.OnPublish(subject, err, time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close is a no-op; the connection belongs to the provider.
func (p *jetStreamPublisher) Close() error {
	return nil
}
