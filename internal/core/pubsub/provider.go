package pubsub

import "context"

// Provider is a broker connection handing out publishers and consumers.
// Connect must succeed before either is created; Close releases the
// connection they share.
type Provider interface {
	Connect(ctx context.Context) error
	NewPublisher(opts PublisherOptions) (Publisher, error)
	NewConsumer(opts ConsumerOptions) (Consumer, error)
	Close() error
}
