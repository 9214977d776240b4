package nats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/syntrixbase/appsearch/internal/core/pubsub"
)

// natsConnection abstracts the nats.Conn for testing purposes
type natsConnection interface {
	Close()
}

// natsConnectFunc connects to NATS (injectable for testing)
type natsConnectFunc func(url string, opts ...nats.Option) (natsConnection, error)

// jetStreamFactory creates JetStream (injectable for testing)
type jetStreamFactory func(nc natsConnection) (JetStream, error)

var defaultNatsConnect natsConnectFunc = func(url string, opts ...nats.Option) (natsConnection, error) {
	return nats.Connect(url, opts...)
}

var defaultJetStreamFactory jetStreamFactory = func(nc natsConnection) (JetStream, error) {
	conn, ok := nc.(*nats.Conn)
	if !ok {
		return nil, fmt.Errorf("unexpected connection type %T", nc)
	}
	return NewJetStream(conn)
}

// Provider implements pubsub.Provider using NATS JetStream. It owns the
// connection; publishers and consumers borrow it.
type Provider struct {
	url              string
	name             string
	nc               natsConnection
	js               JetStream
	logger           *slog.Logger
	natsConnect      natsConnectFunc
	jetStreamFactory jetStreamFactory
}

var _ pubsub.Provider = (*Provider)(nil)

// NewProvider creates a provider for the server at url. name identifies
// the client connection on the server.
func NewProvider(url, name string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		url:              url,
		name:             name,
		logger:           logger.With("component", "nats-provider"),
		natsConnect:      defaultNatsConnect,
		jetStreamFactory: defaultJetStreamFactory,
	}
}

// Connect establishes the NATS connection and initializes JetStream.
// This must be called before using NewPublisher or NewConsumer.
func (p *Provider) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var opts []nats.Option
	if p.name != "" {
		opts = append(opts, nats.Name(p.name))
	}
	nc, err := p.natsConnect(p.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", p.url, err)
	}

	js, err := p.jetStreamFactory(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream: %w", err)
	}
	p.nc = nc
	p.js = js

	p.logger.Info("Connected to NATS", "url", p.url)
	return nil
}

// NewPublisher creates a new Publisher backed by NATS JetStream.
func (p *Provider) NewPublisher(opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	if p.js == nil {
		return nil, fmt.Errorf("NATS not connected, call Connect first")
	}
	return NewPublisher(p.js, opts)
}

// NewConsumer creates a new Consumer backed by NATS JetStream.
func (p *Provider) NewConsumer(opts pubsub.ConsumerOptions) (pubsub.Consumer, error) {
	if p.js == nil {
		return nil, fmt.Errorf("NATS not connected, call Connect first")
	}
	return NewConsumer(p.js, opts)
}

// Close closes the NATS connection.
func (p *Provider) Close() error {
	if p.nc != nil {
		p.logger.Info("Closing NATS connection...")
		p.nc.Close()
		p.nc = nil
		p.js = nil
	}
	return nil
}
