package nats

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/mock"
)

type mockJetStream struct {
	mock.Mock
}

func (m *mockJetStream) CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	args := m.Called(ctx, cfg)
	stream, _ := args.Get(0).(jetstream.Stream)
	return stream, args.Error(1)
}

func (m *mockJetStream) CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	args := m.Called(ctx, stream, cfg)
	consumer, _ := args.Get(0).(jetstream.Consumer)
	return consumer, args.Error(1)
}

func (m *mockJetStream) PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	args := m.Called(ctx, msg, len(opts))
	ack, _ := args.Get(0).(*jetstream.PubAck)
	return ack, args.Error(1)
}

// fakeConsumer hands the registered handler to the test.
type fakeConsumer struct {
	jetstream.Consumer
	consumeErr error
	handlers   chan jetstream.MessageHandler
	ctx        *fakeConsumeContext
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		handlers: make(chan jetstream.MessageHandler, 1),
		ctx:      &fakeConsumeContext{},
	}
}

func (c *fakeConsumer) Consume(handler jetstream.MessageHandler, _ ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error) {
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	c.handlers <- handler
	return c.ctx, nil
}

type fakeConsumeContext struct {
	jetstream.ConsumeContext
	mu      sync.Mutex
	stopped bool
}

func (c *fakeConsumeContext) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

func (c *fakeConsumeContext) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// fakeMsg is a delivered message recording its acknowledgement.
type fakeMsg struct {
	jetstream.Msg
	subject string
	data    []byte
	meta    *jetstream.MsgMetadata
	metaErr error

	mu    sync.Mutex
	acked bool
	naked bool
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return m.subject }

func (m *fakeMsg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

func (m *fakeMsg) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked = true
	return nil
}

func (m *fakeMsg) wasNaked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.naked
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return m.meta, m.metaErr
}
