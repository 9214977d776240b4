package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/appsearch/internal/core/pubsub"
)

type fakeConn struct {
	closed int
}

func (c *fakeConn) Close() { c.closed++ }

func newTestProvider(conn *fakeConn, js JetStream, connErr, jsErr error) *Provider {
	p := NewProvider("nats://localhost:4222", "appsearch-test", nil)
	p.natsConnect = func(url string, opts ...nats.Option) (natsConnection, error) {
		if connErr != nil {
			return nil, connErr
		}
		return conn, nil
	}
	p.jetStreamFactory = func(nc natsConnection) (JetStream, error) {
		if jsErr != nil {
			return nil, jsErr
		}
		return js, nil
	}
	return p
}

func TestProvider_RequiresConnect(t *testing.T) {
	p := NewProvider("nats://localhost:4222", "", nil)
	_, err := p.NewPublisher(pubsub.PublisherOptions{})
	assert.Error(t, err)
	_, err = p.NewConsumer(pubsub.ConsumerOptions{StreamName: "APPSEARCH"})
	assert.Error(t, err)
	assert.NoError(t, p.Close())
}

func TestProvider_ConnectAndClose(t *testing.T) {
	conn := &fakeConn{}
	js := new(mockJetStream)
	js.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, nil)

	p := newTestProvider(conn, js, nil, nil)
	require.NoError(t, p.Connect(context.Background()))

	pub, err := p.NewPublisher(pubsub.PublisherOptions{StreamName: "APPSEARCH"})
	require.NoError(t, err)
	assert.NotNil(t, pub)

	cons, err := p.NewConsumer(pubsub.ConsumerOptions{StreamName: "APPSEARCH"})
	require.NoError(t, err)
	assert.NotNil(t, cons)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, conn.closed)
}

func TestProvider_ConnectErrors(t *testing.T) {
	t.Run("dial", func(t *testing.T) {
		p := newTestProvider(nil, nil, errors.New("connection refused"), nil)
		assert.ErrorContains(t, p.Connect(context.Background()), "connection refused")
	})

	t.Run("jetstream", func(t *testing.T) {
		conn := &fakeConn{}
		p := newTestProvider(conn, nil, nil, errors.New("jetstream disabled"))
		assert.ErrorContains(t, p.Connect(context.Background()), "jetstream disabled")
		assert.Equal(t, 1, conn.closed)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := newTestProvider(&fakeConn{}, nil, nil, nil)
		assert.ErrorIs(t, p.Connect(ctx), context.Canceled)
	})
}
