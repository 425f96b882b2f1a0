// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/fluxamqp/amqp1/broker"
	"github.com/absmach/fluxamqp/amqp1/message"
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/client"
	"github.com/absmach/fluxamqp/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func startBroker(t *testing.T, cfg broker.Config) (*broker.Broker, string) {
	t.Helper()
	b := broker.New(cfg, nil, nil)
	srv := transport.NewServer(transport.ServerConfig{
		Address:         "127.0.0.1:0",
		ShutdownTimeout: time.Second,
	}, b.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return srv.Addr() != nil }, waitTimeout, 10*time.Millisecond)
	return b, srv.Addr().String()
}

func connect(t *testing.T, addr string, opts *client.Options) *client.Client {
	t.Helper()
	if opts == nil {
		opts = client.NewOptions()
	}
	c, err := client.New(opts.SetURL("amqp://" + addr))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func text(s string) *message.Message {
	return &message.Message{Value: s}
}

func TestSendAndConsume(t *testing.T) {
	b, addr := startBroker(t, broker.Config{})
	producer := connect(t, addr, nil)
	ctx := context.Background()

	for _, body := range []string{"one", "two", "three"} {
		state, err := producer.Send(ctx, "orders", text(body))
		require.NoError(t, err)
		assert.IsType(t, &performatives.Accepted{}, state)
	}
	assert.Equal(t, 3, b.Depth("orders"))

	got := make(chan any, 3)
	consumer := connect(t, addr, nil)
	_, err := consumer.Subscribe(ctx, "orders", func(_ context.Context, msg *message.Message) error {
		got <- msg.Value
		return nil
	})
	require.NoError(t, err)

	for _, want := range []string{"one", "two", "three"} {
		select {
		case v := <-got:
			assert.Equal(t, want, v)
		case <-time.After(waitTimeout):
			require.FailNow(t, "timed out waiting for message")
		}
	}
	require.Eventually(t, func() bool { return b.Depth("orders") == 0 }, waitTimeout, 10*time.Millisecond)

	st := b.GetStats()
	assert.Equal(t, uint64(3), st.GetMessagesReceived())
	assert.Equal(t, uint64(3), st.GetMessagesSent())
	assert.Equal(t, uint64(1), st.GetCurrentConsumers())
}

func TestQueueFull(t *testing.T) {
	b, addr := startBroker(t, broker.Config{MaxQueueDepth: 1})
	c := connect(t, addr, nil)
	ctx := context.Background()

	_, err := c.Send(ctx, "small", text("first"))
	require.NoError(t, err)

	state, err := c.Send(ctx, "small", text("second"))
	assert.True(t, errors.Is(err, client.ErrRejected))
	require.IsType(t, &performatives.Rejected{}, state)
	assert.Equal(t, performatives.ErrResourceLimitExceeded, state.(*performatives.Rejected).Error.Condition)

	assert.Equal(t, 1, b.Depth("small"))
	assert.Equal(t, uint64(1), b.GetStats().GetMessagesRejected())
}

func TestRejectedByConsumer(t *testing.T) {
	b, addr := startBroker(t, broker.Config{})
	c := connect(t, addr, nil)
	ctx := context.Background()

	handled := make(chan struct{}, 1)
	_, err := c.Subscribe(ctx, "poison", func(context.Context, *message.Message) error {
		handled <- struct{}{}
		return errors.New("cannot process")
	})
	require.NoError(t, err)

	_, err = c.Send(ctx, "poison", text("bad"))
	require.NoError(t, err)

	select {
	case <-handled:
	case <-time.After(waitTimeout):
		require.FailNow(t, "handler not called")
	}
	require.Eventually(t, func() bool { return b.GetStats().GetMessagesSent() == 1 }, waitTimeout, 10*time.Millisecond)
	assert.Never(t, func() bool { return b.Depth("poison") > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRequeueOnConsumerLoss(t *testing.T) {
	b, addr := startBroker(t, broker.Config{})
	producer := connect(t, addr, nil)
	ctx := context.Background()

	_, err := producer.Send(ctx, "jobs", text("job"))
	require.NoError(t, err)

	opts := client.NewOptions().SetCredit(1, 0)
	consumer, err := client.New(opts.SetURL("amqp://" + addr))
	require.NoError(t, err)
	require.NoError(t, consumer.Connect(ctx))

	handling := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	_, err = consumer.Subscribe(ctx, "jobs", func(context.Context, *message.Message) error {
		close(handling)
		<-release
		return nil
	})
	require.NoError(t, err)

	select {
	case <-handling:
	case <-time.After(waitTimeout):
		require.FailNow(t, "handler not called")
	}
	assert.Equal(t, 0, b.Depth("jobs"))

	closeCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	require.NoError(t, consumer.Close(closeCtx))

	require.Eventually(t, func() bool { return b.Depth("jobs") == 1 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, uint64(1), b.GetStats().GetMessagesRequeued())
	assert.Equal(t, uint64(0), b.GetStats().GetCurrentConsumers())
}

func TestConsumersAcrossConnections(t *testing.T) {
	_, addr := startBroker(t, broker.Config{})
	ctx := context.Background()

	got := make(chan any, 1)
	consumer := connect(t, addr, nil)
	_, err := consumer.Subscribe(ctx, "events", func(_ context.Context, msg *message.Message) error {
		got <- msg.Value
		return nil
	})
	require.NoError(t, err)

	producer := connect(t, addr, client.NewOptions().SetPresettled(true))
	state, err := producer.Send(ctx, "events", text("ping"))
	require.NoError(t, err)
	assert.Nil(t, state)

	select {
	case v := <-got:
		assert.Equal(t, "ping", v)
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for message")
	}
}

func TestStatsConnections(t *testing.T) {
	b, addr := startBroker(t, broker.Config{})
	c := connect(t, addr, nil)
	assert.Equal(t, uint64(1), b.GetStats().GetCurrentConnections())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, c.Close(ctx))

	require.Eventually(t, func() bool { return b.GetStats().GetCurrentConnections() == 0 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, uint64(1), b.GetStats().GetTotalConnections())
	assert.GreaterOrEqual(t, b.GetStats().GetUptime(), time.Duration(0))
}
