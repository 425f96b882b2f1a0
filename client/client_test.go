// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxamqp/amqp1/broker"
	"github.com/absmach/fluxamqp/amqp1/engine"
	"github.com/absmach/fluxamqp/amqp1/message"
	"github.com/absmach/fluxamqp/amqp1/sasl"
	"github.com/absmach/fluxamqp/amqp1/types"
	"github.com/absmach/fluxamqp/client"
	"github.com/absmach/fluxamqp/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func startServer(t *testing.T, cfg engine.Config) string {
	t.Helper()
	b := broker.New(broker.Config{}, nil, nil)
	srv := transport.NewServer(transport.ServerConfig{
		Address:         "127.0.0.1:0",
		ShutdownTimeout: time.Second,
		Engine:          cfg,
	}, b.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return srv.Addr() != nil }, waitTimeout, 10*time.Millisecond)
	return "amqp://" + srv.Addr().String()
}

func connect(t *testing.T, opts *client.Options) *client.Client {
	t.Helper()
	c, err := client.New(opts)
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

type countingLimiter struct {
	calls atomic.Int32
	err   error
}

func (l *countingLimiter) WaitDelivery(context.Context, string) error {
	l.calls.Add(1)
	return l.err
}

func TestNewInvalidOptions(t *testing.T) {
	_, err := client.New(client.NewOptions().SetURL(""))
	assert.ErrorIs(t, err, client.ErrNoURL)

	_, err = client.New(client.NewOptions().SetSASLMechanism("CRAM-MD5"))
	assert.ErrorIs(t, err, client.ErrInvalidMechanism)
}

func TestNotConnected(t *testing.T) {
	c, err := client.New(nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Send(ctx, "q", &message.Message{Value: "x"})
	assert.ErrorIs(t, err, client.ErrNotConnected)
	_, err = c.Subscribe(ctx, "q", func(context.Context, *message.Message) error { return nil })
	assert.ErrorIs(t, err, client.ErrNotConnected)
	assert.ErrorIs(t, c.Close(ctx), client.ErrNotConnected)
	assert.False(t, c.IsConnected())
	assert.Nil(t, c.Stats())
}

func TestInvalidArguments(t *testing.T) {
	c := connect(t, client.NewOptions().SetURL(startServer(t, engine.Config{})))
	ctx := context.Background()

	_, err := c.Send(ctx, "", &message.Message{Value: "x"})
	assert.ErrorIs(t, err, client.ErrInvalidAddress)
	_, err = c.Send(ctx, "q", nil)
	assert.ErrorIs(t, err, client.ErrNilMessage)
	_, err = c.Subscribe(ctx, "q", nil)
	assert.ErrorIs(t, err, client.ErrNilHandler)
	assert.ErrorIs(t, c.Connect(ctx), client.ErrAlreadyConnected)
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, err := client.New(client.NewOptions().SetURL("amqp://" + addr).SetDialTimeout(time.Second))
	require.NoError(t, err)
	assert.Error(t, c.Connect(context.Background()))
	assert.False(t, c.IsConnected())
}

func TestRoundTrip(t *testing.T) {
	url := startServer(t, engine.Config{})
	c := connect(t, client.NewOptions().SetURL(url).SetContainerID("round-trip"))
	ctx := context.Background()

	got := make(chan *message.Message, 1)
	sub, err := c.Subscribe(ctx, "greetings", func(_ context.Context, msg *message.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "greetings", sub.Address())

	id := types.UUID{1, 2, 3}
	_, err = c.Send(ctx, "greetings", &message.Message{
		Properties:            &message.Properties{MessageID: id, Subject: "hello"},
		ApplicationProperties: map[string]any{"n": int64(1)},
		Data:                  [][]byte{[]byte("payload")},
	})
	require.NoError(t, err)

	select {
	case msg := <-got:
		require.NotNil(t, msg.Properties)
		assert.Equal(t, id, msg.Properties.MessageID)
		assert.Equal(t, "hello", msg.Properties.Subject)
		assert.Equal(t, [][]byte{[]byte("payload")}, msg.Data)
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for message")
	}

	closeCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	require.NoError(t, sub.Close(closeCtx))
	assert.NoError(t, sub.Err())

	st := c.Stats()
	assert.Equal(t, uint64(1), st.GetDeliveriesSent())
	assert.Equal(t, uint64(1), st.GetDeliveriesReceived())
}

func TestSendUsesLimiter(t *testing.T) {
	url := startServer(t, engine.Config{})
	limiter := &countingLimiter{}
	c := connect(t, client.NewOptions().SetURL(url).SetLimiter(limiter))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Send(ctx, "paced", &message.Message{Value: int64(i)})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), limiter.calls.Load())

	limiter.err = context.DeadlineExceeded
	_, err := c.Send(ctx, "paced", &message.Message{Value: "late"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSASLPlain(t *testing.T) {
	url := startServer(t, engine.Config{SASLServer: &engine.SASLServer{
		Mechanisms: []types.Symbol{sasl.MechPLAIN},
		Authenticate: engine.PlainAuthenticator(func(user, pass string) bool {
			return user == "admin" && pass == "secret"
		}),
	}})

	c := connect(t, client.NewOptions().SetURL(url).SetCredentials("admin", "secret"))
	assert.True(t, c.IsConnected())

	bad, err := client.New(client.NewOptions().SetURL(url).SetCredentials("admin", "wrong"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err = bad.Connect(ctx)
	assert.ErrorIs(t, err, client.ErrConnectionLost)
	assert.False(t, bad.IsConnected())
}

func TestConnectionLost(t *testing.T) {
	b := broker.New(broker.Config{}, nil, nil)
	srv := transport.NewServer(transport.ServerConfig{
		Address:         "127.0.0.1:0",
		ShutdownTimeout: 100 * time.Millisecond,
	}, b.Handler())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, waitTimeout, 10*time.Millisecond)

	lost := make(chan error, 1)
	opts := client.NewOptions().
		SetURL("amqp://" + srv.Addr().String()).
		SetOnConnectionLost(func(err error) { lost <- err })
	c, err := client.New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	cancel()
	assert.True(t, errors.Is(<-done, transport.ErrShutdownTimeout))

	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(waitTimeout):
		require.FailNow(t, "connection loss not reported")
	}
	assert.False(t, c.IsConnected())
	_, err = c.Send(context.Background(), "q", &message.Message{Value: "x"})
	assert.ErrorIs(t, err, client.ErrNotConnected)
}
