// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/absmach/fluxamqp/amqp1/engine"
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// acceptAll registers handlers accepting every session and receiver the
// peer opens. Complete deliveries are settled as accepted and passed to
// received.
func acceptAll(received chan<- []byte) Handler {
	return func(_ *Conn, e *engine.Engine) error {
		conn := e.Connection()
		conn.OnRemoteSession(func(s *engine.Session) {
			s.OnRemoteReceiver(func(r *engine.Receiver) {
				r.OnDeliveryRead(func(d *engine.IncomingDelivery) {
					if d.IsPartial() {
						return
					}
					received <- d.ReadAll()
					_ = d.Disposition(&performatives.Accepted{}, true)
				})
				_ = r.SetTarget(r.RemoteTarget())
				_ = r.Open()
				_ = r.AddCredit(10)
			})
			_ = s.Open()
		})
		conn.OnRemoteClose(func(c *engine.Connection) { _ = c.Close() })
		return conn.Open()
	}
}

// send opens a sender on a new session and writes payload once the peer
// grants credit. settled is closed once the peer settles the delivery.
func send(t *testing.T, c *Conn, payload []byte) <-chan struct{} {
	t.Helper()
	settled := make(chan struct{})
	err := c.Do(func(e *engine.Engine) error {
		conn, err := e.Start()
		if err != nil {
			return err
		}
		if err := conn.Open(); err != nil {
			return err
		}
		s, err := conn.Session()
		if err != nil {
			return err
		}
		if err := s.Open(); err != nil {
			return err
		}
		snd, err := s.Sender("out")
		if err != nil {
			return err
		}
		if err := snd.SetTarget(&performatives.Target{Address: "queue"}); err != nil {
			return err
		}
		snd.OnDeliveryUpdated(func(d *engine.OutgoingDelivery) {
			if d.IsRemotelySettled() {
				close(settled)
			}
		})
		sent := false
		snd.OnCreditUpdated(func(snd *engine.Sender) {
			if sent || !snd.IsSendable() {
				return
			}
			sent = true
			d, err := snd.Next()
			if err == nil {
				err = d.Write(payload)
			}
			assert.NoError(t, err)
		})
		return snd.Open()
	})
	require.NoError(t, err)
	return settled
}

func closeConnection(t *testing.T, c *Conn) {
	t.Helper()
	require.NoError(t, c.Do(func(e *engine.Engine) error {
		return e.Connection().Close()
	}))
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting")
	}
	var zero T
	return zero
}

func TestConnDelivery(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	server := New(serverSide, engine.New(engine.Config{ContainerID: "server"}))
	require.NoError(t, server.Do(func(e *engine.Engine) error {
		_, err := e.Start()
		return err
	}))
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Run(ctx) }()

	client := New(clientSide, engine.New(engine.Config{ContainerID: "client"}))
	require.NoError(t, client.Do(func(e *engine.Engine) error {
		_, err := e.Start()
		return err
	}))
	clientDone := make(chan error, 1)
	go func() { clientDone <- client.Run(ctx) }()

	require.NoError(t, server.Do(func(e *engine.Engine) error {
		return acceptAll(received)(server, e)
	}))
	settled := send(t, client, []byte("hello"))

	assert.Equal(t, []byte("hello"), waitFor(t, received))
	waitFor(t, settled)

	closeConnection(t, client)
	assert.NoError(t, waitFor(t, clientDone))
	assert.NoError(t, waitFor(t, serverDone))

	st := client.Engine().Stats()
	assert.Equal(t, uint64(1), st.GetDeliveriesSent())
	assert.True(t, client.Engine().IsShutdown())
}

func TestConnRunStartsEngine(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := New(clientSide, engine.New(engine.Config{ContainerID: "client"}))
	clientDone := make(chan error, 1)
	go func() { clientDone <- client.Run(ctx) }()

	server := New(serverSide, engine.New(engine.Config{ContainerID: "server"}))
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Run(ctx) }()

	// The server writes its header and open before the client touches its
	// engine.
	require.NoError(t, server.Do(func(e *engine.Engine) error {
		conn, err := e.Start()
		if err != nil {
			return err
		}
		return conn.Open()
	}))

	require.Eventually(t, func() bool {
		var open bool
		_ = client.Do(func(e *engine.Engine) error {
			open = e.Connection() != nil && e.Connection().IsRemotelyOpen()
			return nil
		})
		return open
	}, waitTimeout, 10*time.Millisecond)
	assert.False(t, client.Engine().IsFailed())

	require.NoError(t, client.Do(func(e *engine.Engine) error {
		e.Connection().OnRemoteClose(func(c *engine.Connection) { _ = c.Close() })
		return e.Connection().Open()
	}))
	closeConnection(t, server)
	assert.NoError(t, waitFor(t, serverDone))
	assert.NoError(t, waitFor(t, clientDone))
}

func TestConnPeerHangup(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	client := New(clientSide, engine.New(engine.Config{}))
	require.NoError(t, client.Do(func(e *engine.Engine) error {
		_, err := e.Start()
		return err
	}))

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()
	require.NoError(t, serverSide.Close())

	err := waitFor(t, done)
	assert.ErrorIs(t, err, engine.ErrEngineFailed)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.ErrorIs(t, client.Do(func(*engine.Engine) error { return nil }), ErrClosed)
}

func TestConnContextCancel(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()
	client := New(clientSide, engine.New(engine.Config{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	cancel()

	assert.ErrorIs(t, waitFor(t, done), context.Canceled)
	waitFor(t, client.Done())
	assert.True(t, client.Engine().IsShutdown())
}

func TestConnWriteFailure(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	require.NoError(t, serverSide.Close())
	client := New(clientSide, engine.New(engine.Config{}), WithWriteTimeout(time.Second))

	err := client.Do(func(e *engine.Engine) error {
		conn, err := e.Start()
		if err != nil {
			return err
		}
		return conn.Open()
	})
	assert.ErrorIs(t, err, engine.ErrEngineFailed)
	assert.True(t, errors.Is(err, io.ErrClosedPipe))
	assert.True(t, client.Engine().IsFailed())
}
