// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDialerRejectsScheme(t *testing.T) {
	_, err := NewDialer(DialConfig{URL: "http://localhost:5672"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestHostPort(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"amqp://broker", "broker:5672"},
		{"amqps://broker", "broker:5671"},
		{"amqp://broker:1234", "broker:1234"},
		{"amqp://[::1]", "[::1]:5672"},
	}
	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			d, err := NewDialer(DialConfig{URL: tc.url}, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, hostPort(d.target))
		})
	}
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4)
		_, _ = io.ReadFull(c, buf)
		accepted <- buf
	}()

	d, err := NewDialer(DialConfig{URL: "amqp://" + ln.Addr().String()}, nil)
	require.NoError(t, err)
	nc, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer nc.Close()

	_, err = nc.Write([]byte("AMQP"))
	require.NoError(t, err)
	assert.Equal(t, []byte("AMQP"), waitFor(t, accepted))
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestDialRetriesThenFails(t *testing.T) {
	d, err := NewDialer(DialConfig{
		URL:             "amqp://" + closedAddr(t),
		Timeout:         time.Second,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	_, err = d.Dial(context.Background())
	require.Error(t, err)
	assert.Equal(t, uint32(3), d.breaker.Counts().ConsecutiveFailures)
}

func TestDialCircuitBreakerOpens(t *testing.T) {
	d, err := NewDialer(DialConfig{
		URL:              "amqp://" + closedAddr(t),
		Timeout:          time.Second,
		MaxAttempts:      1,
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = d.Dial(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, d.breaker.State())

	_, err = d.Dial(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestDialCanceled(t *testing.T) {
	d, err := NewDialer(DialConfig{
		URL:             "amqp://" + closedAddr(t),
		MaxAttempts:     100,
		InitialInterval: time.Hour,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Dial(ctx)
	assert.Error(t, err)
}

// echoServer upgrades requests offering the amqp subprotocol and echoes
// every binary message.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, p, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, p); err != nil {
				return
			}
		}
	}))
}

func TestDialWebSocket(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	d, err := NewDialer(DialConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, nil)
	require.NoError(t, err)
	nc, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer nc.Close()

	_, err = nc.Write([]byte("AMQP"))
	require.NoError(t, err)
	_, err = nc.Write([]byte{0, 1, 0, 0})
	require.NoError(t, err)

	// Reads continue across message boundaries.
	buf := make([]byte, 8)
	_, err = io.ReadFull(nc, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, buf)
}

func TestDialWebSocketWithoutSubprotocol(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			ws.Close()
		}
	}))
	defer srv.Close()

	d, err := NewDialer(DialConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, nil)
	require.NoError(t, err)
	_, err = d.Dial(context.Background())
	assert.ErrorContains(t, err, "subprotocol")
}
