// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxamqp/amqp1/engine"
	"github.com/absmach/fluxamqp/transport"
)

// Client is an AMQP 1.0 client running one engine over a single
// connection with one session. Senders are attached per address on first
// use and reused afterwards.
type Client struct {
	opts   *Options
	logger *slog.Logger

	connMu sync.RWMutex
	conn   *transport.Conn
	// Engine endpoints below are only touched inside conn.Do or engine
	// callbacks.
	session *engine.Session
	senders map[string]*sender
	nextID  uint64

	connected atomic.Bool
	closing   atomic.Bool
	runErr    error
	stopped   chan struct{}
}

// New creates a new AMQP 1.0 client with the given options.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		opts:    opts,
		logger:  logger,
		senders: make(map[string]*sender),
	}, nil
}

// Connect dials the peer, opens the connection and a session, and waits
// until the peer has opened both.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	d, err := transport.NewDialer(c.opts.dialConfig(), c.logger)
	if err != nil {
		return err
	}
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return err
	}

	var engineOpts []engine.Option
	engineOpts = append(engineOpts, engine.WithLogger(c.logger))
	if c.opts.Metrics != nil {
		engineOpts = append(engineOpts, engine.WithMetrics(c.opts.Metrics))
	}
	e := engine.New(c.opts.engineConfig(u.Hostname()), engineOpts...)

	connOpts := []transport.Option{transport.WithLogger(c.logger)}
	if c.opts.Tracer != nil {
		connOpts = append(connOpts, transport.WithTracer(c.opts.Tracer))
	}
	if c.opts.WriteTimeout > 0 {
		connOpts = append(connOpts, transport.WithWriteTimeout(c.opts.WriteTimeout))
	}
	if c.opts.ReadBufferSize > 0 {
		connOpts = append(connOpts, transport.WithReadBufferSize(c.opts.ReadBufferSize))
	}
	conn, err := d.Connect(ctx, e, connOpts...)
	if err != nil {
		return err
	}

	opened := make(chan struct{})
	err = conn.Do(func(e *engine.Engine) error {
		ec, err := e.Start()
		if err != nil {
			return err
		}
		ec.OnRemoteClose(func(ec *engine.Connection) {
			if !ec.IsLocallyClosed() {
				_ = ec.Close()
			}
		})
		if err := ec.Open(); err != nil {
			return err
		}
		s, err := ec.Session()
		if err != nil {
			return err
		}
		s.OnRemoteOpen(func(*engine.Session) { close(opened) })
		c.session = s
		c.senders = make(map[string]*sender)
		return s.Open()
	})
	if err != nil {
		conn.Close()
		return err
	}

	stopped := make(chan struct{})
	c.connMu.Lock()
	c.conn = conn
	c.stopped = stopped
	c.runErr = nil
	c.connMu.Unlock()
	c.closing.Store(false)
	go c.run(conn, stopped)

	select {
	case <-opened:
		c.connected.Store(true)
		c.logger.Info("connected", slog.String("url", c.opts.URL))
		return nil
	case <-stopped:
		return c.stopErr()
	case <-ctx.Done():
		conn.Close()
		<-stopped
		return ctx.Err()
	}
}

func (c *Client) run(conn *transport.Conn, stopped chan struct{}) {
	err := conn.Run(context.Background())
	c.connMu.Lock()
	c.runErr = err
	c.connMu.Unlock()
	c.connected.Store(false)
	close(stopped)

	if err != nil && !c.closing.Load() {
		c.logger.Warn("connection lost", slog.String("error", err.Error()))
		if c.opts.OnConnectionLost != nil {
			c.opts.OnConnectionLost(err)
		}
	}
}

// stopErr returns why the connection stopped.
func (c *Client) stopErr() error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.runErr != nil {
		return errors.Join(ErrConnectionLost, c.runErr)
	}
	return ErrConnectionLost
}

// Close closes the connection and waits for the peer to close it too, or
// for ctx to be done.
func (c *Client) Close(ctx context.Context) error {
	conn, stopped := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	c.closing.Store(true)
	c.connected.Store(false)

	err := conn.Do(func(e *engine.Engine) error {
		ec := e.Connection()
		if ec == nil || ec.IsLocallyClosed() {
			return nil
		}
		return ec.Close()
	})
	if err != nil && !errors.Is(err, transport.ErrClosed) {
		conn.Close()
		<-stopped
		return err
	}

	select {
	case <-stopped:
	case <-ctx.Done():
		conn.Close()
		<-stopped
		return ctx.Err()
	}

	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.runErr
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns the engine statistics, or nil before Connect.
func (c *Client) Stats() *engine.Stats {
	conn, _ := c.current()
	if conn == nil {
		return nil
	}
	return conn.Engine().Stats()
}

func (c *Client) current() (*transport.Conn, chan struct{}) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn, c.stopped
}

// do runs fn on the engine of a connected client.
func (c *Client) do(fn func(e *engine.Engine) error) (chan struct{}, error) {
	conn, stopped := c.current()
	if conn == nil || !c.connected.Load() {
		return nil, ErrNotConnected
	}
	if err := conn.Do(fn); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return nil, ErrNotConnected
		}
		return nil, err
	}
	return stopped, nil
}

func (c *Client) linkName(kind, address string) string {
	c.nextID++
	return kind + "-" + address + "-" + strconv.FormatUint(c.nextID, 10)
}
