// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/fluxamqp/amqp1/engine"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultReadBufferSize = 8192
	defaultWriteTimeout   = 60 * time.Second
	// idleWait bounds the wait between ticks when no timeout is active.
	idleWait = time.Second
)

// ErrClosed is returned by Do once the connection was closed.
var ErrClosed = errors.New("transport closed")

// Conn drives an engine over a network connection. Every engine call is
// made with the connection lock held, so the engine is never used by two
// goroutines at once, and output is written to the socket in the order the
// engine produced it.
type Conn struct {
	nc     net.Conn
	engine *engine.Engine
	logger *slog.Logger
	tracer trace.Tracer

	readBufferSize int
	writeTimeout   time.Duration

	mu       sync.Mutex
	writeErr error
	closed   bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger. slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer records the connection lifetime as a span. No span is
// recorded without a tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Conn) { c.tracer = t }
}

// WithReadBufferSize sets the size of the socket read buffer.
func WithReadBufferSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.readBufferSize = n
		}
	}
}

// WithWriteTimeout bounds every socket write. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

// New binds e to nc. The engine's output handler is replaced by a socket
// writer.
func New(nc net.Conn, e *engine.Engine, opts ...Option) *Conn {
	c := &Conn{
		nc:             nc,
		engine:         e,
		logger:         slog.Default(),
		readBufferSize: defaultReadBufferSize,
		writeTimeout:   defaultWriteTimeout,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	e.OnOutput(c.write)
	return c
}

// Engine returns the driven engine. It must only be used inside Do.
func (c *Conn) Engine() *engine.Engine { return c.engine }

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Do runs fn with exclusive access to the engine. A socket write failure
// raised while fn runs fails the engine and is returned.
func (c *Conn) Do(fn func(e *engine.Engine) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	err := fn(c.engine)
	if werr := c.checkWrite(); werr != nil {
		return werr
	}
	c.notify()
	return err
}

// Run reads from the socket and ticks the engine until the AMQP connection
// is closed by both sides, the engine fails, the socket fails or ctx is
// done. The engine is started before the first read if it was not started
// yet. The socket is closed and the engine shut down before Run returns.
func (c *Conn) Run(ctx context.Context) (err error) {
	if err := c.start(); err != nil {
		c.Close()
		return err
	}
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "amqp.connection",
			trace.WithAttributes(attribute.String("net.peer.addr", c.nc.RemoteAddr().String())))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	readDone := make(chan error, 1)
	go func() { readDone <- c.readLoop() }()

	timer := time.NewTimer(c.tick(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			<-readDone
			return ctx.Err()
		case err := <-readDone:
			c.Close()
			return err
		case <-c.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.tick(ctx))
	}
}

// Close closes the socket and shuts the engine down. It does not send an
// AMQP Close; close the engine connection through Do first for that.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.engine.Shutdown()
		c.mu.Unlock()
		err = c.nc.Close()
		close(c.done)
	})
	return err
}

// Done is closed once the connection was closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// start makes sure input from the peer always reaches a started engine.
func (c *Conn) start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.engine.Connection() != nil {
		return nil
	}
	_, err := c.engine.Start()
	return err
}

func (c *Conn) readLoop() error {
	buf := make([]byte, c.readBufferSize)
	for {
		n, rerr := c.nc.Read(buf)
		if n > 0 {
			finished, err := c.ingest(buf[:n])
			if err != nil || finished {
				return err
			}
		}
		if rerr != nil {
			return c.readFailed(rerr)
		}
	}
}

// ingest feeds p to the engine and reports whether the AMQP connection
// finished.
func (c *Conn) ingest(p []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true, nil
	}
	err := c.engine.Ingest(p)
	if werr := c.checkWrite(); werr != nil {
		return true, werr
	}
	if err != nil {
		c.logger.Warn("amqp connection failed", slog.String("remote", c.nc.RemoteAddr().String()), slog.String("error", err.Error()))
		return true, err
	}
	c.notify()
	return c.finished(), nil
}

func (c *Conn) readFailed(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished() {
		return nil
	}
	if c.closed {
		return c.engine.FailureCause()
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return c.engine.EngineFailed(err)
}

// finished reports whether both sides closed the AMQP connection.
func (c *Conn) finished() bool {
	conn := c.engine.Connection()
	return conn != nil && conn.IsLocallyClosed() && conn.IsRemotelyClosed()
}

// tick drives the engine idle timeout and returns the wait until the next
// tick.
func (c *Conn) tick(ctx context.Context) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return idleWait
	}
	now := time.Now()
	next, err := c.engine.Tick(now)
	if werr := c.checkWrite(); werr != nil {
		err = werr
	}
	if err != nil {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.AddEvent("engine failed", trace.WithAttributes(attribute.String("error", err.Error())))
		}
		// A failed engine stops the read loop on its next input; close the
		// socket so it does not wait for one.
		go c.Close()
		return idleWait
	}
	if next.IsZero() {
		return idleWait
	}
	return max(next.Sub(now), time.Millisecond)
}

func (c *Conn) write(p []byte) {
	if c.writeErr != nil {
		return
	}
	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.nc.Write(p); err != nil {
		c.writeErr = err
	}
}

// checkWrite fails the engine after a socket write error.
func (c *Conn) checkWrite() error {
	if c.writeErr == nil {
		return nil
	}
	if c.engine.IsRunning() {
		c.logger.Warn("amqp socket write failed", slog.String("remote", c.nc.RemoteAddr().String()), slog.String("error", c.writeErr.Error()))
		return c.engine.EngineFailed(c.writeErr)
	}
	return c.engine.FailureCause()
}

func (c *Conn) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
