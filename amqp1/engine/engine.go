// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/fluxamqp/amqp1/frames"
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/amqp1/types"
	"github.com/google/uuid"
)

type engineState int

const (
	engineRunning engineState = iota
	engineFailed
	engineShutdown
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records engine activity on m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine is a sans-I/O AMQP 1.0 protocol engine. It consumes peer bytes
// through Ingest and produces bytes through the output handler. It starts
// no goroutines and is not safe for concurrent use: every call, including
// handler callbacks, must come from a single logical owner.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	stats   *Stats

	decoder *frames.Decoder
	encoder *frames.Encoder
	out     *types.Buffer

	autoFlush     bool
	ingesting     bool
	outputHandler func([]byte)
	errorHandler  func(error)

	state   engineState
	failure error

	conn *Connection
	sasl *saslExchange

	headerSent       bool
	remoteHeaderSeen bool

	lastInput  time.Time
	lastOutput time.Time
}

// New creates an engine for one connection.
func New(cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	if cfg.ContainerID == "" {
		cfg.ContainerID = uuid.NewString()
	}
	e := &Engine{
		cfg:       cfg,
		logger:    slog.Default(),
		stats:     NewStats(),
		encoder:   frames.NewEncoder(cfg.OutboundMaxFrameSize),
		out:       types.NewBuffer(1024),
		autoFlush: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.decoder = frames.NewDecoder(e, cfg.MaxFrameSize)
	e.sasl = newSASLExchange(e)
	return e
}

// Config returns the effective engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Stats returns the engine counters.
func (e *Engine) Stats() *Stats { return e.stats }

// Start prepares the engine and returns its connection. Calling Start
// again returns the same connection.
func (e *Engine) Start() (*Connection, error) {
	if err := e.checkUsable(); err != nil {
		return nil, err
	}
	if e.conn == nil {
		e.conn = newConnection(e)
		e.logger.Debug("engine started", "container_id", e.cfg.ContainerID)
	}
	return e.conn, nil
}

// Connection returns the connection, or nil before Start.
func (e *Engine) Connection() *Connection { return e.conn }

// OnOutput registers the handler receiving outgoing bytes. The slice is
// only valid during the call.
func (e *Engine) OnOutput(fn func(p []byte)) { e.outputHandler = fn }

// OnError registers the handler notified once when the engine fails.
func (e *Engine) OnError(fn func(err error)) { e.errorHandler = fn }

// SetAutoFlush controls whether output is handed to the output handler as
// soon as it is produced. With auto flush off, output accumulates until
// Flush is called. Enabling it flushes pending output.
func (e *Engine) SetAutoFlush(on bool) {
	e.autoFlush = on
	if on {
		e.Flush()
	}
}

// Flush hands all pending output to the output handler.
func (e *Engine) Flush() {
	if e.out.Len() == 0 || e.outputHandler == nil {
		return
	}
	data := e.out.Bytes()
	e.stats.AddBytesSent(uint64(len(data)))
	if m := e.metrics; m != nil {
		m.RecordBytesSent(int64(len(data)))
	}
	e.outputHandler(data)
	e.out.Reset()
}

// Ingest feeds bytes received from the peer. Handlers fire synchronously
// before Ingest returns. Once the input violates the protocol the engine
// fails and every later call returns the failure.
func (e *Engine) Ingest(p []byte) error {
	if err := e.checkUsable(); err != nil {
		return err
	}
	if e.conn == nil {
		return illegalState("engine not started")
	}
	e.stats.AddBytesReceived(uint64(len(p)))
	if m := e.metrics; m != nil {
		m.RecordBytesReceived(int64(len(p)))
	}
	e.lastInput = time.Now()

	e.ingesting = true
	err := e.decoder.Ingest(p)
	e.ingesting = false
	if err != nil {
		e.inputFailed(err)
	}
	if e.autoFlush {
		e.Flush()
	}
	if e.failure != nil {
		return e.failure
	}
	return err
}

// Tick drives the idle timeout. It sends an empty frame when half the
// peer's idle timeout passed without output and fails the engine when the
// local idle timeout passed without input. It returns the time Tick should
// next be called, or the zero time when no timeout is active.
func (e *Engine) Tick(now time.Time) (time.Time, error) {
	if err := e.checkUsable(); err != nil {
		return time.Time{}, err
	}
	var next time.Time
	if e.conn == nil {
		return next, nil
	}

	if local := e.cfg.IdleTimeout; local > 0 && e.conn.openSent {
		if e.lastInput.IsZero() {
			e.lastInput = now
		}
		deadline := e.lastInput.Add(local)
		if !now.Before(deadline) {
			e.logger.Warn("idle timeout expired", "timeout", local)
			e.conn.closeOnFailure(amqpError(performatives.ErrResourceLimitExceeded, idleTimeoutDescription))
			e.fail(ErrIdleTimeout)
			e.Flush()
			return time.Time{}, e.failure
		}
		next = deadline
	}

	if remote := e.conn.remoteIdleTimeout(); remote > 0 && e.headerSent {
		interval := remote / 2
		if e.lastOutput.IsZero() {
			e.lastOutput = now
		}
		deadline := e.lastOutput.Add(interval)
		if !now.Before(deadline) {
			e.encoder.WriteEmptyFrame(e.out, 0)
			e.lastOutput = now
			e.maybeFlush()
			deadline = now.Add(interval)
		}
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
	}
	return next, nil
}

// EngineFailed fails the engine with cause, as done by a transport that
// lost its connection. Every later operation returns the failure until
// Shutdown.
func (e *Engine) EngineFailed(cause error) error {
	e.fail(cause)
	return e.failure
}

// Shutdown stops the engine. Close operations become no-ops and every other
// operation returns ErrEngineShutdown.
func (e *Engine) Shutdown() {
	if e.state == engineShutdown {
		return
	}
	e.state = engineShutdown
	e.logger.Debug("engine shut down")
	if e.conn != nil {
		fire(e.conn.shutdownHandler, e.conn)
	}
}

func (e *Engine) IsRunning() bool  { return e.state == engineRunning }
func (e *Engine) IsFailed() bool   { return e.state == engineFailed }
func (e *Engine) IsShutdown() bool { return e.state == engineShutdown }

// FailureCause returns the failure, or nil if the engine never failed.
func (e *Engine) FailureCause() error { return e.failure }

func (e *Engine) fail(cause error) {
	if e.state != engineRunning {
		return
	}
	e.state = engineFailed
	e.failure = &EngineFailedError{Cause: cause}
	e.logger.Error("engine failed", "error", cause)
	if m := e.metrics; m != nil {
		m.RecordError("engine")
	}
	if e.errorHandler != nil {
		e.errorHandler(e.failure)
	}
}

// inputFailed handles an error raised while decoding or processing input.
// Protocol violations are reported to the peer with a framing error.
func (e *Engine) inputFailed(err error) {
	if e.state != engineRunning {
		return
	}
	if errors.Is(err, frames.ErrProtocolViolation) || errors.Is(err, types.ErrDecode) {
		e.stats.IncrementProtocolErrors()
		if m := e.metrics; m != nil {
			m.RecordError("protocol")
		}
		e.logger.Warn("protocol violation", "error", err)
		e.conn.closeOnFailure(amqpError(performatives.ErrFramingError, err.Error()))
	}
	e.fail(err)
}

// checkUsable guards operations other than close.
func (e *Engine) checkUsable() error {
	switch e.state {
	case engineFailed:
		return e.failure
	case engineShutdown:
		return ErrEngineShutdown
	}
	return nil
}

// checkClosable guards close operations. It reports skip when the engine
// is shut down and the close must be a no-op.
func (e *Engine) checkClosable() (skip bool, err error) {
	switch e.state {
	case engineFailed:
		return false, e.failure
	case engineShutdown:
		return true, nil
	}
	return false, nil
}

func (e *Engine) maybeFlush() {
	if e.autoFlush && !e.ingesting {
		e.Flush()
	}
}

func (e *Engine) writeHeader(h frames.Header) {
	e.encoder.WriteHeader(e.out, h)
	e.lastOutput = time.Now()
	e.logger.Debug("header sent", "header", h.String())
	e.maybeFlush()
}

func (e *Engine) writeFrame(channel uint16, body performatives.Performative, payload []byte) error {
	if err := e.checkUsable(); err != nil {
		return err
	}
	if err := e.encoder.WriteFrame(e.out, frames.TypeAMQP, channel, body, payload); err != nil {
		e.fail(err)
		return e.failure
	}
	e.frameSent(channel, performatives.Name(body))
	return nil
}

// writeTransferFrame writes one transfer frame and returns the payload
// bytes it carried.
func (e *Engine) writeTransferFrame(channel uint16, t *performatives.Transfer, payload []byte) (int, error) {
	if err := e.checkUsable(); err != nil {
		return 0, err
	}
	n, err := e.encoder.WriteTransferFrame(e.out, channel, t, payload)
	if err != nil {
		e.fail(err)
		return 0, e.failure
	}
	e.frameSent(channel, "transfer")
	return n, nil
}

func (e *Engine) writeSASLFrame(body types.Encodable) error {
	if err := e.encoder.WriteFrame(e.out, frames.TypeSASL, 0, body, nil); err != nil {
		e.fail(err)
		return e.failure
	}
	e.frameSent(0, "sasl")
	return nil
}

func (e *Engine) frameSent(channel uint16, name string) {
	e.lastOutput = time.Now()
	e.stats.IncrementFramesSent()
	if m := e.metrics; m != nil {
		m.RecordFrameSent()
	}
	e.logger.Debug("frame sent", "channel", channel, "performative", name)
	e.maybeFlush()
}

// OnHeader implements frames.Handler.
func (e *Engine) OnHeader(h frames.Header) error {
	e.logger.Debug("header received", "header", h.String())
	if h.IsSASL() {
		return e.sasl.onHeader()
	}
	if e.sasl.required() {
		return &frames.ProtocolError{Msg: "AMQP header received before SASL exchange completed"}
	}
	e.remoteHeaderSeen = true
	if !e.headerSent {
		e.headerSent = true
		e.writeHeader(frames.AMQPHeader)
	}
	return e.conn.tryWriteOpen()
}

// OnFrame implements frames.Handler.
func (e *Engine) OnFrame(f frames.Frame) error {
	e.stats.IncrementFramesReceived()
	if m := e.metrics; m != nil {
		m.RecordFrameReceived()
	}
	if f.Type == frames.TypeSASL {
		e.logger.Debug("sasl frame received")
		return e.sasl.onFrame(f.SASL)
	}
	if f.IsEmpty() {
		e.logger.Debug("empty frame received", "channel", f.Channel)
		return nil
	}
	e.logger.Debug("frame received", "channel", f.Channel, "performative", performatives.Name(f.Body))
	return e.conn.handleFrame(f.Channel, f.Body, f.Payload)
}

// startOutput writes the protocol header this side opens with.
func (e *Engine) startOutput() {
	if e.sasl.startClient() {
		return
	}
	if e.cfg.SASLServer != nil && !e.sasl.done {
		return
	}
	if !e.headerSent {
		e.headerSent = true
		e.writeHeader(frames.AMQPHeader)
	}
}
