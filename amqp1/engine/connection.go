// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/absmach/fluxamqp/amqp1/frames"
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/amqp1/types"
)

// Connection is the connection endpoint of an Engine. Frames for sessions
// opened before the Open frame could be written are queued and written in
// the order they were requested once it is.
type Connection struct {
	endpoint[*Connection]

	engine *Engine

	containerID         string
	hostname            string
	offeredCapabilities []types.Symbol
	desiredCapabilities []types.Symbol
	properties          map[types.Symbol]any

	openRequested bool
	openSent      bool
	closeSent     bool
	deferred      []func() error

	remoteOpen *performatives.Open

	sessions       map[uint16]*Session
	remoteSessions map[uint16]*Session

	remoteSessionHandler func(*Session)
	shutdownHandler      func(*Connection)
}

func newConnection(e *Engine) *Connection {
	c := &Connection{
		engine:              e,
		containerID:         e.cfg.ContainerID,
		hostname:            e.cfg.Hostname,
		offeredCapabilities: e.cfg.OfferedCapabilities,
		desiredCapabilities: e.cfg.DesiredCapabilities,
		properties:          e.cfg.Properties,
		sessions:            make(map[uint16]*Session),
		remoteSessions:      make(map[uint16]*Session),
	}
	c.self = c
	return c
}

// Engine returns the owning engine.
func (c *Connection) Engine() *Engine { return c.engine }

func (c *Connection) ContainerID() string { return c.containerID }
func (c *Connection) Hostname() string    { return c.hostname }

// SetContainerID changes the container id before the connection is opened.
func (c *Connection) SetContainerID(id string) error {
	if c.local != StateUninitialized {
		return illegalState("cannot set container id once the connection is opened")
	}
	c.containerID = id
	return nil
}

// SetHostname changes the hostname before the connection is opened.
func (c *Connection) SetHostname(host string) error {
	if c.local != StateUninitialized {
		return illegalState("cannot set hostname once the connection is opened")
	}
	c.hostname = host
	return nil
}

func (c *Connection) SetOfferedCapabilities(caps []types.Symbol) { c.offeredCapabilities = caps }
func (c *Connection) SetDesiredCapabilities(caps []types.Symbol) { c.desiredCapabilities = caps }
func (c *Connection) SetProperties(props map[types.Symbol]any)   { c.properties = props }

// Remote returns the peer's Open, or nil before it arrived.
func (c *Connection) Remote() *performatives.Open { return c.remoteOpen }

// RemoteContainerID returns the peer container id.
func (c *Connection) RemoteContainerID() string {
	if c.remoteOpen == nil {
		return ""
	}
	return c.remoteOpen.ContainerID
}

// OnRemoteSession registers the handler for sessions begun by the peer.
// The handler opens the session to accept it.
func (c *Connection) OnRemoteSession(fn func(*Session)) { c.remoteSessionHandler = fn }

// OnEngineShutdown registers the handler fired by Engine.Shutdown.
func (c *Connection) OnEngineShutdown(fn func(*Connection)) { c.shutdownHandler = fn }

// FailureCause returns the error the peer closed the connection with.
func (c *Connection) FailureCause() error {
	if c.remote != StateClosed {
		return nil
	}
	return &RemoteClosedError{Endpoint: "connection", Condition: c.remoteCondition}
}

// Open opens the connection. The protocol header is written first and the
// Open frame follows once the header exchange allows it.
func (c *Connection) Open() error {
	if err := c.engine.checkUsable(); err != nil {
		return err
	}
	switch c.local {
	case StateActive:
		return nil
	case StateClosed:
		return illegalState("connection already closed")
	}
	c.openRequested = true
	c.setLocalOpen()
	c.engine.startOutput()
	return c.tryWriteOpen()
}

// Close closes the connection and every session on it. Calling Close again
// does nothing.
func (c *Connection) Close() error {
	if skip, err := c.engine.checkClosable(); skip || err != nil {
		return err
	}
	if c.local == StateClosed {
		return nil
	}
	c.local = StateClosed
	for _, s := range c.sortedSessions() {
		s.parentClosed()
	}
	fire(c.localCloseHandler, c)
	if !c.openSent {
		return nil
	}
	return c.writeClose()
}

// Session creates a session on the connection. The session is opened with
// Session.Open.
func (c *Connection) Session() (*Session, error) {
	if err := c.engine.checkUsable(); err != nil {
		return nil, err
	}
	if c.local == StateClosed {
		return nil, illegalState("connection closed")
	}
	ch, err := c.allocateChannel()
	if err != nil {
		return nil, err
	}
	return newSession(c, ch), nil
}

func (c *Connection) allocateChannel() (uint16, error) {
	max := c.engine.cfg.ChannelMax
	if c.remoteOpen != nil && c.remoteOpen.ChannelMax > 0 && c.remoteOpen.ChannelMax < max {
		max = c.remoteOpen.ChannelMax
	}
	for ch := uint32(0); ch <= uint32(max); ch++ {
		if _, ok := c.sessions[uint16(ch)]; !ok {
			return uint16(ch), nil
		}
	}
	return 0, illegalState("no free channel within channel-max %d", max)
}

// whenOpen runs fn now when the Open frame is written, or queues it.
func (c *Connection) whenOpen(fn func() error) error {
	if c.openSent {
		return fn()
	}
	c.deferred = append(c.deferred, fn)
	return nil
}

// tryWriteOpen writes the Open frame once the header exchange completed,
// followed by queued frames.
func (c *Connection) tryWriteOpen() error {
	e := c.engine
	if !c.openRequested || c.openSent || !e.headerSent || e.sasl.required() {
		return nil
	}
	open := &performatives.Open{
		ContainerID:         c.containerID,
		Hostname:            c.hostname,
		MaxFrameSize:        e.cfg.MaxFrameSize,
		ChannelMax:          e.cfg.ChannelMax,
		IdleTimeOut:         uint32(e.cfg.IdleTimeout / time.Millisecond),
		OfferedCapabilities: c.offeredCapabilities,
		DesiredCapabilities: c.desiredCapabilities,
		Properties:          c.properties,
	}
	if err := e.writeFrame(0, open, nil); err != nil {
		return err
	}
	c.openSent = true

	deferred := c.deferred
	c.deferred = nil
	for _, fn := range deferred {
		if err := fn(); err != nil {
			return err
		}
	}
	if c.local == StateClosed && !c.closeSent {
		return c.writeClose()
	}
	return nil
}

func (c *Connection) writeClose() error {
	if c.closeSent {
		return nil
	}
	c.closeSent = true
	return c.engine.writeFrame(0, &performatives.Close{Error: c.condition}, nil)
}

// closeOnFailure sends Close with cond when the connection is still able
// to carry it. It is used right before the engine fails.
func (c *Connection) closeOnFailure(cond *performatives.Error) {
	if c.closeSent || !c.openSent {
		return
	}
	c.condition = cond
	c.local = StateClosed
	c.closeSent = true
	if err := c.engine.encoder.WriteFrame(c.engine.out, frames.TypeAMQP, 0, &performatives.Close{Error: cond}, nil); err != nil {
		c.engine.logger.Warn("failed to send close", "error", err)
		return
	}
	c.engine.stats.IncrementFramesSent()
}

func (c *Connection) remoteIdleTimeout() time.Duration {
	if c.remoteOpen == nil {
		return 0
	}
	return time.Duration(c.remoteOpen.IdleTimeOut) * time.Millisecond
}

func (c *Connection) handleFrame(channel uint16, body performatives.Performative, payload []byte) error {
	switch p := body.(type) {
	case *performatives.Open:
		return c.handleOpen(p)
	case *performatives.Close:
		c.handleClose(p)
		return nil
	case *performatives.Begin:
		return c.handleBegin(channel, p)
	}
	if c.remoteOpen == nil {
		return &frames.ProtocolError{Msg: fmt.Sprintf("%s received before open", performatives.Name(body))}
	}
	s := c.remoteSessions[channel]
	if s == nil {
		return &frames.ProtocolError{Msg: fmt.Sprintf("%s received on unattached channel %d", performatives.Name(body), channel)}
	}
	return s.handleFrame(body, payload)
}

func (c *Connection) handleOpen(open *performatives.Open) error {
	if c.remoteOpen != nil {
		return &frames.ProtocolError{Msg: "duplicate open received"}
	}
	c.remoteOpen = open

	limit := c.engine.cfg.OutboundMaxFrameSize
	if open.MaxFrameSize > 0 && (limit == 0 || open.MaxFrameSize < limit) {
		limit = open.MaxFrameSize
	}
	c.engine.encoder.SetMaxFrameSize(limit)

	c.engine.logger.Debug("connection opened by peer",
		"remote_container_id", open.ContainerID,
		"max_frame_size", limit,
		"idle_timeout_ms", open.IdleTimeOut)
	c.setRemoteOpen()
	return nil
}

func (c *Connection) handleClose(cl *performatives.Close) {
	c.setRemoteClosed(cl.Error)
	if cl.Error != nil {
		c.engine.logger.Warn("connection closed by peer", "error", cl.Error)
	}
	for _, s := range c.sortedSessions() {
		s.parentRemotelyClosed()
	}
	fire(c.remoteCloseHandler, c)
}

// sortedSessions returns the sessions in channel order.
func (c *Connection) sortedSessions() []*Session {
	sessions := make([]*Session, 0, len(c.sessions))
	for _, ch := range slices.Sorted(maps.Keys(c.sessions)) {
		sessions = append(sessions, c.sessions[ch])
	}
	return sessions
}

func (c *Connection) handleBegin(channel uint16, begin *performatives.Begin) error {
	if c.remoteOpen == nil {
		return &frames.ProtocolError{Msg: "begin received before open"}
	}
	if _, ok := c.remoteSessions[channel]; ok {
		return &frames.ProtocolError{Msg: fmt.Sprintf("begin received on channel %d already in use", channel)}
	}

	if begin.RemoteChannel != nil {
		s := c.sessions[*begin.RemoteChannel]
		if s == nil || s.remote != StateUninitialized {
			return &frames.ProtocolError{Msg: fmt.Sprintf("begin answers unknown channel %d", *begin.RemoteChannel)}
		}
		s.handleBegin(channel, begin)
		return nil
	}

	ch, err := c.allocateChannel()
	if err != nil {
		return err
	}
	s := newSession(c, ch)
	s.handleBegin(channel, begin)
	if c.remoteSessionHandler != nil {
		c.remoteSessionHandler(s)
		return nil
	}
	c.engine.logger.Warn("refusing session begun by peer: no handler registered", "channel", channel)
	s.SetCondition(amqpError(performatives.ErrNotAllowed, "remotely initiated sessions are not accepted"))
	if err := s.Open(); err != nil {
		return err
	}
	return s.Close()
}
