// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/amqp1/types"
)

// link holds the state shared by senders and receivers.
type link[E any] struct {
	endpoint[E]

	session *Session
	name    string
	role    performatives.Role
	handle  uint32

	handleAssigned bool
	attachSent     bool
	detachSent     bool
	closing        bool

	source         *performatives.Source
	target         performatives.TargetTerminus
	sndSettleMode  *uint8
	rcvSettleMode  *uint8
	maxMessageSize uint64

	offeredCapabilities []types.Symbol
	desiredCapabilities []types.Symbol
	properties          map[types.Symbol]any

	remoteAttach       *performatives.Attach
	remoteHandle       uint32
	refused            bool
	remoteDetachClosed bool

	deliveryCount uint32
	credit        uint32
	drain         bool

	detachHandler func(E)
	creditHandler func(E)

	// afterAttach runs right after the Attach frame is written.
	afterAttach func() error
}

func (l *link[E]) init(self E, s *Session, name string, role performatives.Role) {
	l.self = self
	l.session = s
	l.name = name
	l.role = role
}

// Name returns the link name.
func (l *link[E]) Name() string { return l.name }

// Handle returns the local handle, valid once the link is opened.
func (l *link[E]) Handle() uint32 { return l.handle }

// Session returns the owning session.
func (l *link[E]) Session() *Session { return l.session }

func (l *link[E]) Source() *performatives.Source        { return l.source }
func (l *link[E]) Target() performatives.TargetTerminus { return l.target }

// SetSource sets the source terminus sent in Attach.
func (l *link[E]) SetSource(src *performatives.Source) error {
	if l.local != StateUninitialized {
		return illegalState("cannot change source of an opened link")
	}
	l.source = src
	return nil
}

// SetTarget sets the target terminus sent in Attach.
func (l *link[E]) SetTarget(tgt performatives.TargetTerminus) error {
	if l.local != StateUninitialized {
		return illegalState("cannot change target of an opened link")
	}
	l.target = tgt
	return nil
}

// SetSenderSettleMode sets the snd-settle-mode requested in Attach.
func (l *link[E]) SetSenderSettleMode(mode uint8) error {
	if l.local != StateUninitialized {
		return illegalState("cannot change settle mode of an opened link")
	}
	l.sndSettleMode = &mode
	return nil
}

// SetReceiverSettleMode sets the rcv-settle-mode requested in Attach.
func (l *link[E]) SetReceiverSettleMode(mode uint8) error {
	if l.local != StateUninitialized {
		return illegalState("cannot change settle mode of an opened link")
	}
	l.rcvSettleMode = &mode
	return nil
}

// SenderSettleMode returns the negotiated snd-settle-mode: the sender's
// choice wins, and the default is unsettled.
func (l *link[E]) SenderSettleMode() uint8 {
	mode := l.sndSettleMode
	if l.role == performatives.RoleReceiver && l.remoteAttach != nil {
		mode = l.remoteAttach.SndSettleMode
	}
	if mode == nil {
		return performatives.SndUnsettled
	}
	return *mode
}

// ReceiverSettleMode returns the negotiated rcv-settle-mode: the
// receiver's choice wins, and the default is first.
func (l *link[E]) ReceiverSettleMode() uint8 {
	mode := l.rcvSettleMode
	if l.role == performatives.RoleSender && l.remoteAttach != nil {
		mode = l.remoteAttach.RcvSettleMode
	}
	if mode == nil {
		return performatives.RcvFirst
	}
	return *mode
}

func (l *link[E]) SetMaxMessageSize(n uint64)                 { l.maxMessageSize = n }
func (l *link[E]) SetOfferedCapabilities(caps []types.Symbol) { l.offeredCapabilities = caps }
func (l *link[E]) SetDesiredCapabilities(caps []types.Symbol) { l.desiredCapabilities = caps }
func (l *link[E]) SetProperties(props map[types.Symbol]any)   { l.properties = props }

// Remote returns the peer's Attach, or nil before it arrived.
func (l *link[E]) Remote() *performatives.Attach { return l.remoteAttach }

// RemoteSource returns the source granted by the peer.
func (l *link[E]) RemoteSource() *performatives.Source {
	if l.remoteAttach == nil {
		return nil
	}
	return l.remoteAttach.Source
}

// RemoteTarget returns the target granted by the peer.
func (l *link[E]) RemoteTarget() performatives.TargetTerminus {
	if l.remoteAttach == nil {
		return nil
	}
	return l.remoteAttach.Target
}

// Credit returns the current link credit.
func (l *link[E]) Credit() uint32 { return l.credit }

// DeliveryCount returns the link delivery count.
func (l *link[E]) DeliveryCount() uint32 { return l.deliveryCount }

// IsDrain reports whether a drain is in progress.
func (l *link[E]) IsDrain() bool { return l.drain }

// OnDetach registers the handler fired when the peer detaches without
// closing. Without it the close handler fires instead.
func (l *link[E]) OnDetach(fn func(E)) { l.detachHandler = fn }

// OnCreditUpdated registers the handler fired when a Flow from the peer
// updates the link's credit state.
func (l *link[E]) OnCreditUpdated(fn func(E)) { l.creditHandler = fn }

// FailureCause returns why the peer closed or refused the link.
func (l *link[E]) FailureCause() error {
	if l.refused {
		return &LinkRefusedError{Link: l.name, Condition: l.remoteCondition}
	}
	if l.remote == StateClosed {
		return &RemoteClosedError{Endpoint: "link " + l.name, Condition: l.remoteCondition}
	}
	return nil
}

func (l *link[E]) linkRole() performatives.Role { return l.role }
func (l *link[E]) localHandle() uint32          { return l.handle }
func (l *link[E]) isRemotelyAttached() bool     { return l.remote != StateUninitialized }

func (l *link[E]) engine() *Engine { return l.session.conn.engine }

// checkActive guards operations requiring a locally open link.
func (l *link[E]) checkActive() error {
	if err := l.engine().checkUsable(); err != nil {
		return err
	}
	if l.local != StateActive {
		return illegalState("link %q is not open", l.name)
	}
	if l.refused {
		return l.FailureCause()
	}
	return nil
}

func (l *link[E]) open() error {
	e := l.engine()
	if err := e.checkUsable(); err != nil {
		return err
	}
	switch l.local {
	case StateActive:
		return nil
	case StateClosed:
		return illegalState("link %q already closed", l.name)
	}
	if l.session.local != StateActive {
		return illegalState("session is not open")
	}
	h, err := l.session.allocateHandle()
	if err != nil {
		return err
	}
	l.handle = h
	l.handleAssigned = true
	l.session.links[h] = any(l.self).(linkEndpoint)
	l.setLocalOpen()
	e.stats.IncrementLinks()
	if m := e.metrics; m != nil {
		m.RecordLinkAttached()
	}
	return l.session.conn.whenOpen(l.writeAttach)
}

func (l *link[E]) writeAttach() error {
	if !l.session.canWrite() {
		return nil
	}
	attach := &performatives.Attach{
		Name:                l.name,
		Handle:              l.handle,
		Role:                l.role,
		SndSettleMode:       l.sndSettleMode,
		RcvSettleMode:       l.rcvSettleMode,
		Source:              l.source,
		Target:              l.target,
		MaxMessageSize:      l.maxMessageSize,
		OfferedCapabilities: l.offeredCapabilities,
		DesiredCapabilities: l.desiredCapabilities,
		Properties:          l.properties,
	}
	if l.role == performatives.RoleSender {
		attach.InitialDeliveryCount = l.deliveryCount
	}
	if err := l.engine().writeFrame(l.session.channel, attach, nil); err != nil {
		return err
	}
	l.attachSent = true
	if l.afterAttach != nil {
		return l.afterAttach()
	}
	return nil
}

// whenAttached runs fn once the Attach frame is written. Nothing runs for a
// link that is not open.
func (l *link[E]) whenAttached(fn func() error) error {
	if l.attachSent {
		return fn()
	}
	if l.local != StateActive {
		return nil
	}
	return l.session.conn.whenOpen(func() error {
		if !l.attachSent {
			return nil
		}
		return fn()
	})
}

// close detaches the link, closing it when closing is set.
func (l *link[E]) close(closing bool) error {
	e := l.engine()
	if skip, err := e.checkClosable(); skip || err != nil {
		return err
	}
	if l.local == StateClosed {
		return nil
	}
	opened := l.local == StateActive
	l.closing = closing
	l.setLocalClosed()
	if !opened {
		return nil
	}
	l.linkClosed()
	return l.session.conn.whenOpen(l.writeDetach)
}

func (l *link[E]) writeDetach() error {
	if l.detachSent || !l.attachSent || !l.session.canWrite() {
		l.release()
		return nil
	}
	l.detachSent = true
	err := l.engine().writeFrame(l.session.channel, &performatives.Detach{
		Handle: l.handle,
		Closed: l.closing,
		Error:  l.condition,
	}, nil)
	l.release()
	return err
}

func (l *link[E]) writeFlow(f *performatives.Flow) error {
	h := l.handle
	dc := l.deliveryCount
	credit := l.credit
	f.Handle = &h
	f.DeliveryCount = &dc
	f.LinkCredit = &credit
	return l.session.writeFlow(f)
}

func (l *link[E]) linkClosed() {
	e := l.engine()
	e.stats.DecrementLinks()
	if m := e.metrics; m != nil {
		m.RecordLinkDetached()
	}
}

// release frees the local handle once both sides detached.
func (l *link[E]) release() {
	if !l.handleAssigned || l.local != StateClosed || l.remote == StateActive {
		return
	}
	if cur, ok := l.session.links[l.handle]; ok && cur == any(l.self).(linkEndpoint) {
		delete(l.session.links, l.handle)
	}
	l.handleAssigned = false
}

// handleAttach records the peer's Attach. A peer answering without the
// terminus this side needs refuses the link; its Detach follows.
func (l *link[E]) handleAttach(a *performatives.Attach) error {
	l.remoteAttach = a
	l.remoteHandle = a.Handle
	if l.local != StateUninitialized {
		if l.role == performatives.RoleSender && a.Target == nil {
			l.refused = true
		}
		if l.role == performatives.RoleReceiver && a.Source == nil {
			l.refused = true
		}
	}
	if l.role == performatives.RoleReceiver {
		l.deliveryCount = a.InitialDeliveryCount
	}
	l.setRemoteOpen()
	return nil
}

func (l *link[E]) handleDetach(d *performatives.Detach) {
	l.setRemoteClosed(d.Error)
	l.remoteDetachClosed = d.Closed
	if d.Error != nil {
		l.engine().logger.Warn("link detached by peer", "link", l.name, "closed", d.Closed, "error", d.Error)
	}
	if !d.Closed && l.detachHandler != nil {
		l.detachHandler(l.self)
	} else {
		fire(l.remoteCloseHandler, l.self)
	}
	l.release()
}

func (l *link[E]) parentClosed() {
	wasOpen := l.local == StateActive
	l.markParentClosed()
	if wasOpen {
		l.linkClosed()
	}
	if l.handleAssigned {
		delete(l.session.links, l.handle)
		l.handleAssigned = false
	}
}

func (l *link[E]) parentRemotelyClosed() {
	if l.remote != StateClosed {
		l.setRemoteClosed(nil)
	}
	l.parentClosed()
}

// refuseLink answers a peer initiated attach nobody accepted: it attaches
// without a terminus and closes the link.
func refuseLink[E any](l *link[E], reason string) error {
	l.engine().logger.Warn("refusing link attached by peer", "link", l.name, "reason", reason)
	l.source, l.target = nil, nil
	l.condition = amqpError(performatives.ErrNotAllowed, reason)
	if err := l.open(); err != nil {
		return err
	}
	return l.close(true)
}
