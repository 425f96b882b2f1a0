// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import "github.com/absmach/fluxamqp/amqp1/performatives"

// EndpointState is the state of one side of an endpoint. Every endpoint
// tracks a local and a remote state independently.
type EndpointState int

// Endpoint states.
const (
	StateUninitialized EndpointState = iota
	StateActive
	StateClosed
)

func (s EndpointState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// endpoint holds the lifecycle state and handler slots shared by
// connections, sessions and links. Registering a handler replaces any
// previous one.
type endpoint[E any] struct {
	self E

	local  EndpointState
	remote EndpointState

	condition       *performatives.Error
	remoteCondition *performatives.Error
	attachment      any

	localOpenHandler    func(E)
	localCloseHandler   func(E)
	remoteOpenHandler   func(E)
	remoteCloseHandler  func(E)
	parentClosedHandler func(E)
	parentClosed        bool
}

// LocalState returns the local lifecycle state.
func (e *endpoint[E]) LocalState() EndpointState { return e.local }

// RemoteState returns the remote lifecycle state.
func (e *endpoint[E]) RemoteState() EndpointState { return e.remote }

func (e *endpoint[E]) IsLocallyOpen() bool    { return e.local == StateActive }
func (e *endpoint[E]) IsLocallyClosed() bool  { return e.local == StateClosed }
func (e *endpoint[E]) IsRemotelyOpen() bool   { return e.remote == StateActive }
func (e *endpoint[E]) IsRemotelyClosed() bool { return e.remote == StateClosed }

// Condition returns the error sent to the peer when the endpoint closes.
func (e *endpoint[E]) Condition() *performatives.Error { return e.condition }

// SetCondition sets the error sent to the peer when the endpoint closes.
func (e *endpoint[E]) SetCondition(cond *performatives.Error) { e.condition = cond }

// RemoteCondition returns the error the peer sent when closing.
func (e *endpoint[E]) RemoteCondition() *performatives.Error { return e.remoteCondition }

// Attachment returns the application value linked to the endpoint.
func (e *endpoint[E]) Attachment() any { return e.attachment }

// SetAttachment links an application value to the endpoint.
func (e *endpoint[E]) SetAttachment(v any) { e.attachment = v }

func (e *endpoint[E]) OnLocalOpen(fn func(E))    { e.localOpenHandler = fn }
func (e *endpoint[E]) OnLocalClose(fn func(E))   { e.localCloseHandler = fn }
func (e *endpoint[E]) OnRemoteOpen(fn func(E))   { e.remoteOpenHandler = fn }
func (e *endpoint[E]) OnRemoteClose(fn func(E))  { e.remoteCloseHandler = fn }
func (e *endpoint[E]) OnParentClosed(fn func(E)) { e.parentClosedHandler = fn }

func (e *endpoint[E]) setLocalOpen() {
	e.local = StateActive
	fire(e.localOpenHandler, e.self)
}

func (e *endpoint[E]) setLocalClosed() {
	e.local = StateClosed
	fire(e.localCloseHandler, e.self)
}

func (e *endpoint[E]) setRemoteOpen() {
	e.remote = StateActive
	fire(e.remoteOpenHandler, e.self)
}

// setRemoteClosed records the remote close. Callers fire the handler since
// links route detaches separately.
func (e *endpoint[E]) setRemoteClosed(cond *performatives.Error) {
	e.remote = StateClosed
	e.remoteCondition = cond
}

// markParentClosed closes the endpoint locally without a wire frame and
// notifies the application once.
func (e *endpoint[E]) markParentClosed() {
	if e.local != StateClosed {
		e.local = StateClosed
	}
	if e.parentClosed {
		return
	}
	e.parentClosed = true
	fire(e.parentClosedHandler, e.self)
}

func fire[E any](fn func(E), v E) {
	if fn != nil {
		fn(v)
	}
}
