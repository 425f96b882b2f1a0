// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"

	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/amqp1/types"
)

var (
	// ErrIllegalState is returned when an operation is not allowed in the
	// current local state of an endpoint or delivery.
	ErrIllegalState = errors.New("illegal state")
	// ErrEngineFailed is wrapped by every error returned after the engine
	// has failed.
	ErrEngineFailed = errors.New("engine failed")
	// ErrEngineShutdown is returned by non close operations after Shutdown.
	ErrEngineShutdown = errors.New("engine is shut down")
	// ErrAllocationRefused is wrapped when the remote peer refuses a link.
	ErrAllocationRefused = errors.New("link allocation refused")
	// ErrRemoteClosed is wrapped when the remote peer closed an endpoint.
	ErrRemoteClosed = errors.New("endpoint closed by remote peer")
	// ErrSASLFailed is returned when the SASL exchange does not succeed.
	ErrSASLFailed = errors.New("sasl authentication failed")
	// ErrIdleTimeout is the failure cause when the remote peer stays silent
	// beyond the local idle timeout.
	ErrIdleTimeout = errors.New("local idle timeout expired")
)

// EngineFailedError reports the cause of an engine failure.
type EngineFailedError struct {
	Cause error
}

func (e *EngineFailedError) Error() string {
	if e.Cause == nil {
		return ErrEngineFailed.Error()
	}
	return fmt.Sprintf("%s: %v", ErrEngineFailed, e.Cause)
}

func (e *EngineFailedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrEngineFailed}
	}
	return []error{ErrEngineFailed, e.Cause}
}

// RemoteClosedError carries the error condition the remote peer sent when
// closing an endpoint. Condition is nil when the peer gave none.
type RemoteClosedError struct {
	Endpoint  string
	Condition *performatives.Error
}

func (e *RemoteClosedError) Error() string {
	if e.Condition == nil {
		return fmt.Sprintf("%s closed by remote peer", e.Endpoint)
	}
	return fmt.Sprintf("%s closed by remote peer: %v", e.Endpoint, e.Condition)
}

func (e *RemoteClosedError) Unwrap() error { return ErrRemoteClosed }

// LinkRefusedError is reported when the peer answers an attach without the
// requested terminus.
type LinkRefusedError struct {
	Link      string
	Condition *performatives.Error
}

func (e *LinkRefusedError) Error() string {
	if e.Condition == nil {
		return fmt.Sprintf("link %q refused by remote peer", e.Link)
	}
	return fmt.Sprintf("link %q refused by remote peer: %v", e.Link, e.Condition)
}

func (e *LinkRefusedError) Unwrap() error { return ErrAllocationRefused }

// SASLError reports a non successful SASL outcome.
type SASLError struct {
	Code uint8
}

func (e *SASLError) Error() string {
	return fmt.Sprintf("%s: outcome code %d", ErrSASLFailed, e.Code)
}

func (e *SASLError) Unwrap() error { return ErrSASLFailed }

func illegalState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalState, fmt.Sprintf(format, args...))
}

func amqpError(condition types.Symbol, description string) *performatives.Error {
	return &performatives.Error{Condition: condition, Description: description}
}
