// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frames

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation is the root of every framing failure.
	ErrProtocolViolation = errors.New("amqp protocol violation")
	// ErrFrameTooLarge is returned by the encoder when a frame cannot fit
	// the negotiated maximum frame size.
	ErrFrameTooLarge = errors.New("frame exceeds maximum frame size")
)

// ProtocolError describes a framing violation. Err holds the decode failure
// that caused it, if any.
type ProtocolError struct {
	Msg string
	Err error
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProtocolViolation, e.Err}
	}
	return []error{ErrProtocolViolation}
}
