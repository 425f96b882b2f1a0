// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "errors"

// ErrDecode is the root of every decoding failure.
var ErrDecode = errors.New("amqp decode error")

var (
	// ErrShortBuffer reports a read past the readable region.
	ErrShortBuffer = &decodeError{"insufficient data"}
	// ErrUnknownType reports an unsupported constructor code.
	ErrUnknownType = &decodeError{"unknown AMQP type code"}
	// ErrInvalidSize reports a size or count inconsistent with the buffer.
	ErrInvalidSize = &decodeError{"invalid encoded size"}
	// ErrUnexpectedType reports a well-formed value of the wrong type.
	ErrUnexpectedType = &decodeError{"unexpected AMQP type"}
	// ErrMissingField reports an absent mandatory composite field.
	ErrMissingField = &decodeError{"mandatory field missing"}
)

type decodeError struct {
	msg string
}

func (e *decodeError) Error() string { return e.msg }

func (e *decodeError) Unwrap() error { return ErrDecode }
