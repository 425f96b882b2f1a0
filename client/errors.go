// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	ErrNoURL            = errors.New("no peer URL configured")
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrConnectionLost   = errors.New("connection lost")
	ErrLinkClosed       = errors.New("link closed by peer")
	ErrRejected         = errors.New("delivery rejected")
	ErrReleased         = errors.New("delivery released")
	ErrModified         = errors.New("delivery modified")
	ErrInvalidAddress   = errors.New("address cannot be empty")
	ErrNilHandler       = errors.New("handler cannot be nil")
	ErrNilMessage       = errors.New("message cannot be nil")
	ErrInvalidMechanism = errors.New("unsupported SASL mechanism")
)
