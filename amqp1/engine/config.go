// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"math"
	"time"

	"github.com/absmach/fluxamqp/amqp1/types"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxFrameSize    uint32 = 65536
	DefaultChannelMax      uint16 = math.MaxUint16
	DefaultIncomingWindow  uint32 = 2048
	DefaultOutgoingWindow  uint32 = math.MaxUint32
	DefaultHandleMax       uint32 = math.MaxUint32
	minMaxFrameSize        uint32 = 512
	idleTimeoutDescription        = "local idle-timeout expired"
)

// Config configures one Engine instance.
type Config struct {
	// ContainerID is sent in Open. A random id is used when empty.
	ContainerID string
	Hostname    string

	// MaxFrameSize is the largest frame accepted from the peer and is
	// advertised in Open.
	MaxFrameSize uint32
	// OutboundMaxFrameSize caps outgoing frames below what the peer
	// advertises. Zero leaves only the peer's limit.
	OutboundMaxFrameSize uint32
	ChannelMax           uint16
	// IdleTimeout is advertised to the peer; Tick fails the engine when no
	// input arrives for this long. Zero disables it.
	IdleTimeout time.Duration

	// SessionIncomingWindow is the number of transfer frames a session
	// accepts before it replenishes the window.
	SessionIncomingWindow uint32
	SessionOutgoingWindow uint32
	HandleMax             uint32

	OfferedCapabilities []types.Symbol
	DesiredCapabilities []types.Symbol
	Properties          map[types.Symbol]any

	// SASLClient runs the client side of a SASL exchange before the AMQP
	// header. SASLServer answers a client exchange. At most one is set.
	SASLClient *SASLClient
	SASLServer *SASLServer
}

// DefaultConfig returns a Config with default limits.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:          DefaultMaxFrameSize,
		ChannelMax:            DefaultChannelMax,
		SessionIncomingWindow: DefaultIncomingWindow,
		SessionOutgoingWindow: DefaultOutgoingWindow,
		HandleMax:             DefaultHandleMax,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.MaxFrameSize < minMaxFrameSize {
		c.MaxFrameSize = minMaxFrameSize
	}
	if c.ChannelMax == 0 {
		c.ChannelMax = DefaultChannelMax
	}
	if c.SessionIncomingWindow == 0 {
		c.SessionIncomingWindow = DefaultIncomingWindow
	}
	if c.SessionOutgoingWindow == 0 {
		c.SessionOutgoingWindow = DefaultOutgoingWindow
	}
	if c.HandleMax == 0 {
		c.HandleMax = DefaultHandleMax
	}
	return c
}
