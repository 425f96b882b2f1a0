// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frames

import "fmt"

const (
	ProtoIDAMQP byte = 0x00
	ProtoIDSASL byte = 0x03

	ProtoHeaderSize = 8
)

// Header is the 8-byte AMQP protocol header.
// Format: "AMQP" + proto-id + major + minor + revision
type Header struct {
	ProtocolID byte
	Major      byte
	Minor      byte
	Revision   byte
}

// Protocol headers for AMQP 1.0 and its SASL layer.
var (
	AMQPHeader = Header{ProtocolID: ProtoIDAMQP, Major: 1}
	SASLHeader = Header{ProtocolID: ProtoIDSASL, Major: 1}
)

// IsSASL reports whether h opens a SASL exchange.
func (h Header) IsSASL() bool { return h.ProtocolID == ProtoIDSASL }

// Bytes returns the wire form of h.
func (h Header) Bytes() [ProtoHeaderSize]byte {
	return [ProtoHeaderSize]byte{'A', 'M', 'Q', 'P', h.ProtocolID, h.Major, h.Minor, h.Revision}
}

func (h Header) String() string {
	return fmt.Sprintf("AMQP %d %d.%d.%d", h.ProtocolID, h.Major, h.Minor, h.Revision)
}

// validHeaderByte checks the i-th byte of an incoming protocol header.
func validHeaderByte(i int, c byte) bool {
	switch i {
	case 0:
		return c == 'A'
	case 1:
		return c == 'M'
	case 2:
		return c == 'Q'
	case 3:
		return c == 'P'
	case 4:
		return c == ProtoIDAMQP || c == ProtoIDSASL
	case 5:
		return c == 1
	default:
		return c == 0
	}
}

// DetectAMQP checks if the first 4 bytes of the reader are "AMQP".
// This is used for protocol sniffing when multiplexing protocols on the same port.
func DetectAMQP(header []byte) bool {
	return len(header) >= 4 && string(header[:4]) == "AMQP"
}
