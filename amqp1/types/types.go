// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"time"
)

// AMQP 1.0 type constructor codes as defined by OASIS.
const (
	// Fixed-width primitives
	TypeNull       byte = 0x40
	TypeBoolTrue   byte = 0x41
	TypeBoolFalse  byte = 0x42
	TypeBool       byte = 0x56
	TypeUbyte      byte = 0x50
	TypeUshort     byte = 0x60
	TypeUint       byte = 0x70
	TypeUintSmall  byte = 0x52
	TypeUint0      byte = 0x43
	TypeUlong      byte = 0x80
	TypeUlongSmall byte = 0x53
	TypeUlong0     byte = 0x44
	TypeByte       byte = 0x51
	TypeShort      byte = 0x61
	TypeInt        byte = 0x71
	TypeIntSmall   byte = 0x54
	TypeLong       byte = 0x81
	TypeLongSmall  byte = 0x55
	TypeFloat      byte = 0x72
	TypeDouble     byte = 0x82
	TypeDecimal32  byte = 0x74
	TypeDecimal64  byte = 0x84
	TypeDecimal128 byte = 0x94
	TypeChar       byte = 0x73
	TypeTimestamp  byte = 0x83
	TypeUUID       byte = 0x98

	// Variable-width primitives
	TypeBinaryShort byte = 0xa0
	TypeBinaryLong  byte = 0xb0
	TypeStringShort byte = 0xa1
	TypeStringLong  byte = 0xb1
	TypeSymbolShort byte = 0xa3
	TypeSymbolLong  byte = 0xb3

	// Compound types
	TypeList0   byte = 0x45
	TypeList8   byte = 0xc0
	TypeList32  byte = 0xd0
	TypeMap8    byte = 0xc1
	TypeMap32   byte = 0xd1
	TypeArray8  byte = 0xe0
	TypeArray32 byte = 0xf0

	// Described type constructor
	TypeDescriptor byte = 0x00
)

// Symbol is an AMQP symbolic value (ASCII subset of string).
type Symbol string

// UUID is a 128-bit universally unique identifier.
type UUID [16]byte

// Char is a single UTF-32BE encoded unicode character.
type Char rune

// Decimal32 is an IEEE 754-2008 decimal32 kept in its wire form.
type Decimal32 [4]byte

// Decimal64 is an IEEE 754-2008 decimal64 kept in its wire form.
type Decimal64 [8]byte

// Decimal128 is an IEEE 754-2008 decimal128 kept in its wire form.
type Decimal128 [16]byte

// Timestamp wraps time.Time for AMQP timestamp encoding (milliseconds since Unix epoch).
type Timestamp time.Time

// Array is a homogeneous AMQP array. Arrays of symbols decode to []Symbol instead.
type Array []any

// Described wraps a described type with its descriptor and value.
// Descriptor holds either a uint64 code or a Symbol name.
type Described struct {
	Descriptor any
	Value      any
}

// Code returns the numeric descriptor, resolving the symbolic names of
// the well known AMQP types. It returns 0 when the descriptor is unknown.
func (d *Described) Code() uint64 {
	switch v := d.Descriptor.(type) {
	case uint64:
		return v
	case Symbol:
		return descriptorCodes[v]
	default:
		return 0
	}
}

// Milliseconds returns the Unix timestamp in milliseconds.
func (t Timestamp) Milliseconds() int64 {
	return time.Time(t).UnixMilli()
}

// TimestampFromMillis creates a Timestamp from milliseconds since Unix epoch.
func TimestampFromMillis(ms int64) Timestamp {
	return Timestamp(time.UnixMilli(ms))
}

var descriptorCodes = map[Symbol]uint64{
	"amqp:open:list":                  0x10,
	"amqp:begin:list":                 0x11,
	"amqp:attach:list":                0x12,
	"amqp:flow:list":                  0x13,
	"amqp:transfer:list":              0x14,
	"amqp:disposition:list":           0x15,
	"amqp:detach:list":                0x16,
	"amqp:end:list":                   0x17,
	"amqp:close:list":                 0x18,
	"amqp:error:list":                 0x1d,
	"amqp:received:list":              0x23,
	"amqp:accepted:list":              0x24,
	"amqp:rejected:list":              0x25,
	"amqp:released:list":              0x26,
	"amqp:modified:list":              0x27,
	"amqp:source:list":                0x28,
	"amqp:target:list":                0x29,
	"amqp:delete-on-close:list":       0x2b,
	"amqp:delete-on-no-links:list":    0x2c,
	"amqp:delete-on-no-messages:list": 0x2d,
	"amqp:delete-on-no-links-or-messages:list": 0x2e,
	"amqp:coordinator:list":                    0x30,
	"amqp:declare:list":                        0x31,
	"amqp:discharge:list":                      0x32,
	"amqp:declared:list":                       0x33,
	"amqp:transactional-state:list":            0x34,
	"amqp:sasl-mechanisms:list":                0x40,
	"amqp:sasl-init:list":                      0x41,
	"amqp:sasl-challenge:list":                 0x42,
	"amqp:sasl-response:list":                  0x43,
	"amqp:sasl-outcome:list":                   0x44,
	"amqp:header:list":                         0x70,
	"amqp:delivery-annotations:map":            0x71,
	"amqp:message-annotations:map":             0x72,
	"amqp:properties:list":                     0x73,
	"amqp:application-properties:map":          0x74,
	"amqp:data:binary":                         0x75,
	"amqp:amqp-sequence:list":                  0x76,
	"amqp:amqp-value:*":                        0x77,
	"amqp:footer:map":                          0x78,
}
