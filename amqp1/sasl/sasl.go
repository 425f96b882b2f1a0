// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sasl

import (
	"bytes"
	"fmt"

	"github.com/absmach/fluxamqp/amqp1/types"
)

// SASL frame descriptors.
const (
	DescriptorMechanisms uint64 = 0x40
	DescriptorInit       uint64 = 0x41
	DescriptorChallenge  uint64 = 0x42
	DescriptorResponse   uint64 = 0x43
	DescriptorOutcome    uint64 = 0x44
)

// SASL outcome codes.
const (
	CodeOK      uint8 = 0
	CodeAuth    uint8 = 1 // authentication failed
	CodeSys     uint8 = 2 // system error
	CodeSysPerm uint8 = 3 // permanent system error
	CodeSysTemp uint8 = 4 // temporary system error
)

// Mechanism names.
var (
	MechPLAIN     = types.Symbol("PLAIN")
	MechANONYMOUS = types.Symbol("ANONYMOUS")
	MechEXTERNAL  = types.Symbol("EXTERNAL")
)

// Body is the performative carried by a SASL frame.
type Body interface {
	types.Encodable
	Descriptor() uint64
}

// Mechanisms (0x40) - server sends available mechanisms.
type Mechanisms struct {
	Mechanisms []types.Symbol
}

func (*Mechanisms) Descriptor() uint64 { return DescriptorMechanisms }

func (m *Mechanisms) Encode(b *types.Buffer) error {
	fields := types.NewBuffer(32)
	types.WriteSymbolArray(fields, m.Mechanisms)
	types.WriteDescriptor(b, DescriptorMechanisms)
	types.WriteList(b, fields.Bytes(), 1)
	return nil
}

// Init (0x41) - client selects mechanism and provides initial response.
type Init struct {
	Mechanism       types.Symbol
	InitialResponse []byte
	Hostname        string
}

func (*Init) Descriptor() uint64 { return DescriptorInit }

func (i *Init) Encode(b *types.Buffer) error {
	fields := types.NewBuffer(32)
	count := 1
	types.WriteSymbol(fields, i.Mechanism)
	if i.InitialResponse != nil || i.Hostname != "" {
		if i.InitialResponse != nil {
			types.WriteBinary(fields, i.InitialResponse)
		} else {
			types.WriteNull(fields)
		}
		count++
	}
	if i.Hostname != "" {
		types.WriteString(fields, i.Hostname)
		count++
	}
	types.WriteDescriptor(b, DescriptorInit)
	types.WriteList(b, fields.Bytes(), count)
	return nil
}

// Challenge (0x42) - server sends security challenge data.
type Challenge struct {
	Challenge []byte
}

func (*Challenge) Descriptor() uint64 { return DescriptorChallenge }

func (c *Challenge) Encode(b *types.Buffer) error {
	return encodeBinaryBody(b, DescriptorChallenge, c.Challenge)
}

// Response (0x43) - client answers a challenge.
type Response struct {
	Response []byte
}

func (*Response) Descriptor() uint64 { return DescriptorResponse }

func (r *Response) Encode(b *types.Buffer) error {
	return encodeBinaryBody(b, DescriptorResponse, r.Response)
}

func encodeBinaryBody(b *types.Buffer, descriptor uint64, data []byte) error {
	fields := types.NewBuffer(len(data) + 5)
	types.WriteBinary(fields, data)
	types.WriteDescriptor(b, descriptor)
	types.WriteList(b, fields.Bytes(), 1)
	return nil
}

// Outcome (0x44) - server sends authentication result.
type Outcome struct {
	Code           uint8
	AdditionalData []byte
}

func (*Outcome) Descriptor() uint64 { return DescriptorOutcome }

func (o *Outcome) Encode(b *types.Buffer) error {
	fields := types.NewBuffer(16)
	count := 1
	types.WriteUbyte(fields, o.Code)
	if o.AdditionalData != nil {
		types.WriteBinary(fields, o.AdditionalData)
		count++
	}
	types.WriteDescriptor(b, DescriptorOutcome)
	types.WriteList(b, fields.Bytes(), count)
	return nil
}

// Decode decodes a SASL frame body into the appropriate type.
func Decode(b *types.Buffer) (Body, error) {
	descriptor, fields, err := types.ReadListFields(b)
	if err != nil {
		return nil, err
	}
	field := func(i int) any {
		if i < len(fields) {
			return fields[i]
		}
		return nil
	}
	missing := func(name string) error {
		return fmt.Errorf("%w: sasl %s", types.ErrMissingField, name)
	}
	wrong := func(name string, v any) error {
		return fmt.Errorf("%w: sasl %s has type %T", types.ErrUnexpectedType, name, v)
	}

	switch descriptor {
	case DescriptorMechanisms:
		m := &Mechanisms{}
		switch v := field(0).(type) {
		case nil:
			return nil, missing("mechanisms")
		case types.Symbol:
			m.Mechanisms = []types.Symbol{v}
		case types.Array:
			m.Mechanisms = make([]types.Symbol, 0, len(v))
			for _, item := range v {
				mech, ok := item.(types.Symbol)
				if !ok {
					return nil, wrong("mechanisms", item)
				}
				m.Mechanisms = append(m.Mechanisms, mech)
			}
		default:
			return nil, wrong("mechanisms", v)
		}
		return m, nil

	case DescriptorInit:
		mech, ok := field(0).(types.Symbol)
		if !ok {
			return nil, missing("mechanism")
		}
		i := &Init{Mechanism: mech}
		i.InitialResponse, _ = field(1).([]byte)
		i.Hostname, _ = field(2).(string)
		return i, nil

	case DescriptorChallenge, DescriptorResponse:
		data, ok := field(0).([]byte)
		if !ok {
			return nil, missing("challenge or response data")
		}
		if descriptor == DescriptorChallenge {
			return &Challenge{Challenge: data}, nil
		}
		return &Response{Response: data}, nil

	case DescriptorOutcome:
		code, ok := field(0).(uint8)
		if !ok {
			return nil, missing("outcome code")
		}
		o := &Outcome{Code: code}
		o.AdditionalData, _ = field(1).([]byte)
		return o, nil

	default:
		return nil, fmt.Errorf("%w: SASL descriptor 0x%02x", types.ErrUnexpectedType, descriptor)
	}
}

// PlainResponse builds a SASL PLAIN initial response.
func PlainResponse(authzID, username, password string) []byte {
	resp := make([]byte, 0, len(authzID)+len(username)+len(password)+2)
	resp = append(resp, authzID...)
	resp = append(resp, 0)
	resp = append(resp, username...)
	resp = append(resp, 0)
	return append(resp, password...)
}

// ParsePLAIN parses a SASL PLAIN initial response.
// Format: <authzid>\0<authcid>\0<password>, authzid may be empty.
func ParsePLAIN(response []byte) (authzID, username, password string, err error) {
	if len(response) == 0 {
		return "", "", "", fmt.Errorf("empty PLAIN response")
	}

	parts := bytes.Split(response, []byte{0})
	switch len(parts) {
	case 3:
		return string(parts[0]), string(parts[1]), string(parts[2]), nil
	default:
		return "", "", "", fmt.Errorf("invalid PLAIN response format: expected 3 parts, got %d", len(parts))
	}
}
