// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxamqp/amqp1/types"
)

// Message section descriptors.
const (
	DescriptorHeader                uint64 = 0x70
	DescriptorDeliveryAnnotations   uint64 = 0x71
	DescriptorMessageAnnotations    uint64 = 0x72
	DescriptorProperties            uint64 = 0x73
	DescriptorApplicationProperties uint64 = 0x74
	DescriptorData                  uint64 = 0x75
	DescriptorAMQPSequence          uint64 = 0x76
	DescriptorAMQPValue             uint64 = 0x77
	DescriptorFooter                uint64 = 0x78
)

// DefaultPriority is the priority of a message without a header.
const DefaultPriority uint8 = 4

// ErrMixedBody is returned when a message carries more than one body kind.
var ErrMixedBody = errors.New("message body mixes data, sequence and value sections")

// Header section.
type Header struct {
	Durable       bool
	Priority      uint8
	TTL           uint32 // milliseconds, 0 = no TTL
	FirstAcquirer bool
	DeliveryCount uint32
}

// Properties section. Zero values are encoded as absent.
type Properties struct {
	MessageID          any // string, uint64, UUID, or binary
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      any
	ContentType        types.Symbol
	ContentEncoding    types.Symbol
	AbsoluteExpiryTime types.Timestamp
	CreationTime       types.Timestamp
	GroupID            string
	GroupSequence      uint32
	ReplyToGroupID     string
}

// Message represents an AMQP 1.0 message with optional sections. At most one
// of Data, Sequence and Value is set.
type Message struct {
	Header                *Header
	DeliveryAnnotations   map[types.Symbol]any
	MessageAnnotations    map[types.Symbol]any
	Properties            *Properties
	ApplicationProperties map[string]any
	Data                  [][]byte // one or more data sections
	Sequence              [][]any  // one or more amqp-sequence sections
	Value                 any      // amqp-value section
	Footer                map[types.Symbol]any
}

// Encode writes the message sections to b in their canonical order.
func (m *Message) Encode(b *types.Buffer) error {
	if m.bodyKinds() > 1 {
		return ErrMixedBody
	}
	if m.Header != nil {
		encodeHeader(b, m.Header)
	}
	if err := encodeSymbolMap(b, DescriptorDeliveryAnnotations, m.DeliveryAnnotations); err != nil {
		return err
	}
	if err := encodeSymbolMap(b, DescriptorMessageAnnotations, m.MessageAnnotations); err != nil {
		return err
	}
	if m.Properties != nil {
		if err := encodeProperties(b, m.Properties); err != nil {
			return err
		}
	}
	if len(m.ApplicationProperties) > 0 {
		types.WriteDescriptor(b, DescriptorApplicationProperties)
		if err := types.WriteStringAnyMap(b, m.ApplicationProperties); err != nil {
			return err
		}
	}
	for _, data := range m.Data {
		types.WriteDescriptor(b, DescriptorData)
		types.WriteBinary(b, data)
	}
	for _, seq := range m.Sequence {
		types.WriteDescriptor(b, DescriptorAMQPSequence)
		if err := types.WriteAny(b, seq); err != nil {
			return err
		}
	}
	if m.Value != nil {
		types.WriteDescriptor(b, DescriptorAMQPValue)
		if err := types.WriteAny(b, m.Value); err != nil {
			return err
		}
	}
	return encodeSymbolMap(b, DescriptorFooter, m.Footer)
}

// Marshal returns the encoded message.
func (m *Message) Marshal() ([]byte, error) {
	b := types.NewBuffer(256)
	if err := m.Encode(b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (m *Message) bodyKinds() int {
	n := 0
	if len(m.Data) > 0 {
		n++
	}
	if len(m.Sequence) > 0 {
		n++
	}
	if m.Value != nil {
		n++
	}
	return n
}

// Decode parses message sections from the wire format payload. Binary
// fields share storage with payload.
func Decode(payload []byte) (*Message, error) {
	m := &Message{}
	b := types.Wrap(payload)

	for b.Len() > 0 {
		desc, err := types.ReadDescribed(b)
		if err != nil {
			return m, err
		}

		switch desc.Code() {
		case DescriptorHeader:
			m.Header, err = decodeHeader(desc.Value)
		case DescriptorDeliveryAnnotations:
			m.DeliveryAnnotations, err = decodeSymbolAnyMap(desc.Value)
		case DescriptorMessageAnnotations:
			m.MessageAnnotations, err = decodeSymbolAnyMap(desc.Value)
		case DescriptorProperties:
			m.Properties, err = decodeProperties(desc.Value)
		case DescriptorApplicationProperties:
			m.ApplicationProperties, err = decodeStringAnyMap(desc.Value)
		case DescriptorData:
			data, ok := desc.Value.([]byte)
			if !ok {
				return m, fmt.Errorf("%w: data section holds %T", types.ErrUnexpectedType, desc.Value)
			}
			m.Data = append(m.Data, data)
		case DescriptorAMQPSequence:
			seq, ok := desc.Value.([]any)
			if !ok {
				return m, fmt.Errorf("%w: amqp-sequence section holds %T", types.ErrUnexpectedType, desc.Value)
			}
			m.Sequence = append(m.Sequence, seq)
		case DescriptorAMQPValue:
			m.Value = desc.Value
		case DescriptorFooter:
			m.Footer, err = decodeSymbolAnyMap(desc.Value)
		default:
			return m, fmt.Errorf("%w: message section descriptor %v", types.ErrUnexpectedType, desc.Descriptor)
		}
		if err != nil {
			return m, err
		}
	}

	if m.bodyKinds() > 1 {
		return m, ErrMixedBody
	}
	return m, nil
}

func encodeHeader(b *types.Buffer, h *Header) {
	fields := types.NewBuffer(16)
	types.WriteBool(fields, h.Durable)
	types.WriteUbyte(fields, h.Priority)
	types.WriteUint(fields, h.TTL)
	types.WriteBool(fields, h.FirstAcquirer)
	types.WriteUint(fields, h.DeliveryCount)

	types.WriteDescriptor(b, DescriptorHeader)
	types.WriteList(b, fields.Bytes(), 5)
}

func encodeProperties(b *types.Buffer, p *Properties) error {
	fields := types.NewBuffer(64)
	count, used, end := 0, 0, 0
	set := func() {
		count++
		used, end = count, fields.WriteIndex()
	}
	null := func() {
		types.WriteNull(fields)
		count++
	}
	str := func(s string) {
		if s == "" {
			null()
			return
		}
		types.WriteString(fields, s)
		set()
	}
	sym := func(s types.Symbol) {
		if s == "" {
			null()
			return
		}
		types.WriteSymbol(fields, s)
		set()
	}
	id := func(v any) error {
		if v == nil {
			null()
			return nil
		}
		if err := writeMessageID(fields, v); err != nil {
			return err
		}
		set()
		return nil
	}
	ts := func(t types.Timestamp) {
		if time.Time(t).IsZero() {
			null()
			return
		}
		types.WriteTimestamp(fields, t)
		set()
	}

	if err := id(p.MessageID); err != nil {
		return err
	}
	if p.UserID == nil {
		null()
	} else {
		types.WriteBinary(fields, p.UserID)
		set()
	}
	str(p.To)
	str(p.Subject)
	str(p.ReplyTo)
	if err := id(p.CorrelationID); err != nil {
		return err
	}
	sym(p.ContentType)
	sym(p.ContentEncoding)
	ts(p.AbsoluteExpiryTime)
	ts(p.CreationTime)
	str(p.GroupID)
	if p.GroupSequence == 0 {
		null()
	} else {
		types.WriteUint(fields, p.GroupSequence)
		set()
	}
	str(p.ReplyToGroupID)

	types.WriteDescriptor(b, DescriptorProperties)
	types.WriteList(b, fields.Bytes()[:end], used)
	return nil
}

// writeMessageID writes one of the message-id types: ulong, uuid, binary or
// string.
func writeMessageID(b *types.Buffer, v any) error {
	switch id := v.(type) {
	case string:
		types.WriteString(b, id)
	case uint64:
		types.WriteUlong(b, id)
	case types.UUID:
		types.WriteUUID(b, id)
	case []byte:
		types.WriteBinary(b, id)
	default:
		return fmt.Errorf("unsupported message id type %T", v)
	}
	return nil
}

func encodeSymbolMap(b *types.Buffer, descriptor uint64, m map[types.Symbol]any) error {
	if len(m) == 0 {
		return nil
	}
	types.WriteDescriptor(b, descriptor)
	return types.WriteSymbolAnyMap(b, m)
}

func decodeHeader(v any) (*Header, error) {
	fields, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: header section holds %T", types.ErrUnexpectedType, v)
	}
	h := &Header{Priority: DefaultPriority}
	if len(fields) > 0 && fields[0] != nil {
		h.Durable, _ = fields[0].(bool)
	}
	if len(fields) > 1 && fields[1] != nil {
		h.Priority, _ = fields[1].(uint8)
	}
	if len(fields) > 2 && fields[2] != nil {
		h.TTL = anyToUint32(fields[2])
	}
	if len(fields) > 3 && fields[3] != nil {
		h.FirstAcquirer, _ = fields[3].(bool)
	}
	if len(fields) > 4 && fields[4] != nil {
		h.DeliveryCount = anyToUint32(fields[4])
	}
	return h, nil
}

func decodeProperties(v any) (*Properties, error) {
	fields, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: properties section holds %T", types.ErrUnexpectedType, v)
	}
	field := func(i int) any {
		if i < len(fields) {
			return fields[i]
		}
		return nil
	}
	p := &Properties{
		MessageID:     field(0),
		CorrelationID: field(5),
	}
	p.UserID, _ = field(1).([]byte)
	p.To, _ = field(2).(string)
	p.Subject, _ = field(3).(string)
	p.ReplyTo, _ = field(4).(string)
	p.ContentType, _ = field(6).(types.Symbol)
	p.ContentEncoding, _ = field(7).(types.Symbol)
	p.AbsoluteExpiryTime, _ = field(8).(types.Timestamp)
	p.CreationTime, _ = field(9).(types.Timestamp)
	p.GroupID, _ = field(10).(string)
	p.GroupSequence = anyToUint32(field(11))
	p.ReplyToGroupID, _ = field(12).(string)
	return p, nil
}

func decodeSymbolAnyMap(v any) (map[types.Symbol]any, error) {
	m, ok := v.(map[any]any)
	if !ok {
		return nil, fmt.Errorf("%w: annotations hold %T", types.ErrUnexpectedType, v)
	}
	result := make(map[types.Symbol]any, len(m))
	for k, val := range m {
		sym, ok := k.(types.Symbol)
		if !ok {
			return nil, fmt.Errorf("%w: annotation key of type %T", types.ErrUnexpectedType, k)
		}
		result[sym] = val
	}
	return result, nil
}

func decodeStringAnyMap(v any) (map[string]any, error) {
	m, ok := v.(map[any]any)
	if !ok {
		return nil, fmt.Errorf("%w: application properties hold %T", types.ErrUnexpectedType, v)
	}
	result := make(map[string]any, len(m))
	for k, val := range m {
		s, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("%w: application property key of type %T", types.ErrUnexpectedType, k)
		}
		result[s] = val
	}
	return result, nil
}

func anyToUint32(v any) uint32 {
	switch val := v.(type) {
	case uint32:
		return val
	case uint64:
		return uint32(val)
	case uint8:
		return uint32(val)
	default:
		return 0
	}
}
