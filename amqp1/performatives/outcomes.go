// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"fmt"
	"reflect"

	"github.com/absmach/fluxamqp/amqp1/types"
)

// Delivery state descriptors.
const (
	DescriptorReceived           uint64 = 0x23
	DescriptorAccepted           uint64 = 0x24
	DescriptorRejected           uint64 = 0x25
	DescriptorReleased           uint64 = 0x26
	DescriptorModified           uint64 = 0x27
	DescriptorDeclared           uint64 = 0x33
	DescriptorTransactionalState uint64 = 0x34
)

// DeliveryState is the state of a delivery as carried by Transfer and
// Disposition frames.
type DeliveryState interface {
	types.Encodable
	Descriptor() uint64
}

// Outcome is a terminal delivery state.
type Outcome interface {
	DeliveryState
	outcome()
}

// Received is the non-terminal state recording how much of a message has
// been processed.
type Received struct {
	SectionNumber uint32
	SectionOffset uint64
}

func (*Received) Descriptor() uint64 { return DescriptorReceived }

func (r *Received) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.uint(r.SectionNumber)
	w.ulong(r.SectionOffset)
	return w.finish(b, DescriptorReceived)
}

// Accepted outcome.
type Accepted struct{}

func (*Accepted) Descriptor() uint64 { return DescriptorAccepted }
func (*Accepted) outcome()           {}

func (*Accepted) Encode(b *types.Buffer) error {
	return newFieldWriter().finish(b, DescriptorAccepted)
}

// Rejected outcome with optional error.
type Rejected struct {
	Error *Error
}

func (*Rejected) Descriptor() uint64 { return DescriptorRejected }
func (*Rejected) outcome()           {}

func (r *Rejected) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.encodable(encodableError(r.Error))
	return w.finish(b, DescriptorRejected)
}

// Released outcome.
type Released struct{}

func (*Released) Descriptor() uint64 { return DescriptorReleased }
func (*Released) outcome()           {}

func (*Released) Encode(b *types.Buffer) error {
	return newFieldWriter().finish(b, DescriptorReleased)
}

// Modified outcome.
type Modified struct {
	DeliveryFailed     bool
	UndeliverableHere  bool
	MessageAnnotations map[types.Symbol]any
}

func (*Modified) Descriptor() uint64 { return DescriptorModified }
func (*Modified) outcome()           {}

func (m *Modified) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.optBool(m.DeliveryFailed)
	w.optBool(m.UndeliverableHere)
	w.symbolMap(m.MessageAnnotations)
	return w.finish(b, DescriptorModified)
}

// Declared is the outcome of a successful transaction declaration.
type Declared struct {
	TxnID []byte
}

func (*Declared) Descriptor() uint64 { return DescriptorDeclared }
func (*Declared) outcome()           {}

func (d *Declared) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	types.WriteBinary(w.buf, d.TxnID)
	w.mark()
	return w.finish(b, DescriptorDeclared)
}

// TransactionalState associates a delivery with a transaction and the
// outcome it will take when the transaction commits.
type TransactionalState struct {
	TxnID   []byte
	Outcome Outcome
}

func (*TransactionalState) Descriptor() uint64 { return DescriptorTransactionalState }

func (t *TransactionalState) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	types.WriteBinary(w.buf, t.TxnID)
	w.mark()
	if t.Outcome == nil {
		w.null()
	} else {
		w.encodable(t.Outcome)
	}
	return w.finish(b, DescriptorTransactionalState)
}

// DecodeDeliveryState decodes a described delivery state value.
func DecodeDeliveryState(b *types.Buffer) (DeliveryState, error) {
	d, err := types.ReadDescribed(b)
	if err != nil {
		return nil, err
	}
	return deliveryStateFromValue(d)
}

func deliveryStateFromValue(v any) (DeliveryState, error) {
	d, ok := v.(*types.Described)
	if !ok {
		return nil, fmt.Errorf("%w: expected delivery state, got %T", types.ErrUnexpectedType, v)
	}
	fields, ok := d.Value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: delivery state body is %T", types.ErrUnexpectedType, d.Value)
	}

	switch d.Code() {
	case DescriptorReceived:
		r := newFieldReader("received", fields)
		r.missing(0, "section-number")
		r.missing(1, "section-offset")
		s := &Received{SectionNumber: r.uint32(0, "section-number"), SectionOffset: r.uint64(1, "section-offset")}
		return s, r.err
	case DescriptorAccepted:
		return &Accepted{}, nil
	case DescriptorRejected:
		r := newFieldReader("rejected", fields)
		return &Rejected{Error: r.error(0, "error")}, r.err
	case DescriptorReleased:
		return &Released{}, nil
	case DescriptorModified:
		r := newFieldReader("modified", fields)
		m := &Modified{
			DeliveryFailed:     r.bool(0, "delivery-failed"),
			UndeliverableHere:  r.bool(1, "undeliverable-here"),
			MessageAnnotations: r.symbolMap(2, "message-annotations"),
		}
		return m, r.err
	case DescriptorDeclared:
		r := newFieldReader("declared", fields)
		r.missing(0, "txn-id")
		return &Declared{TxnID: r.binary(0, "txn-id")}, r.err
	case DescriptorTransactionalState:
		r := newFieldReader("transactional-state", fields)
		r.missing(0, "txn-id")
		t := &TransactionalState{TxnID: r.binary(0, "txn-id")}
		if s := r.state(1, "outcome"); s != nil {
			o, ok := s.(Outcome)
			if !ok {
				r.wrongType("outcome", s)
			}
			t.Outcome = o
		}
		return t, r.err
	default:
		return nil, fmt.Errorf("%w: delivery state descriptor 0x%x", types.ErrUnexpectedType, d.Code())
	}
}

// SameState reports whether two delivery states are equivalent.
func SameState(a, b DeliveryState) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Descriptor() == b.Descriptor() && reflect.DeepEqual(a, b)
}
