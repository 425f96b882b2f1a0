// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"fmt"

	"github.com/absmach/fluxamqp/amqp1/types"
)

// Transaction control descriptors.
const (
	DescriptorDeclare   uint64 = 0x31
	DescriptorDischarge uint64 = 0x32
)

// Declare asks a coordinator to start a transaction. It travels as the
// amqp-value body of a message sent to the coordinator.
type Declare struct {
	GlobalID any
}

func (*Declare) Descriptor() uint64 { return DescriptorDeclare }

func (d *Declare) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.value(d.GlobalID)
	return w.finish(b, DescriptorDeclare)
}

// Discharge ends a transaction, committing it unless Fail is set.
type Discharge struct {
	TxnID []byte
	Fail  bool
}

func (*Discharge) Descriptor() uint64 { return DescriptorDischarge }

func (d *Discharge) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	types.WriteBinary(w.buf, d.TxnID)
	w.mark()
	w.optBool(d.Fail)
	return w.finish(b, DescriptorDischarge)
}

// DecodeTransactionControl decodes a Declare or Discharge from an already
// decoded described value.
func DecodeTransactionControl(v any) (Performative, error) {
	d, ok := v.(*types.Described)
	if !ok {
		return nil, fmt.Errorf("%w: expected transaction control, got %T", types.ErrUnexpectedType, v)
	}
	fields, ok := d.Value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: transaction control body is %T", types.ErrUnexpectedType, d.Value)
	}
	switch d.Code() {
	case DescriptorDeclare:
		r := newFieldReader("declare", fields)
		return &Declare{GlobalID: r.get(0)}, nil
	case DescriptorDischarge:
		r := newFieldReader("discharge", fields)
		r.missing(0, "txn-id")
		dis := &Discharge{TxnID: r.binary(0, "txn-id"), Fail: r.bool(1, "fail")}
		return dis, r.err
	default:
		return nil, fmt.Errorf("%w: transaction control descriptor 0x%x", types.ErrUnexpectedType, d.Code())
	}
}
