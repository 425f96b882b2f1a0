// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/absmach/fluxamqp/amqp1/performatives"
)

// IncomingDelivery is a message arriving on a Receiver. Payload bytes are
// buffered as they arrive until read.
type IncomingDelivery struct {
	receiver *Receiver

	id            uint32
	tag           []byte
	messageFormat uint32

	chunks    [][]byte
	available int
	size      int
	transfers int
	partial   bool
	aborted   bool

	state           performatives.DeliveryState
	settled         bool
	remoteState     performatives.DeliveryState
	remotelySettled bool

	attachment any
}

func (d *IncomingDelivery) Receiver() *Receiver   { return d.receiver }
func (d *IncomingDelivery) DeliveryID() uint32    { return d.id }
func (d *IncomingDelivery) Tag() []byte           { return d.tag }
func (d *IncomingDelivery) MessageFormat() uint32 { return d.messageFormat }

// IsPartial reports whether more transfer frames are expected.
func (d *IncomingDelivery) IsPartial() bool { return d.partial }
func (d *IncomingDelivery) IsAborted() bool { return d.aborted }

// TransferCount returns the number of transfer frames received.
func (d *IncomingDelivery) TransferCount() int { return d.transfers }

// IsFirstTransfer reports whether only the first transfer frame arrived.
func (d *IncomingDelivery) IsFirstTransfer() bool { return d.transfers == 1 }

func (d *IncomingDelivery) State() performatives.DeliveryState       { return d.state }
func (d *IncomingDelivery) RemoteState() performatives.DeliveryState { return d.remoteState }
func (d *IncomingDelivery) IsSettled() bool                          { return d.settled }
func (d *IncomingDelivery) IsRemotelySettled() bool                  { return d.remotelySettled }

func (d *IncomingDelivery) Attachment() any     { return d.attachment }
func (d *IncomingDelivery) SetAttachment(v any) { d.attachment = v }

// Available returns the number of buffered bytes not read yet.
func (d *IncomingDelivery) Available() int { return d.available }

// ReadBytes copies buffered bytes into p and returns how many were copied.
func (d *IncomingDelivery) ReadBytes(p []byte) int {
	n := 0
	for n < len(p) && len(d.chunks) > 0 {
		c := copy(p[n:], d.chunks[0])
		n += c
		if c == len(d.chunks[0]) {
			d.chunks = d.chunks[1:]
		} else {
			d.chunks[0] = d.chunks[0][c:]
		}
	}
	d.available -= n
	return n
}

// ReadAll returns every buffered byte, or nil when none are available. A
// single buffered chunk is returned without copying.
func (d *IncomingDelivery) ReadAll() []byte {
	if d.available == 0 {
		return nil
	}
	var out []byte
	if len(d.chunks) == 1 {
		out = d.chunks[0]
	} else {
		out = make([]byte, 0, d.available)
		for _, c := range d.chunks {
			out = append(out, c...)
		}
	}
	d.chunks = nil
	d.available = 0
	return out
}

// Disposition sets the local state of the delivery and settles it when
// settle is set. Repeating the current state is a no-op; changing the
// state of a settled delivery fails.
func (d *IncomingDelivery) Disposition(state performatives.DeliveryState, settle bool) error {
	r := d.receiver
	if err := r.engine().checkUsable(); err != nil {
		return err
	}
	changed, err := d.apply(state, settle)
	if err != nil || !changed || d.remotelySettled {
		return err
	}
	return r.session.writeDispositions(performatives.RoleReceiver, []uint32{d.id}, settle, state)
}

// Settle settles the delivery keeping its current state.
func (d *IncomingDelivery) Settle() error { return d.Disposition(d.state, true) }

func (d *IncomingDelivery) apply(state performatives.DeliveryState, settle bool) (bool, error) {
	if d.settled {
		if performatives.SameState(state, d.state) {
			return false, nil
		}
		return false, illegalState("delivery already settled")
	}
	if !settle && performatives.SameState(state, d.state) {
		return false, nil
	}
	d.state = state
	if settle {
		d.settled = true
		d.forget()
		e := d.receiver.engine()
		e.stats.IncrementDeliveriesSettled()
		if m := e.metrics; m != nil {
			m.RecordDeliverySettled()
		}
	}
	return true, nil
}

func (d *IncomingDelivery) forget() {
	r := d.receiver
	r.removeUnsettled(d)
	if r.session.incoming[d.id] == d {
		delete(r.session.incoming, d.id)
	}
}

func (d *IncomingDelivery) remoteUpdate(state performatives.DeliveryState, settled bool) {
	if state != nil {
		d.remoteState = state
	}
	if settled {
		d.remotelySettled = true
		ss := d.receiver.session
		if ss.incoming[d.id] == d {
			delete(ss.incoming, d.id)
		}
	}
	fire(d.receiver.deliveryUpdatedHandler, d)
}
