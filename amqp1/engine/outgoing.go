// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"slices"

	"github.com/absmach/fluxamqp/amqp1/performatives"
)

// OutgoingDelivery is a message being sent on a Sender.
type OutgoingDelivery struct {
	sender *Sender

	tag           []byte
	tagIssued     bool
	id            uint32
	messageFormat uint32

	pending        []byte
	size           int
	complete       bool
	finished       bool
	framesSent     int
	creditReserved bool
	blocked        bool
	abortPending   bool
	aborted        bool

	state           performatives.DeliveryState
	settled         bool
	remoteState     performatives.DeliveryState
	remotelySettled bool
	settleFlags     uint8

	attachment any
}

// Sender returns the link the delivery belongs to.
func (d *OutgoingDelivery) Sender() *Sender { return d.sender }

// Tag returns the delivery tag, assigned at the first write unless set.
func (d *OutgoingDelivery) Tag() []byte { return d.tag }

// SetTag sets the delivery tag before anything is written.
func (d *OutgoingDelivery) SetTag(tag []byte) error {
	if d.creditReserved {
		return illegalState("cannot change the tag of a delivery in progress")
	}
	d.releaseTag()
	d.tag = slices.Clone(tag)
	return nil
}

// DeliveryID returns the delivery id, known once the first transfer frame
// was written.
func (d *OutgoingDelivery) DeliveryID() (uint32, bool) { return d.id, d.framesSent > 0 }

func (d *OutgoingDelivery) MessageFormat() uint32 { return d.messageFormat }

// SetMessageFormat sets the message format before anything is written.
func (d *OutgoingDelivery) SetMessageFormat(format uint32) error {
	if d.creditReserved {
		return illegalState("cannot change the message format of a delivery in progress")
	}
	d.messageFormat = format
	return nil
}

func (d *OutgoingDelivery) State() performatives.DeliveryState       { return d.state }
func (d *OutgoingDelivery) RemoteState() performatives.DeliveryState { return d.remoteState }
func (d *OutgoingDelivery) IsSettled() bool                          { return d.settled }
func (d *OutgoingDelivery) IsRemotelySettled() bool                  { return d.remotelySettled }
func (d *OutgoingDelivery) IsAborted() bool                          { return d.aborted }

// IsPartial reports whether more bytes are expected for the delivery.
func (d *OutgoingDelivery) IsPartial() bool { return !d.complete }

// TransferCount returns the number of transfer frames written.
func (d *OutgoingDelivery) TransferCount() int { return d.framesSent }

func (d *OutgoingDelivery) Attachment() any     { return d.attachment }
func (d *OutgoingDelivery) SetAttachment(v any) { d.attachment = v }

func (d *OutgoingDelivery) touched() bool {
	return d.creditReserved || d.aborted
}

// Write writes p as the complete delivery payload.
func (d *OutgoingDelivery) Write(p []byte) error { return d.Stream(p, true) }

// Stream writes p as part of the delivery payload; complete marks the last
// part. Transfer frames are written as far as the peer's session window
// allows and the rest is sent once it opens, after deliveries queued
// earlier on the session.
func (d *OutgoingDelivery) Stream(p []byte, complete bool) error {
	s := d.sender
	if err := s.checkActive(); err != nil {
		return err
	}
	if d.aborted {
		return illegalState("delivery aborted")
	}
	if d.complete {
		return illegalState("delivery already complete")
	}
	if !d.creditReserved {
		if s.credit == 0 {
			return illegalState("link %q has no credit", s.name)
		}
		s.credit--
		s.deliveryCount++
		d.creditReserved = true
		if d.tag == nil {
			d.tag = s.tags.Next()
			d.tagIssued = true
		}
		if s.SenderSettleMode() == performatives.SndSettled {
			d.settled = true
		}
	}
	d.pending = append(d.pending, p...)
	d.size += len(p)
	if complete {
		d.complete = true
		if s.current == d {
			s.current = nil
		}
	}
	return d.send()
}

// Abort aborts the delivery. A delivery without written transfer frames
// gets its credit back and becomes current again, unless a newer delivery
// is current, in which case it is dropped as aborted without writing
// anything. Otherwise a final aborted transfer is written. Aborting twice
// does nothing.
func (d *OutgoingDelivery) Abort() error {
	s := d.sender
	if err := s.engine().checkUsable(); err != nil {
		return err
	}
	if d.aborted {
		return nil
	}
	if d.finished {
		return illegalState("delivery already sent")
	}
	if d.framesSent == 0 {
		if d.creditReserved {
			s.credit++
			s.deliveryCount--
		}
		s.session.unblock(d)
		d.pending = nil
		d.size = 0
		d.creditReserved = false
		if s.current == nil || s.current == d {
			d.complete = false
			s.current = d
			return nil
		}
		d.aborted = true
		d.settled = true
		d.complete = true
		d.finished = true
		d.releaseTag()
		s.engine().stats.IncrementDeliveriesAborted()
		return nil
	}

	d.aborted = true
	d.settled = true
	d.complete = true
	d.finished = true
	d.pending = nil
	d.abortPending = true
	d.forget()
	d.markSettled(settledBoth)
	if s.current == d {
		s.current = nil
	}
	e := s.engine()
	e.stats.IncrementDeliveriesAborted()
	if d.blocked {
		return nil
	}
	return d.send()
}

// Disposition sets the local state of the delivery and settles it when
// settle is set. Repeating the current state is a no-op; changing the
// state of a settled delivery fails.
func (d *OutgoingDelivery) Disposition(state performatives.DeliveryState, settle bool) error {
	s := d.sender
	if err := s.engine().checkUsable(); err != nil {
		return err
	}
	changed, err := d.apply(state, settle)
	if err != nil || !changed || !d.needsDisposition() {
		return err
	}
	return s.session.writeDispositions(performatives.RoleSender, []uint32{d.id}, settle, state)
}

// Settle settles the delivery keeping its current state.
func (d *OutgoingDelivery) Settle() error { return d.Disposition(d.state, true) }

// apply updates the local state and reports whether it changed.
func (d *OutgoingDelivery) apply(state performatives.DeliveryState, settle bool) (bool, error) {
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
		e := d.sender.engine()
		e.stats.IncrementDeliveriesSettled()
		if m := e.metrics; m != nil {
			m.RecordDeliverySettled()
		}
		if d.framesSent > 0 {
			d.markSettled(settledLocal)
		}
	}
	return true, nil
}

// needsDisposition reports whether the peer must hear about local state
// changes.
func (d *OutgoingDelivery) needsDisposition() bool {
	return d.framesSent > 0 && !d.remotelySettled && !d.aborted
}

// forget drops the delivery from the unsettled bookkeeping.
func (d *OutgoingDelivery) forget() {
	s := d.sender
	s.removeUnsettled(d)
	if d.framesSent > 0 && s.session.outgoing[d.id] == d {
		delete(s.session.outgoing, d.id)
	}
}

func (d *OutgoingDelivery) markSettled(flag uint8) {
	if d.settleFlags == settledBoth {
		return
	}
	d.settleFlags |= flag
	if d.settleFlags == settledBoth {
		d.releaseTag()
	}
}

// releaseTag hands a generator issued tag back. Tags set by the user never
// enter the pool.
func (d *OutgoingDelivery) releaseTag() {
	if !d.tagIssued {
		return
	}
	d.tagIssued = false
	d.sender.tags.Release(d.tag)
}

func (d *OutgoingDelivery) send() error {
	ss := d.sender.session
	if d.blocked {
		return nil
	}
	if len(ss.blocked) > 0 {
		ss.block(d)
		return nil
	}
	done, err := d.pump()
	if err != nil {
		return err
	}
	if !done {
		ss.block(d)
	}
	return nil
}

// pump writes transfer frames while the session window allows. It reports
// whether nothing is left to write.
func (d *OutgoingDelivery) pump() (bool, error) {
	s := d.sender
	ss := s.session
	for {
		if d.abortPending {
			if !ss.canSend() {
				return false, nil
			}
			t := &performatives.Transfer{Handle: s.handle, Aborted: true, Settled: true}
			if _, err := ss.writeTransfer(t, nil); err != nil {
				return false, err
			}
			d.abortPending = false
			return true, nil
		}
		if d.finished || (len(d.pending) == 0 && !d.complete) {
			return true, nil
		}
		if !ss.canSend() || !s.attachSent {
			return false, nil
		}

		t := &performatives.Transfer{Handle: s.handle, Settled: d.settled, More: !d.complete}
		first := d.framesSent == 0
		if first {
			d.id = ss.nextDeliveryID
			ss.nextDeliveryID++
			id, format := d.id, d.messageFormat
			t.DeliveryID = &id
			t.DeliveryTag = d.tag
			t.MessageFormat = &format
			t.State = d.state
			if !d.settled {
				ss.outgoing[d.id] = d
				s.unsettled = append(s.unsettled, d)
			}
		}
		n, err := ss.writeTransfer(t, d.pending)
		if err != nil {
			return false, err
		}
		d.framesSent++
		d.pending = d.pending[n:]
		if len(d.pending) == 0 {
			d.pending = nil
			if d.complete {
				d.sent()
				return true, nil
			}
		}
	}
}

func (d *OutgoingDelivery) sent() {
	d.finished = true
	e := d.sender.engine()
	e.stats.IncrementDeliveriesSent()
	if m := e.metrics; m != nil {
		m.RecordDeliverySent(int64(d.size))
	}
	if d.settled {
		d.markSettled(settledBoth)
	}
}

func (d *OutgoingDelivery) remoteUpdate(state performatives.DeliveryState, settled bool) {
	if state != nil {
		d.remoteState = state
	}
	if settled {
		d.remotelySettled = true
		ss := d.sender.session
		if ss.outgoing[d.id] == d {
			delete(ss.outgoing, d.id)
		}
		d.markSettled(settledRemote)
	}
	fire(d.sender.deliveryUpdatedHandler, d)
}
