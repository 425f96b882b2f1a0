// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"slices"

	"github.com/absmach/fluxamqp/amqp1/frames"
	"github.com/absmach/fluxamqp/amqp1/performatives"
)

// Receiver is a receiving link. Credit is granted explicitly unless a
// CreditPolicy replenishes it.
type Receiver struct {
	link[*Receiver]

	policy    CreditPolicy
	current   *IncomingDelivery
	unsettled []*IncomingDelivery

	deliveryReadHandler    func(*IncomingDelivery)
	deliveryAbortedHandler func(*IncomingDelivery)
	deliveryUpdatedHandler func(*IncomingDelivery)
	drainHandler           func(*Receiver)
}

func newReceiver(s *Session, name string) *Receiver {
	r := &Receiver{policy: ManualCredit{}}
	r.init(r, s, name, performatives.RoleReceiver)
	r.afterAttach = r.attached
	return r
}

// Open attaches the link. Credit granted before Open is sent right after
// the Attach frame.
func (r *Receiver) Open() error {
	if err := r.open(); err != nil {
		return err
	}
	return r.policy.Replenish(r)
}

// Close detaches the link with closed set. Calling it again does nothing.
func (r *Receiver) Close() error { return r.close(true) }

// Detach detaches the link without closing it.
func (r *Receiver) Detach() error { return r.close(false) }

// SetCreditPolicy replaces the credit policy. A nil policy means manual
// credit.
func (r *Receiver) SetCreditPolicy(p CreditPolicy) {
	if p == nil {
		p = ManualCredit{}
	}
	r.policy = p
}

// OnDeliveryRead registers the handler fired for every transfer frame
// that adds to a delivery.
func (r *Receiver) OnDeliveryRead(fn func(*IncomingDelivery)) { r.deliveryReadHandler = fn }

// OnDeliveryAborted registers the handler fired when the peer aborts a
// delivery. Without it the read handler fires instead.
func (r *Receiver) OnDeliveryAborted(fn func(*IncomingDelivery)) { r.deliveryAbortedHandler = fn }

// OnDeliveryUpdated registers the handler fired when the peer updates the
// state or settlement of a delivery.
func (r *Receiver) OnDeliveryUpdated(fn func(*IncomingDelivery)) { r.deliveryUpdatedHandler = fn }

// OnDrainUpdated registers the handler fired each time a drain completes.
func (r *Receiver) OnDrainUpdated(fn func(*Receiver)) { r.drainHandler = fn }

// AddCredit grants n more credit to the peer.
func (r *Receiver) AddCredit(n uint32) error {
	if err := r.engine().checkUsable(); err != nil {
		return err
	}
	if r.local == StateClosed {
		return illegalState("link %q closed", r.name)
	}
	if n == 0 {
		return nil
	}
	r.credit += n
	return r.whenAttached(r.sendFlow)
}

// SetCredit sets the credit to n.
func (r *Receiver) SetCredit(n uint32) error {
	if err := r.engine().checkUsable(); err != nil {
		return err
	}
	if r.local == StateClosed {
		return illegalState("link %q closed", r.name)
	}
	if n == r.credit {
		return nil
	}
	r.credit = n
	return r.whenAttached(r.sendFlow)
}

// Drain asks the peer to use or give back all outstanding credit. It
// reports false when there is no credit to drain.
func (r *Receiver) Drain() (bool, error) {
	if err := r.checkActive(); err != nil {
		return false, err
	}
	if r.credit == 0 {
		return false, nil
	}
	r.drain = true
	return true, r.whenAttached(r.sendFlow)
}

// Current returns the partially received delivery, or nil.
func (r *Receiver) Current() *IncomingDelivery { return r.current }

// Unsettled returns the deliveries not yet settled locally, in arrival
// order.
func (r *Receiver) Unsettled() []*IncomingDelivery { return slices.Clone(r.unsettled) }

// HasUnsettled reports whether any delivery awaits local settlement.
func (r *Receiver) HasUnsettled() bool { return len(r.unsettled) > 0 }

// Settle settles every unsettled delivery matching match, keeping its
// current state.
func (r *Receiver) Settle(match func(*IncomingDelivery) bool) error {
	return r.dispose(match, nil, true, true)
}

// Disposition applies state to every unsettled delivery matching match.
// Contiguous delivery ids share one Disposition frame.
func (r *Receiver) Disposition(match func(*IncomingDelivery) bool, state performatives.DeliveryState, settle bool) error {
	return r.dispose(match, state, settle, false)
}

func (r *Receiver) dispose(match func(*IncomingDelivery) bool, state performatives.DeliveryState, settle, keepState bool) error {
	if err := r.engine().checkUsable(); err != nil {
		return err
	}
	var changed []*IncomingDelivery
	for _, d := range r.Unsettled() {
		if match != nil && !match(d) {
			continue
		}
		st := state
		if keepState {
			st = d.state
		}
		ok, err := d.apply(st, settle)
		if err != nil {
			return err
		}
		if ok && !d.remotelySettled {
			changed = append(changed, d)
		}
	}
	return writeBatched(r.session, performatives.RoleReceiver, changed, settle, func(d *IncomingDelivery) (uint32, performatives.DeliveryState) {
		return d.id, d.state
	})
}

func (r *Receiver) attached() error {
	if r.credit == 0 && !r.drain {
		return nil
	}
	return r.sendFlow()
}

func (r *Receiver) sendFlow() error {
	if !r.attachSent || r.local != StateActive {
		return nil
	}
	return r.writeFlow(&performatives.Flow{Drain: r.drain})
}

func (r *Receiver) handleFlow(f *performatives.Flow) error {
	if f.DeliveryCount != nil {
		advanced := *f.DeliveryCount - r.deliveryCount
		if int32(advanced) > 0 {
			r.credit -= min(advanced, r.credit)
			r.deliveryCount = *f.DeliveryCount
		}
	}
	fire(r.creditHandler, r)
	r.checkDrained()
	if f.Echo {
		return r.sendFlow()
	}
	return nil
}

// checkDrained completes a drain once all credit is used.
func (r *Receiver) checkDrained() {
	if r.drain && r.credit == 0 {
		r.drain = false
		fire(r.drainHandler, r)
	}
}

func (r *Receiver) handleTransfer(t *performatives.Transfer, payload []byte) error {
	e := r.engine()
	d := r.current
	if d == nil {
		if t.DeliveryID == nil {
			return &frames.ProtocolError{Msg: fmt.Sprintf("first transfer of a delivery on link %q lacks a delivery id", r.name)}
		}
		if r.credit == 0 {
			e.logger.Warn("transfer received without link credit", "link", r.name)
		} else {
			r.credit--
		}
		r.deliveryCount++
		d = &IncomingDelivery{
			receiver:        r,
			id:              *t.DeliveryID,
			tag:             t.DeliveryTag,
			remoteState:     t.State,
			remotelySettled: t.Settled,
		}
		if t.MessageFormat != nil {
			d.messageFormat = *t.MessageFormat
		}
		r.current = d
		if !t.Settled {
			r.session.incoming[d.id] = d
			r.unsettled = append(r.unsettled, d)
		}
	} else {
		if t.State != nil {
			d.remoteState = t.State
		}
		if t.Settled && !d.remotelySettled {
			d.remotelySettled = true
			if r.session.incoming[d.id] == d {
				delete(r.session.incoming, d.id)
			}
		}
	}

	d.transfers++
	if len(payload) > 0 {
		d.chunks = append(d.chunks, payload)
		d.available += len(payload)
		d.size += len(payload)
	}

	if t.Aborted {
		r.current = nil
		d.aborted = true
		d.partial = false
		d.remotelySettled = true
		d.chunks = nil
		d.available = 0
		d.forget()
		e.stats.IncrementDeliveriesAborted()
		if r.deliveryAbortedHandler != nil {
			r.deliveryAbortedHandler(d)
		} else {
			fire(r.deliveryReadHandler, d)
		}
		return r.afterDelivery()
	}

	d.partial = t.More
	if !t.More {
		r.current = nil
		e.stats.IncrementDeliveriesReceived()
		if m := e.metrics; m != nil {
			m.RecordDeliveryReceived(int64(d.size))
		}
	}
	fire(r.deliveryReadHandler, d)
	if t.More {
		return nil
	}
	return r.afterDelivery()
}

func (r *Receiver) afterDelivery() error {
	r.checkDrained()
	if r.local != StateActive {
		return nil
	}
	return r.policy.Replenish(r)
}

func (r *Receiver) removeUnsettled(d *IncomingDelivery) {
	r.unsettled = slices.DeleteFunc(r.unsettled, func(u *IncomingDelivery) bool { return u == d })
}
