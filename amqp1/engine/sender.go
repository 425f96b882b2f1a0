// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"slices"

	"github.com/absmach/fluxamqp/amqp1/performatives"
)

// Sender is a sending link. Deliveries are created with Next and written
// while the peer grants credit.
type Sender struct {
	link[*Sender]

	tags      TagGenerator
	current   *OutgoingDelivery
	unsettled []*OutgoingDelivery

	deliveryUpdatedHandler func(*OutgoingDelivery)
}

func newSender(s *Session, name string) *Sender {
	snd := &Sender{tags: NewPooledTagGenerator(DefaultTagPoolSize)}
	snd.init(snd, s, name, performatives.RoleSender)
	return snd
}

// Open attaches the link.
func (s *Sender) Open() error { return s.open() }

// Close detaches the link with closed set. Calling it again does nothing.
func (s *Sender) Close() error { return s.close(true) }

// Detach detaches the link without closing it.
func (s *Sender) Detach() error { return s.close(false) }

// SetTagGenerator replaces the tag generator before the link is opened.
func (s *Sender) SetTagGenerator(g TagGenerator) error {
	if s.local != StateUninitialized {
		return illegalState("cannot change tag generator of an opened link")
	}
	s.tags = g
	return nil
}

// OnDeliveryUpdated registers the handler fired when the peer updates the
// state or settlement of a delivery.
func (s *Sender) OnDeliveryUpdated(fn func(*OutgoingDelivery)) { s.deliveryUpdatedHandler = fn }

// IsSendable reports whether a new delivery may be written now.
func (s *Sender) IsSendable() bool {
	return s.engine().IsRunning() && s.credit > 0 &&
		s.local == StateActive && s.remote == StateActive && !s.refused
}

// Current returns the delivery in progress, or nil.
func (s *Sender) Current() *OutgoingDelivery { return s.current }

// Next returns the delivery to write. An untouched current delivery is
// returned again; one that was written to but not completed or aborted
// makes Next fail.
func (s *Sender) Next() (*OutgoingDelivery, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	if d := s.current; d != nil {
		if d.touched() {
			return nil, illegalState("current delivery on link %q is not complete", s.name)
		}
		return d, nil
	}
	s.current = &OutgoingDelivery{sender: s}
	return s.current, nil
}

// Drained answers a drain request from the peer by spending the remaining
// credit. It reports whether a Flow was written; nothing is written when no
// credit is left.
func (s *Sender) Drained() (bool, error) {
	if err := s.checkActive(); err != nil {
		return false, err
	}
	if !s.drain || s.credit == 0 {
		return false, nil
	}
	s.deliveryCount += s.credit
	s.credit = 0
	return true, s.writeFlow(&performatives.Flow{Drain: true})
}

// Unsettled returns the deliveries not yet settled locally, in send order.
func (s *Sender) Unsettled() []*OutgoingDelivery { return slices.Clone(s.unsettled) }

// HasUnsettled reports whether any delivery awaits local settlement.
func (s *Sender) HasUnsettled() bool { return len(s.unsettled) > 0 }

// Settle settles every unsettled delivery matching match, keeping its
// current state.
func (s *Sender) Settle(match func(*OutgoingDelivery) bool) error {
	return s.dispose(match, nil, true, true)
}

// Disposition applies state to every unsettled delivery matching match.
// Contiguous delivery ids share one Disposition frame.
func (s *Sender) Disposition(match func(*OutgoingDelivery) bool, state performatives.DeliveryState, settle bool) error {
	return s.dispose(match, state, settle, false)
}

func (s *Sender) dispose(match func(*OutgoingDelivery) bool, state performatives.DeliveryState, settle, keepState bool) error {
	if err := s.engine().checkUsable(); err != nil {
		return err
	}
	var changed []*OutgoingDelivery
	for _, d := range s.Unsettled() {
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
		if ok && d.needsDisposition() {
			changed = append(changed, d)
		}
	}
	return writeBatched(s.session, performatives.RoleSender, changed, settle, func(d *OutgoingDelivery) (uint32, performatives.DeliveryState) {
		return d.id, d.state
	})
}

// writeBatched writes dispositions for deliveries, grouping runs of equal
// state so contiguous ids share a frame.
func writeBatched[D any](s *Session, role performatives.Role, deliveries []D, settle bool, key func(D) (uint32, performatives.DeliveryState)) error {
	for len(deliveries) > 0 {
		_, state := key(deliveries[0])
		var ids []uint32
		rest := deliveries[:0:0]
		for _, d := range deliveries {
			id, st := key(d)
			if performatives.SameState(st, state) {
				ids = append(ids, id)
				continue
			}
			rest = append(rest, d)
		}
		if err := s.writeDispositions(role, ids, settle, state); err != nil {
			return err
		}
		deliveries = rest
	}
	return nil
}

func (s *Sender) handleFlow(f *performatives.Flow) error {
	if f.LinkCredit != nil {
		rcvCount := s.deliveryCount
		if f.DeliveryCount != nil {
			rcvCount = *f.DeliveryCount
		}
		credit := rcvCount + *f.LinkCredit - s.deliveryCount
		if int32(credit) < 0 {
			credit = 0
		}
		s.credit = credit
	}
	s.drain = f.Drain
	fire(s.creditHandler, s)
	if f.Echo {
		return s.writeFlow(&performatives.Flow{Drain: s.drain})
	}
	return nil
}

func (s *Sender) removeUnsettled(d *OutgoingDelivery) {
	s.unsettled = slices.DeleteFunc(s.unsettled, func(u *OutgoingDelivery) bool { return u == d })
}
