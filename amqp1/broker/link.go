// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"slices"

	"github.com/absmach/fluxamqp/amqp1/engine"
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/transport"
)

// connection holds the broker state of one AMQP connection. Its fields are
// only touched while the connection's engine is held.
type connection struct {
	broker    *Broker
	conn      *transport.Conn
	logger    *slog.Logger
	consumers []*consumer
	producers int
	closed    bool
}

// consumer is a broker sender link feeding a peer receiver.
type consumer struct {
	owner   *connection
	link    *engine.Sender
	address string
	removed bool
}

func (h *connection) onSession(s *engine.Session) {
	s.OnRemoteReceiver(h.onProducer)
	s.OnRemoteSender(h.onConsumer)
	s.OnRemoteClose(func(s *engine.Session) {
		if !s.IsLocallyClosed() {
			_ = s.Close()
		}
	})
	if err := s.Open(); err != nil {
		h.logger.Warn("failed to open session", slog.String("error", err.Error()))
	}
}

// onProducer accepts a peer sender. Each complete delivery is queued on
// the target address and settled with the outcome.
func (h *connection) onProducer(r *engine.Receiver) {
	tgt, _ := r.RemoteTarget().(*performatives.Target)
	if tgt == nil || tgt.Address == "" {
		refuse(r, "target address required")
		return
	}
	address := tgt.Address

	_ = r.SetTarget(tgt)
	r.SetCreditPolicy(engine.WindowCredit{
		Window:    h.broker.config.CreditWindow,
		Threshold: h.broker.config.CreditWindow / 2,
	})
	r.OnDeliveryRead(func(d *engine.IncomingDelivery) {
		if d.IsPartial() {
			return
		}
		var state performatives.DeliveryState = &performatives.Accepted{}
		if err := h.broker.enqueue(h, address, slices.Clone(d.ReadAll())); err != nil {
			state = &performatives.Rejected{Error: &performatives.Error{
				Condition:   performatives.ErrResourceLimitExceeded,
				Description: err.Error(),
			}}
		}
		if d.IsRemotelySettled() {
			_ = d.Settle()
			return
		}
		_ = d.Disposition(state, true)
	})
	released := false
	done := func(*engine.Receiver) {
		if released || h.closed {
			return
		}
		released = true
		h.producers--
		h.broker.stats.DecrementProducers()
	}
	r.OnRemoteClose(func(r *engine.Receiver) {
		_ = r.Close()
		done(r)
	})
	r.OnDetach(func(r *engine.Receiver) {
		_ = r.Detach()
		done(r)
	})
	r.OnParentClosed(done)

	if err := r.Open(); err != nil {
		h.logger.Warn("failed to attach producer", slog.String("address", address), slog.String("error", err.Error()))
		return
	}
	h.producers++
	h.broker.stats.IncrementProducers()
	h.logger.Debug("producer attached", slog.String("link", r.Name()), slog.String("address", address))
}

// onConsumer accepts a peer receiver and feeds it from the source address
// whenever it grants credit.
func (h *connection) onConsumer(s *engine.Sender) {
	src := s.RemoteSource()
	if src == nil || src.Address == "" {
		refuse(s, "source address required")
		return
	}

	_ = s.SetSource(src)
	if a := s.Remote(); a != nil && a.SndSettleMode != nil {
		_ = s.SetSenderSettleMode(*a.SndSettleMode)
	}
	c := &consumer{owner: h, link: s, address: src.Address}
	s.OnCreditUpdated(func(*engine.Sender) { c.pump() })
	s.OnDeliveryUpdated(c.onUpdate)
	s.OnRemoteClose(func(s *engine.Sender) {
		_ = s.Close()
		c.remove()
	})
	s.OnDetach(func(s *engine.Sender) {
		_ = s.Detach()
		c.remove()
	})
	s.OnParentClosed(func(*engine.Sender) { c.remove() })

	if err := s.Open(); err != nil {
		h.logger.Warn("failed to attach consumer", slog.String("address", src.Address), slog.String("error", err.Error()))
		return
	}
	h.consumers = append(h.consumers, c)
	h.broker.subscribe(c)
	h.broker.stats.IncrementConsumers()
	h.logger.Debug("consumer attached", slog.String("link", s.Name()), slog.String("address", src.Address))
}

// shutdown runs when the engine stops. Unsettled messages of every
// consumer go back to their queues.
func (h *connection) shutdown() {
	if h.closed {
		return
	}
	h.closed = true
	for _, c := range slices.Clone(h.consumers) {
		c.remove()
	}
	for ; h.producers > 0; h.producers-- {
		h.broker.stats.DecrementProducers()
	}
	h.broker.stats.DecrementConnections()
	h.logger.Debug("AMQP connection released")
}

// pump writes queued messages while the link has credit.
func (c *consumer) pump() {
	if c.removed || c.owner.closed {
		return
	}
	b := c.owner.broker
	for c.link.IsSendable() {
		payload, ok := b.pop(c.address)
		if !ok {
			if c.link.IsDrain() {
				_, _ = c.link.Drained()
			}
			return
		}
		d, err := c.link.Next()
		if err == nil {
			d.SetAttachment(payload)
			err = d.Write(payload)
		}
		if err != nil {
			b.requeue(nil, c.address, [][]byte{payload})
			c.owner.logger.Debug("failed to deliver message", slog.String("address", c.address), slog.String("error", err.Error()))
			return
		}
		b.stats.IncrementMessagesSent()
		if c.link.SenderSettleMode() == performatives.SndSettled {
			_ = d.Settle()
		}
	}
}

// onUpdate handles the consumer's outcome. Released and modified messages
// are queued again; rejected ones are dropped.
func (c *consumer) onUpdate(d *engine.OutgoingDelivery) {
	state := d.RemoteState()
	if _, terminal := state.(performatives.Outcome); !terminal && !d.IsRemotelySettled() {
		return
	}
	payload, _ := d.Attachment().([]byte)
	d.SetAttachment(nil)
	switch st := state.(type) {
	case *performatives.Released, *performatives.Modified:
		if payload != nil {
			c.owner.broker.requeue(c.owner, c.address, [][]byte{payload})
		}
	case *performatives.Rejected:
		attrs := []any{slog.String("address", c.address)}
		if st.Error != nil {
			attrs = append(attrs, slog.String("condition", string(st.Error.Condition)))
		}
		c.owner.logger.Warn("message rejected by consumer", attrs...)
	}
	if !d.IsSettled() {
		_ = d.Settle()
	}
}

// remove detaches the consumer from its queue and requeues the messages it
// has not had settled.
func (c *consumer) remove() {
	if c.removed {
		return
	}
	c.removed = true
	h := c.owner
	h.consumers = slices.DeleteFunc(h.consumers, func(o *consumer) bool { return o == c })
	b := h.broker
	b.unsubscribe(c)
	b.stats.DecrementConsumers()

	var unsettled [][]byte
	for _, d := range c.link.Unsettled() {
		if p, ok := d.Attachment().([]byte); ok && !d.IsRemotelySettled() {
			unsettled = append(unsettled, p)
			d.SetAttachment(nil)
		}
	}
	b.requeue(h, c.address, unsettled)
}

// terminusLink is the part of a link needed to refuse it.
type terminusLink interface {
	SetCondition(*performatives.Error)
	Open() error
	Close() error
}

// refuse answers an attach without a terminus and closes the link with an
// invalid-field error.
func refuse(l terminusLink, reason string) {
	l.SetCondition(&performatives.Error{Condition: performatives.ErrInvalidField, Description: reason})
	if err := l.Open(); err == nil {
		_ = l.Close()
	}
}
