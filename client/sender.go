// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"

	"github.com/absmach/fluxamqp/amqp1/engine"
	"github.com/absmach/fluxamqp/amqp1/message"
	"github.com/absmach/fluxamqp/amqp1/performatives"
)

// linkObserver is implemented by limiters keeping per-link state.
type linkObserver interface {
	OnLinkDetached(link string)
}

// pending is a message waiting for credit or for its outcome.
type pending struct {
	payload []byte
	result  chan outcome
}

type outcome struct {
	state performatives.DeliveryState
	err   error
}

func (p *pending) complete(state performatives.DeliveryState, err error) {
	select {
	case p.result <- outcome{state: state, err: err}:
	default:
	}
}

// sender queues messages for one address and writes them as credit
// arrives.
type sender struct {
	client  *Client
	address string
	link    *engine.Sender
	queue   []*pending
}

// Send sends msg to address and waits for the peer's outcome. A rejected,
// released or modified delivery is reported as an error wrapping
// ErrRejected, ErrReleased or ErrModified. Presettled sends return once the
// delivery is written.
func (c *Client) Send(ctx context.Context, address string, msg *message.Message) (performatives.DeliveryState, error) {
	if address == "" {
		return nil, ErrInvalidAddress
	}
	if msg == nil {
		return nil, ErrNilMessage
	}
	payload, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.WaitDelivery(ctx, address); err != nil {
			return nil, err
		}
	}

	p := &pending{payload: payload, result: make(chan outcome, 1)}
	stopped, err := c.do(func(*engine.Engine) error {
		s, err := c.sender(address)
		if err != nil {
			return err
		}
		s.queue = append(s.queue, p)
		return s.pump()
	})
	if err != nil {
		return nil, err
	}

	select {
	case o := <-p.result:
		return o.state, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-stopped:
		return nil, c.stopErr()
	}
}

// sender returns the open sender for address, attaching one if needed.
func (c *Client) sender(address string) (*sender, error) {
	if s, ok := c.senders[address]; ok {
		return s, nil
	}

	link, err := c.session.Sender(c.linkName("sender", address))
	if err != nil {
		return nil, err
	}
	if err := link.SetTarget(&performatives.Target{Address: address}); err != nil {
		return nil, err
	}
	if c.opts.Presettled {
		if err := link.SetSenderSettleMode(performatives.SndSettled); err != nil {
			return nil, err
		}
	}
	var tags engine.TagGenerator = &engine.SequentialTagGenerator{}
	if c.opts.TagPoolSize > 0 {
		tags = engine.NewPooledTagGenerator(c.opts.TagPoolSize)
	}
	if err := link.SetTagGenerator(tags); err != nil {
		return nil, err
	}

	s := &sender{client: c, address: address, link: link}
	link.OnCreditUpdated(func(*engine.Sender) {
		if err := s.pump(); err != nil {
			s.fail(err)
		}
	})
	link.OnDeliveryUpdated(s.onUpdate)
	link.OnRemoteClose(func(l *engine.Sender) {
		s.detached(l.FailureCause())
		if !l.IsLocallyClosed() {
			_ = l.Close()
		}
	})
	link.OnDetach(func(l *engine.Sender) {
		s.detached(l.FailureCause())
		if !l.IsLocallyClosed() {
			_ = l.Detach()
		}
	})
	link.OnParentClosed(func(*engine.Sender) { s.detached(ErrConnectionLost) })
	if err := link.Open(); err != nil {
		return nil, err
	}
	c.senders[address] = s
	return s, nil
}

// pump writes queued messages while the link has credit.
func (s *sender) pump() error {
	for len(s.queue) > 0 && s.link.IsSendable() {
		p := s.queue[0]
		s.queue = s.queue[1:]

		d, err := s.link.Next()
		if err != nil {
			p.complete(nil, err)
			return err
		}
		d.SetAttachment(p)
		if err := d.Write(p.payload); err != nil {
			p.complete(nil, err)
			return err
		}
		if s.client.opts.Presettled {
			if err := d.Settle(); err != nil {
				p.complete(nil, err)
				return err
			}
			p.complete(nil, nil)
		}
	}
	return nil
}

// onUpdate completes a pending send once the peer reports a terminal
// outcome or settles the delivery.
func (s *sender) onUpdate(d *engine.OutgoingDelivery) {
	p, ok := d.Attachment().(*pending)
	if !ok {
		return
	}
	state := d.RemoteState()
	if _, terminal := state.(performatives.Outcome); !terminal && !d.IsRemotelySettled() {
		return
	}
	if !d.IsSettled() {
		_ = d.Settle()
	}
	d.SetAttachment(nil)
	p.complete(state, outcomeError(state))
}

// detached fails queued and unsettled sends and forgets the link.
func (s *sender) detached(cause error) {
	if cause == nil {
		cause = ErrLinkClosed
	}
	s.fail(cause)
	for _, d := range s.link.Unsettled() {
		if p, ok := d.Attachment().(*pending); ok {
			p.complete(nil, cause)
		}
	}
	if cur, ok := s.client.senders[s.address]; ok && cur == s {
		delete(s.client.senders, s.address)
	}
	if l, ok := s.client.opts.Limiter.(linkObserver); ok {
		l.OnLinkDetached(s.address)
	}
}

func (s *sender) fail(err error) {
	for _, p := range s.queue {
		p.complete(nil, err)
	}
	s.queue = nil
}

func outcomeError(state performatives.DeliveryState) error {
	switch st := state.(type) {
	case *performatives.Rejected:
		if st.Error != nil {
			return fmt.Errorf("%w: %s: %s", ErrRejected, st.Error.Condition, st.Error.Description)
		}
		return ErrRejected
	case *performatives.Released:
		return ErrReleased
	case *performatives.Modified:
		return ErrModified
	default:
		return nil
	}
}
