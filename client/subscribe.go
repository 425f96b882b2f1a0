// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/absmach/fluxamqp/amqp1/engine"
	"github.com/absmach/fluxamqp/amqp1/message"
	"github.com/absmach/fluxamqp/amqp1/performatives"
)

// Handler processes one received message. A nil error accepts the
// delivery; any other error rejects it.
type Handler func(ctx context.Context, msg *message.Message) error

// Subscription is an attached receiving link. Messages are handed to the
// handler one at a time on a dedicated goroutine.
type Subscription struct {
	client  *Client
	address string
	handler Handler

	// Engine side, guarded by the connection.
	link   *engine.Receiver
	credit *backlogCredit

	deliveries chan inbound
	ctx        context.Context
	cancel     context.CancelFunc
	attached   chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
	err        error
}

type inbound struct {
	delivery *engine.IncomingDelivery
	msg      *message.Message
}

// backlogCredit keeps the link credit plus the deliveries still held by
// the handler at window, topping up once they fall to threshold.
type backlogCredit struct {
	window    uint32
	threshold uint32
	inflight  uint32
}

func (b *backlogCredit) Replenish(r *engine.Receiver) error {
	if r.IsDrain() {
		return nil
	}
	held := r.Credit() + b.inflight
	if held > b.threshold || held >= b.window {
		return nil
	}
	return r.AddCredit(b.window - held)
}

// Subscribe attaches a receiving link to address and waits until the peer
// attaches it. Messages are passed to h until the subscription or the
// client is closed.
func (c *Client) Subscribe(ctx context.Context, address string, h Handler) (*Subscription, error) {
	if address == "" {
		return nil, ErrInvalidAddress
	}
	if h == nil {
		return nil, ErrNilHandler
	}

	window := max(c.opts.CreditWindow, 1)
	s := &Subscription{
		client:     c,
		address:    address,
		handler:    h,
		credit:     &backlogCredit{window: window, threshold: min(c.opts.CreditThreshold, window-1)},
		deliveries: make(chan inbound, window),
		attached:   make(chan struct{}),
		closed:     make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	stopped, err := c.do(func(*engine.Engine) error {
		link, err := c.session.Receiver(c.linkName("receiver", address))
		if err != nil {
			return err
		}
		if err := link.SetSource(&performatives.Source{Address: address}); err != nil {
			return err
		}
		if err := link.SetTarget(&performatives.Target{}); err != nil {
			return err
		}
		link.SetCreditPolicy(s.credit)
		link.OnRemoteOpen(func(l *engine.Receiver) {
			if l.RemoteSource() != nil {
				close(s.attached)
			}
		})
		link.OnDeliveryRead(s.onDelivery)
		link.OnRemoteClose(func(l *engine.Receiver) {
			s.remoteDetached(l)
			if !l.IsLocallyClosed() {
				_ = l.Close()
			}
		})
		link.OnDetach(func(l *engine.Receiver) {
			s.remoteDetached(l)
			if !l.IsLocallyClosed() {
				_ = l.Detach()
			}
		})
		link.OnParentClosed(func(*engine.Receiver) { s.finish(ErrConnectionLost) })
		s.link = link
		return link.Open()
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-s.attached:
	case <-s.closed:
		return nil, s.err
	case <-stopped:
		s.finish(c.stopErr())
		return nil, s.err
	case <-ctx.Done():
		_ = s.Close(context.Background())
		return nil, ctx.Err()
	}

	go s.dispatch(stopped)
	return s, nil
}

// Address returns the source address of the subscription.
func (s *Subscription) Address() string { return s.address }

// Done is closed once the link is detached.
func (s *Subscription) Done() <-chan struct{} { return s.closed }

// Err returns why the subscription ended. It is nil after Close.
func (s *Subscription) Err() error {
	<-s.closed
	return s.err
}

// Close detaches the link and waits for the peer to detach it too, or for
// ctx to be done.
func (s *Subscription) Close(ctx context.Context) error {
	_, err := s.client.do(func(*engine.Engine) error {
		if s.link.IsLocallyClosed() {
			return nil
		}
		return s.link.Close()
	})
	if err != nil {
		s.finish(nil)
		return err
	}
	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		s.finish(nil)
		return ctx.Err()
	}
}

// onDelivery runs on the engine. Complete messages are queued for the
// handler; undecodable ones are rejected right away.
func (s *Subscription) onDelivery(d *engine.IncomingDelivery) {
	if d.IsPartial() {
		return
	}
	msg, err := message.Decode(d.ReadAll())
	if err != nil {
		s.client.logger.Warn("rejecting undecodable message",
			slog.String("address", s.address), slog.String("error", err.Error()))
		_ = d.Disposition(&performatives.Rejected{Error: &performatives.Error{
			Condition:   performatives.ErrDecodeError,
			Description: err.Error(),
		}}, true)
		return
	}
	select {
	case s.deliveries <- inbound{delivery: d, msg: msg}:
		s.credit.inflight++
	default:
		_ = d.Disposition(&performatives.Released{}, true)
	}
}

func (s *Subscription) dispatch(stopped <-chan struct{}) {
	for {
		select {
		case in := <-s.deliveries:
			err := s.handler(s.ctx, in.msg)
			if serr := s.settle(in.delivery, err); serr != nil {
				s.client.logger.Debug("failed to settle delivery",
					slog.String("address", s.address), slog.String("error", serr.Error()))
			}
		case <-s.closed:
			return
		case <-stopped:
			s.finish(s.client.stopErr())
			return
		}
	}
}

// settle reports the handler result to the peer and returns the credit
// the delivery held.
func (s *Subscription) settle(d *engine.IncomingDelivery, handlerErr error) error {
	_, err := s.client.do(func(*engine.Engine) error {
		s.credit.inflight--
		if s.link.IsLocallyClosed() {
			return nil
		}
		var state performatives.DeliveryState = &performatives.Accepted{}
		if handlerErr != nil {
			state = &performatives.Rejected{Error: &performatives.Error{
				Condition:   performatives.ErrInternalError,
				Description: handlerErr.Error(),
			}}
		}
		if d.IsRemotelySettled() {
			if err := d.Settle(); err != nil {
				return err
			}
		} else if err := d.Disposition(state, true); err != nil {
			return err
		}
		return s.credit.Replenish(s.link)
	})
	return err
}

func (s *Subscription) remoteDetached(l *engine.Receiver) {
	if l.IsLocallyClosed() {
		s.finish(nil)
		return
	}
	cause := l.FailureCause()
	if cause == nil {
		cause = ErrLinkClosed
	}
	s.finish(cause)
}

// finish records the end of the subscription once.
func (s *Subscription) finish(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		s.cancel()
		close(s.closed)
	})
}
