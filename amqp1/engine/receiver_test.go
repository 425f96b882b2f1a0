// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"testing"

	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReceiverLink(t *testing.T, credit uint32) (*Engine, *Receiver, *peer) {
	t.Helper()
	e, conn, p := openConnection(t, Config{})
	s := openSession(t, conn, p, 100)
	r := openReceiver(t, s, p, "in")
	if credit > 0 {
		require.NoError(t, r.AddCredit(credit))
		flow := bodyAs[*performatives.Flow](t, p.next())
		require.Equal(t, credit, *flow.LinkCredit)
	}
	return e, r, p
}

func TestReceiverCreditBeforeAttach(t *testing.T) {
	_, conn, p := openConnection(t, Config{})
	s := openSession(t, conn, p, 100)
	r, err := s.Receiver("early")
	require.NoError(t, err)
	require.NoError(t, r.AddCredit(7))
	assert.Empty(t, p.take())

	require.NoError(t, r.Open())
	got := p.take()
	require.Equal(t, []string{"attach", "flow"}, frameNames(got))
	flow := bodyAs[*performatives.Flow](t, got[1])
	assert.Equal(t, uint32(7), *flow.LinkCredit)
	assert.Equal(t, r.Handle(), *flow.Handle)
}

func TestReceiverReassembly(t *testing.T) {
	e, r, p := newReceiverLink(t, 10)

	var reads []int
	r.OnDeliveryRead(func(d *IncomingDelivery) { reads = append(reads, d.Available()) })

	require.NoError(t, p.transfer(r.Handle(), 0, []byte{9}, []byte("hel"), true))
	d := r.Current()
	require.NotNil(t, d)
	assert.True(t, d.IsPartial())
	assert.True(t, d.IsFirstTransfer())
	assert.Equal(t, []byte{9}, d.Tag())

	buf := make([]byte, 2)
	assert.Equal(t, 2, d.ReadBytes(buf))
	assert.Equal(t, []byte("he"), buf)
	assert.Equal(t, 1, d.Available())

	require.NoError(t, p.sendPayload(0, &performatives.Transfer{Handle: r.Handle()}, []byte("lo")))
	assert.Nil(t, r.Current())
	assert.False(t, d.IsPartial())
	assert.Equal(t, 2, d.TransferCount())
	assert.Equal(t, []int{3, 3}, reads)
	assert.Equal(t, []byte("llo"), d.ReadAll())
	assert.Nil(t, d.ReadAll())

	assert.Equal(t, uint32(9), r.Credit())
	assert.Equal(t, uint32(1), r.DeliveryCount())
	assert.Equal(t, uint64(1), e.Stats().GetDeliveriesReceived())
	require.Len(t, r.Unsettled(), 1)

	require.NoError(t, d.Disposition(&performatives.Accepted{}, true))
	disp := bodyAs[*performatives.Disposition](t, p.next())
	assert.Equal(t, performatives.RoleReceiver, disp.Role)
	assert.Equal(t, uint32(0), disp.First)
	assert.True(t, disp.Settled)
	assert.False(t, r.HasUnsettled())
}

func TestReceiverPresettledDelivery(t *testing.T) {
	_, r, p := newReceiverLink(t, 1)
	var d *IncomingDelivery
	r.OnDeliveryRead(func(in *IncomingDelivery) { d = in })
	require.NoError(t, p.sendPayload(0, &performatives.Transfer{
		Handle:      r.Handle(),
		DeliveryID:  u32(0),
		DeliveryTag: []byte{1},
		Settled:     true,
	}, []byte("x")))
	require.NotNil(t, d)
	assert.True(t, d.IsRemotelySettled())
	assert.False(t, r.HasUnsettled())

	require.NoError(t, d.Settle())
	assert.Empty(t, p.take())
}

func TestReceiverBatchedDisposition(t *testing.T) {
	_, r, p := newReceiverLink(t, 10)
	for i := range uint32(4) {
		require.NoError(t, p.transfer(r.Handle(), i, []byte{byte(i)}, []byte{byte(i)}, false))
	}
	require.Len(t, r.Unsettled(), 4)

	require.NoError(t, r.Disposition(func(d *IncomingDelivery) bool { return d.DeliveryID() != 2 }, &performatives.Accepted{}, true))
	got := p.take()
	require.Len(t, got, 2)
	first := bodyAs[*performatives.Disposition](t, got[0])
	assert.Equal(t, uint32(0), first.First)
	assert.Equal(t, uint32(1), *first.Last)
	assert.Equal(t, uint32(3), bodyAs[*performatives.Disposition](t, got[1]).First)

	require.Len(t, r.Unsettled(), 1)
	require.NoError(t, r.Disposition(nil, &performatives.Rejected{}, false))
	disp := bodyAs[*performatives.Disposition](t, p.next())
	assert.False(t, disp.Settled)
	assert.IsType(t, &performatives.Rejected{}, disp.State)
	assert.True(t, r.HasUnsettled())
}

func TestReceiverRemoteDisposition(t *testing.T) {
	_, r, p := newReceiverLink(t, 1)
	require.NoError(t, p.transfer(r.Handle(), 0, []byte{0}, []byte("x"), false))
	d := r.Unsettled()[0]

	var updated *IncomingDelivery
	r.OnDeliveryUpdated(func(in *IncomingDelivery) { updated = in })
	require.NoError(t, p.send(0, &performatives.Disposition{Role: performatives.RoleSender, First: 0, Settled: true, State: &performatives.Accepted{}}))
	assert.Same(t, d, updated)
	assert.True(t, d.IsRemotelySettled())

	require.NoError(t, d.Disposition(&performatives.Accepted{}, true))
	assert.Empty(t, p.take(), "the peer already settled")
}

func TestReceiverAbortedDelivery(t *testing.T) {
	t.Run("aborted handler", func(t *testing.T) {
		e, r, p := newReceiverLink(t, 5)
		var aborted, read int
		r.OnDeliveryAborted(func(*IncomingDelivery) { aborted++ })
		r.OnDeliveryRead(func(*IncomingDelivery) { read++ })

		require.NoError(t, p.transfer(r.Handle(), 0, []byte{0}, []byte("abc"), true))
		d := r.Current()
		require.NoError(t, p.send(0, &performatives.Transfer{Handle: r.Handle(), Aborted: true}))
		assert.Equal(t, 1, aborted)
		assert.Equal(t, 1, read)
		assert.True(t, d.IsAborted())
		assert.Zero(t, d.Available())
		assert.Nil(t, r.Current())
		assert.False(t, r.HasUnsettled())
		assert.Equal(t, uint64(1), e.Stats().GetDeliveriesAborted())
	})
	t.Run("falls back to read handler", func(t *testing.T) {
		_, r, p := newReceiverLink(t, 5)
		var last *IncomingDelivery
		r.OnDeliveryRead(func(d *IncomingDelivery) { last = d })
		require.NoError(t, p.transfer(r.Handle(), 0, []byte{0}, []byte("abc"), true))
		require.NoError(t, p.send(0, &performatives.Transfer{Handle: r.Handle(), Aborted: true}))
		require.NotNil(t, last)
		assert.True(t, last.IsAborted())
	})
}

func TestReceiverDrain(t *testing.T) {
	_, r, p := newReceiverLink(t, 3)
	drained := 0
	r.OnDrainUpdated(func(*Receiver) { drained++ })

	ok, err := r.Drain()
	require.NoError(t, err)
	assert.True(t, ok)
	flow := bodyAs[*performatives.Flow](t, p.next())
	assert.True(t, flow.Drain)
	assert.Equal(t, uint32(3), *flow.LinkCredit)

	require.NoError(t, p.transfer(r.Handle(), 0, []byte{0}, []byte("x"), false))
	assert.Equal(t, 0, drained)
	assert.True(t, r.IsDrain())

	require.NoError(t, p.grant(r.Handle(), 3, 0, true))
	assert.Equal(t, 1, drained)
	assert.False(t, r.IsDrain())
	assert.Zero(t, r.Credit())

	require.NoError(t, p.grant(r.Handle(), 3, 0, false))
	assert.Equal(t, 1, drained, "drain completes once")

	ok, err = r.Drain()
	require.NoError(t, err)
	assert.False(t, ok, "nothing to drain")
}

func TestReceiverWindowCredit(t *testing.T) {
	_, conn, p := openConnection(t, Config{})
	s := openSession(t, conn, p, 100)
	r, err := s.Receiver("auto")
	require.NoError(t, err)
	r.SetCreditPolicy(WindowCredit{Window: 4, Threshold: 2})
	require.NoError(t, r.Open())
	got := p.take()
	require.Equal(t, []string{"attach", "flow"}, frameNames(got))
	assert.Equal(t, uint32(4), *bodyAs[*performatives.Flow](t, got[1]).LinkCredit)

	require.NoError(t, p.send(0, &performatives.Attach{Name: "auto", Handle: 0, Role: performatives.RoleSender, Source: &performatives.Source{}, Target: &performatives.Target{}}))

	require.NoError(t, p.transfer(0, 0, []byte{0}, []byte("a"), false))
	assert.Empty(t, p.take())
	assert.Equal(t, uint32(3), r.Credit())

	require.NoError(t, p.transfer(0, 1, []byte{1}, []byte("b"), false))
	flow := bodyAs[*performatives.Flow](t, p.next())
	assert.Equal(t, uint32(4), *flow.LinkCredit)
	assert.Equal(t, uint32(2), *flow.DeliveryCount)
}

func TestReceiverWindowCreditDefaultThreshold(t *testing.T) {
	_, conn, p := openConnection(t, Config{})
	s := openSession(t, conn, p, 100)
	r, err := s.Receiver("half")
	require.NoError(t, err)
	r.SetCreditPolicy(WindowCredit{Window: 6})
	require.NoError(t, r.Open())
	got := p.take()
	require.Equal(t, []string{"attach", "flow"}, frameNames(got))
	assert.Equal(t, uint32(6), *bodyAs[*performatives.Flow](t, got[1]).LinkCredit)

	require.NoError(t, p.send(0, &performatives.Attach{Name: "half", Handle: 0, Role: performatives.RoleSender, Source: &performatives.Source{}, Target: &performatives.Target{}}))

	for i := range uint32(2) {
		require.NoError(t, p.transfer(0, i, []byte{byte(i)}, []byte("x"), false))
		assert.Empty(t, p.take())
	}
	assert.Equal(t, uint32(4), r.Credit())

	require.NoError(t, p.transfer(0, 2, []byte{2}, []byte("x"), false))
	flow := bodyAs[*performatives.Flow](t, p.next())
	assert.Equal(t, uint32(6), *flow.LinkCredit, "topped up once half the window is left")
	assert.Equal(t, uint32(3), *flow.DeliveryCount)
}

func TestReceiverSetCredit(t *testing.T) {
	_, r, p := newReceiverLink(t, 0)
	require.NoError(t, r.SetCredit(5))
	assert.Equal(t, uint32(5), *bodyAs[*performatives.Flow](t, p.next()).LinkCredit)
	require.NoError(t, r.SetCredit(5))
	assert.Empty(t, p.take())
}

func TestRemoteSenderWithoutHandlerIsRefused(t *testing.T) {
	_, conn, p := openConnection(t, Config{})
	openSession(t, conn, p, 100)
	require.NoError(t, p.send(0, &performatives.Attach{Name: "push", Handle: 3, Role: performatives.RoleSender, Source: &performatives.Source{}, Target: &performatives.Target{}}))

	got := p.take()
	require.Equal(t, []string{"attach", "detach"}, frameNames(got))
	attach := bodyAs[*performatives.Attach](t, got[0])
	assert.Equal(t, performatives.RoleReceiver, attach.Role)
	assert.Nil(t, attach.Source)
	detach := bodyAs[*performatives.Detach](t, got[1])
	assert.True(t, detach.Closed)
	assert.Equal(t, performatives.ErrNotAllowed, detach.Error.Condition)
}

func TestRemoteSenderAccepted(t *testing.T) {
	_, conn, p := openConnection(t, Config{})
	s := openSession(t, conn, p, 100)

	var payload []byte
	s.OnRemoteReceiver(func(r *Receiver) {
		assert.Equal(t, "push", r.Name())
		r.OnDeliveryRead(func(d *IncomingDelivery) { payload = d.ReadAll() })
		require.NoError(t, r.Open())
		require.NoError(t, r.AddCredit(5))
	})
	require.NoError(t, p.send(0, &performatives.Attach{Name: "push", Handle: 7, Role: performatives.RoleSender, Source: &performatives.Source{Address: "q"}, Target: &performatives.Target{}}))
	assert.Equal(t, []string{"attach", "flow"}, frameNames(p.take()))

	require.NoError(t, p.transfer(7, 0, []byte{0}, []byte("hi"), false))
	assert.Equal(t, []byte("hi"), payload)
}
