// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"testing"

	"github.com/absmach/fluxamqp/amqp1/frames"
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionBlockedDeliveriesKeepOrder(t *testing.T) {
	_, conn, p := openConnection(t, Config{})
	s := openSession(t, conn, p, 1)
	snd := openSender(t, s, p, "out")
	require.NoError(t, p.send(0, &performatives.Flow{
		NextIncomingID: u32(0),
		IncomingWindow: 1,
		OutgoingWindow: 100,
		Handle:         u32(snd.Handle()),
		DeliveryCount:  u32(0),
		LinkCredit:     u32(10),
	}))

	for _, payload := range []string{"a", "b", "c"} {
		d, err := snd.Next()
		require.NoError(t, err)
		require.NoError(t, d.Write([]byte(payload)))
	}
	first := p.next()
	assert.Equal(t, []byte("a"), first.Payload)
	assert.Zero(t, s.RemoteIncomingWindow())

	require.NoError(t, p.send(0, &performatives.Flow{
		NextIncomingID: u32(1),
		IncomingWindow: 5,
		OutgoingWindow: 100,
	}))
	got := p.take()
	require.Len(t, got, 2)
	for i, want := range []string{"b", "c"} {
		tr := bodyAs[*performatives.Transfer](t, got[i])
		assert.Equal(t, uint32(i+1), *tr.DeliveryID)
		assert.Equal(t, []byte(want), got[i].Payload)
	}
	assert.Equal(t, uint32(3), s.RemoteIncomingWindow())
}

func TestSessionBlockedAcrossLinks(t *testing.T) {
	_, conn, p := openConnection(t, Config{})
	s := openSession(t, conn, p, 0)
	a := openSender(t, s, p, "a")
	b := openSender(t, s, p, "b")
	for _, snd := range []*Sender{a, b} {
		require.NoError(t, p.send(0, &performatives.Flow{
			NextIncomingID: u32(0),
			OutgoingWindow: 100,
			Handle:         u32(snd.Handle()),
			DeliveryCount:  u32(0),
			LinkCredit:     u32(1),
		}))
	}

	for _, snd := range []*Sender{b, a} {
		d, err := snd.Next()
		require.NoError(t, err)
		require.NoError(t, d.Write([]byte(snd.Name())))
	}
	assert.Empty(t, p.take())

	require.NoError(t, p.send(0, &performatives.Flow{NextIncomingID: u32(0), IncomingWindow: 10, OutgoingWindow: 100}))
	got := p.take()
	require.Len(t, got, 2)
	assert.Equal(t, []byte("b"), got[0].Payload)
	assert.Equal(t, []byte("a"), got[1].Payload)
}

func TestSessionIncomingWindowReplenished(t *testing.T) {
	_, conn, p := openConnection(t, Config{})
	s, err := conn.Session()
	require.NoError(t, err)
	require.NoError(t, s.SetIncomingWindow(4))
	require.NoError(t, s.Open())
	assert.Equal(t, uint32(4), bodyAs[*performatives.Begin](t, p.next()).IncomingWindow)
	require.NoError(t, p.send(0, &performatives.Begin{RemoteChannel: u16(s.Channel()), IncomingWindow: 10, OutgoingWindow: 10}))
	assert.ErrorIs(t, s.SetIncomingWindow(8), ErrIllegalState)

	r := openReceiver(t, s, p, "in")
	require.NoError(t, r.AddCredit(10))
	p.take()

	require.NoError(t, p.transfer(r.Handle(), 0, []byte{0}, []byte("a"), false))
	require.NoError(t, p.transfer(r.Handle(), 1, []byte{1}, []byte("b"), false))
	assert.Empty(t, p.take())
	assert.Equal(t, uint32(2), s.IncomingWindow())

	require.NoError(t, p.transfer(r.Handle(), 2, []byte{2}, []byte("c"), false))
	flow := bodyAs[*performatives.Flow](t, p.next())
	assert.Nil(t, flow.Handle)
	assert.Equal(t, uint32(4), flow.IncomingWindow)
	assert.Equal(t, uint32(3), *flow.NextIncomingID)
}

func TestSessionWindowViolation(t *testing.T) {
	e, conn, p := openConnection(t, Config{})
	s := openSession(t, conn, p, 10)
	r := openReceiver(t, s, p, "in")
	require.NoError(t, r.AddCredit(10))
	p.take()

	s.incomingWindow = 0
	err := p.transfer(r.Handle(), 0, []byte{0}, []byte("a"), false)
	assert.ErrorIs(t, err, frames.ErrProtocolViolation)
	assert.True(t, e.IsFailed())
	cl := bodyAs[*performatives.Close](t, p.next())
	assert.Equal(t, performatives.ErrFramingError, cl.Error.Condition)
}

func TestSessionSingleSlotWindow(t *testing.T) {
	_, conn, p := openConnection(t, Config{SessionIncomingWindow: 1})
	s := openSession(t, conn, p, 10)
	r := openReceiver(t, s, p, "in")
	require.NoError(t, r.AddCredit(10))
	p.take()

	for i := range uint32(3) {
		require.NoError(t, p.transfer(r.Handle(), i, []byte{byte(i)}, []byte("a"), false))
		flow := bodyAs[*performatives.Flow](t, p.next())
		assert.Equal(t, uint32(1), flow.IncomingWindow)
	}
}

func TestSessionChannelAllocation(t *testing.T) {
	_, conn, p := openConnectionWith(t, Config{}, &performatives.Open{ContainerID: "peer", ChannelMax: 1})
	s0, err := conn.Session()
	require.NoError(t, err)
	s1, err := conn.Session()
	require.NoError(t, err)
	assert.Equal(t, uint16(0), s0.Channel())
	assert.Equal(t, uint16(1), s1.Channel())

	_, err = conn.Session()
	assert.ErrorIs(t, err, ErrIllegalState)

	require.NoError(t, s1.Close())
	s2, err := conn.Session()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), s2.Channel(), "an unopened session frees its channel on close")
	assert.Empty(t, p.take())
}

func TestSessionRemoteEnd(t *testing.T) {
	_, conn, p := openConnection(t, Config{})
	s := openSession(t, conn, p, 10)
	snd := openSender(t, s, p, "out")

	var ended, linkParent bool
	s.OnRemoteClose(func(*Session) { ended = true })
	snd.OnParentClosed(func(*Sender) { linkParent = true })
	require.NoError(t, p.send(0, &performatives.End{Error: &performatives.Error{Condition: performatives.ErrWindowViolation}}))
	assert.True(t, ended)
	assert.True(t, snd.IsRemotelyClosed())
	assert.ErrorIs(t, s.FailureCause(), ErrRemoteClosed)
	assert.True(t, linkParent)

	require.NoError(t, s.Close())
	assert.Equal(t, []string{"end"}, frameNames(p.take()))
}

func TestSessionCloseSkipsDetach(t *testing.T) {
	e, conn, p := openConnection(t, Config{})
	s := openSession(t, conn, p, 10)
	openSender(t, s, p, "a")
	openReceiver(t, s, p, "b")
	assert.Equal(t, uint64(2), e.Stats().GetCurrentLinks())

	require.NoError(t, s.Close())
	assert.Equal(t, []string{"end"}, frameNames(p.take()))
	assert.Zero(t, e.Stats().GetCurrentLinks())
	assert.Zero(t, e.Stats().GetCurrentSessions())

	_, err := s.Sender("c")
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestLinkNameRequired(t *testing.T) {
	_, conn, p := openConnection(t, Config{})
	s := openSession(t, conn, p, 10)
	_, err := s.Sender("")
	assert.ErrorIs(t, err, ErrIllegalState)
}
