// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"testing"

	"github.com/absmach/fluxamqp/amqp1/frames"
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/amqp1/sasl"
	"github.com/absmach/fluxamqp/amqp1/types"
	"github.com/stretchr/testify/require"
)

// peer is a scripted remote endpoint. It decodes everything the engine
// writes and feeds frames back into it.
type peer struct {
	t       *testing.T
	engine  *Engine
	dec     *frames.Decoder
	enc     *frames.Encoder
	headers []frames.Header
	frames  []frames.Frame
}

func newPeer(t *testing.T, e *Engine) *peer {
	t.Helper()
	p := &peer{t: t, engine: e, enc: frames.NewEncoder(0)}
	p.dec = frames.NewDecoder(p, 0)
	e.OnOutput(func(b []byte) {
		require.NoError(t, p.dec.Ingest(b))
	})
	return p
}

func (p *peer) OnHeader(h frames.Header) error {
	p.headers = append(p.headers, h)
	return nil
}

func (p *peer) OnFrame(f frames.Frame) error {
	p.frames = append(p.frames, f)
	return nil
}

// take returns the frames received since the last call.
func (p *peer) take() []frames.Frame {
	out := p.frames
	p.frames = nil
	return out
}

// next returns the single frame received since the last call.
func (p *peer) next() frames.Frame {
	p.t.Helper()
	got := p.take()
	require.Len(p.t, got, 1, "expected exactly one frame, got %v", frameNames(got))
	return got[0]
}

func (p *peer) header(h frames.Header) error {
	raw := h.Bytes()
	return p.engine.Ingest(raw[:])
}

func (p *peer) send(channel uint16, body performatives.Performative) error {
	return p.sendPayload(channel, body, nil)
}

func (p *peer) sendPayload(channel uint16, body performatives.Performative, payload []byte) error {
	out := types.NewBuffer(0)
	require.NoError(p.t, p.enc.WriteFrame(out, frames.TypeAMQP, channel, body, payload))
	return p.engine.Ingest(out.Bytes())
}

func (p *peer) sendSASL(body sasl.Body) error {
	out := types.NewBuffer(0)
	require.NoError(p.t, p.enc.WriteFrame(out, frames.TypeSASL, 0, body, nil))
	return p.engine.Ingest(out.Bytes())
}

func frameNames(fs []frames.Frame) []string {
	names := make([]string, 0, len(fs))
	for _, f := range fs {
		switch {
		case f.Body != nil:
			names = append(names, performatives.Name(f.Body))
		case f.SASL != nil:
			names = append(names, "sasl")
		default:
			names = append(names, "empty")
		}
	}
	return names
}

func bodyAs[T performatives.Performative](t *testing.T, f frames.Frame) T {
	t.Helper()
	body, ok := f.Body.(T)
	require.Truef(t, ok, "expected %T, got %T", *new(T), f.Body)
	return body
}

func u32(v uint32) *uint32 { return &v }
func u16(v uint16) *uint16 { return &v }

// openConnection returns an engine whose connection was opened on both
// sides.
func openConnection(t *testing.T, cfg Config) (*Engine, *Connection, *peer) {
	t.Helper()
	return openConnectionWith(t, cfg, &performatives.Open{ContainerID: "peer"})
}

func openConnectionWith(t *testing.T, cfg Config, remote *performatives.Open, opts ...Option) (*Engine, *Connection, *peer) {
	t.Helper()
	if cfg.ContainerID == "" {
		cfg.ContainerID = "driver"
	}
	e := New(cfg, opts...)
	p := newPeer(t, e)
	conn, err := e.Start()
	require.NoError(t, err)
	require.NoError(t, conn.Open())
	require.Equal(t, []frames.Header{frames.AMQPHeader}, p.headers)
	open := bodyAs[*performatives.Open](t, p.next())
	require.Equal(t, cfg.ContainerID, open.ContainerID)

	require.NoError(t, p.header(frames.AMQPHeader))
	require.NoError(t, p.send(0, remote))
	require.True(t, conn.IsRemotelyOpen())
	return e, conn, p
}

// openSession begins a session answered by the peer with the given
// incoming window.
func openSession(t *testing.T, conn *Connection, p *peer, window uint32) *Session {
	t.Helper()
	s, err := conn.Session()
	require.NoError(t, err)
	require.NoError(t, s.Open())
	bodyAs[*performatives.Begin](t, p.next())
	require.NoError(t, p.send(0, &performatives.Begin{
		RemoteChannel:  u16(s.Channel()),
		NextOutgoingID: 0,
		IncomingWindow: window,
		OutgoingWindow: window,
	}))
	require.True(t, s.IsRemotelyOpen())
	return s
}

func openSender(t *testing.T, s *Session, p *peer, name string) *Sender {
	t.Helper()
	snd, err := s.Sender(name)
	require.NoError(t, err)
	require.NoError(t, snd.Open())
	attach := bodyAs[*performatives.Attach](t, p.next())
	require.Equal(t, performatives.RoleSender, attach.Role)
	require.NoError(t, p.send(0, &performatives.Attach{
		Name:   name,
		Handle: snd.Handle(),
		Role:   performatives.RoleReceiver,
		Source: &performatives.Source{Address: "src"},
		Target: &performatives.Target{Address: "dst"},
	}))
	require.True(t, snd.IsRemotelyOpen())
	return snd
}

func openReceiver(t *testing.T, s *Session, p *peer, name string) *Receiver {
	t.Helper()
	r, err := s.Receiver(name)
	require.NoError(t, err)
	require.NoError(t, r.Open())
	attach := bodyAs[*performatives.Attach](t, p.next())
	require.Equal(t, performatives.RoleReceiver, attach.Role)
	require.NoError(t, p.send(0, &performatives.Attach{
		Name:   name,
		Handle: r.Handle(),
		Role:   performatives.RoleSender,
		Source: &performatives.Source{Address: "src"},
		Target: &performatives.Target{Address: "dst"},
	}))
	require.True(t, r.IsRemotelyOpen())
	return r
}

// grant sends link credit from the peer's receiver side.
func (p *peer) grant(handle, deliveryCount, credit uint32, drain bool) error {
	return p.send(0, &performatives.Flow{
		NextIncomingID: u32(0),
		IncomingWindow: 1000,
		NextOutgoingID: 0,
		OutgoingWindow: 1000,
		Handle:         u32(handle),
		DeliveryCount:  u32(deliveryCount),
		LinkCredit:     u32(credit),
		Drain:          drain,
	})
}

// transfer sends a single transfer frame from the peer's sender.
func (p *peer) transfer(handle, id uint32, tag []byte, payload []byte, more bool) error {
	return p.sendPayload(0, &performatives.Transfer{
		Handle:        handle,
		DeliveryID:    u32(id),
		DeliveryTag:   tag,
		MessageFormat: u32(0),
		More:          more,
	}, payload)
}
