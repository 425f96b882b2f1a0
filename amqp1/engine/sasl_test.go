// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"testing"

	"github.com/absmach/fluxamqp/amqp1/frames"
	"github.com/absmach/fluxamqp/amqp1/sasl"
	"github.com/absmach/fluxamqp/amqp1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mechanisms(names ...types.Symbol) *sasl.Mechanisms {
	return &sasl.Mechanisms{Mechanisms: names}
}

func saslOK() *sasl.Outcome {
	return &sasl.Outcome{Code: sasl.CodeOK}
}

func TestSASLClientPlain(t *testing.T) {
	e := New(Config{
		ContainerID: "driver",
		SASLClient: &SASLClient{
			Mechanism:       sasl.MechPLAIN,
			InitialResponse: sasl.PlainResponse("", "guest", "secret"),
			Hostname:        "broker",
		},
	})
	p := newPeer(t, e)
	conn, err := e.Start()
	require.NoError(t, err)
	require.NoError(t, conn.Open())

	require.NoError(t, p.header(frames.SASLHeader))
	require.NoError(t, p.sendSASL(mechanisms(sasl.MechANONYMOUS, sasl.MechPLAIN)))
	f := p.next()
	init, ok := f.SASL.(*sasl.Init)
	require.True(t, ok, "expected init, got %T", f.SASL)
	assert.Equal(t, sasl.MechPLAIN, init.Mechanism)
	assert.Equal(t, "broker", init.Hostname)
	_, user, pass, err := sasl.ParsePLAIN(init.InitialResponse)
	require.NoError(t, err)
	assert.Equal(t, "guest", user)
	assert.Equal(t, "secret", pass)

	p.dec.ExpectHeader()
	require.NoError(t, p.sendSASL(saslOK()))
	assert.Equal(t, "open", frameNames(p.take())[0])
}

func TestSASLClientChallenge(t *testing.T) {
	e := New(Config{
		SASLClient: &SASLClient{
			Mechanism: "SCRAM-TEST",
			OnChallenge: func(challenge []byte) ([]byte, error) {
				return append([]byte("re:"), challenge...), nil
			},
		},
	})
	p := newPeer(t, e)
	conn, err := e.Start()
	require.NoError(t, err)
	require.NoError(t, conn.Open())
	require.NoError(t, p.header(frames.SASLHeader))
	require.NoError(t, p.sendSASL(mechanisms("SCRAM-TEST")))
	p.take()

	require.NoError(t, p.sendSASL(&sasl.Challenge{Challenge: []byte("nonce")}))
	resp, ok := p.next().SASL.(*sasl.Response)
	require.True(t, ok)
	assert.Equal(t, []byte("re:nonce"), resp.Response)
}

func TestSASLClientFailures(t *testing.T) {
	cases := []struct {
		desc  string
		frame sasl.Body
		code  uint8
	}{
		{desc: "mechanism not offered", frame: mechanisms("EXTERNAL")},
		{desc: "authentication rejected", frame: &sasl.Outcome{Code: sasl.CodeAuth}, code: sasl.CodeAuth},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			e := New(Config{SASLClient: &SASLClient{Mechanism: sasl.MechANONYMOUS}})
			p := newPeer(t, e)
			conn, err := e.Start()
			require.NoError(t, err)
			require.NoError(t, conn.Open())
			require.NoError(t, p.header(frames.SASLHeader))

			err = p.sendSASL(tc.frame)
			assert.ErrorIs(t, err, ErrSASLFailed)
			assert.ErrorIs(t, err, ErrEngineFailed)
			assert.True(t, e.IsFailed())

			var se *SASLError
			if tc.code != 0 {
				require.True(t, errors.As(err, &se))
				assert.Equal(t, tc.code, se.Code)
			}
		})
	}
}

func TestSASLServerPlain(t *testing.T) {
	check := func(user, pass string) bool { return user == "guest" && pass == "secret" }
	cases := []struct {
		desc string
		pass string
		code uint8
	}{
		{desc: "valid credentials", pass: "secret", code: sasl.CodeOK},
		{desc: "wrong password", pass: "nope", code: sasl.CodeAuth},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			e := New(Config{
				ContainerID: "server",
				SASLServer: &SASLServer{
					Mechanisms:   []types.Symbol{sasl.MechPLAIN},
					Authenticate: PlainAuthenticator(check),
				},
			})
			p := newPeer(t, e)
			conn, err := e.Start()
			require.NoError(t, err)
			require.NoError(t, conn.Open())
			assert.Empty(t, p.headers, "a server waits for the client header")

			require.NoError(t, p.header(frames.SASLHeader))
			assert.Equal(t, []frames.Header{frames.SASLHeader}, p.headers)
			mechs, ok := p.next().SASL.(*sasl.Mechanisms)
			require.True(t, ok)
			assert.Equal(t, []types.Symbol{sasl.MechPLAIN}, mechs.Mechanisms)

			err = p.sendSASL(&sasl.Init{Mechanism: sasl.MechPLAIN, InitialResponse: sasl.PlainResponse("", "guest", tc.pass)})
			outcome, ok := p.next().SASL.(*sasl.Outcome)
			require.True(t, ok)
			assert.Equal(t, tc.code, outcome.Code)
			if tc.code != sasl.CodeOK {
				assert.ErrorIs(t, err, ErrSASLFailed)
				return
			}
			require.NoError(t, err)

			p.dec.ExpectHeader()
			require.NoError(t, p.header(frames.AMQPHeader))
			assert.Equal(t, []frames.Header{frames.SASLHeader, frames.AMQPHeader}, p.headers)
			assert.Equal(t, []string{"open"}, frameNames(p.take()))
		})
	}
}

func TestSASLServerChallenge(t *testing.T) {
	rounds := 0
	e := New(Config{SASLServer: &SASLServer{
		Mechanisms: []types.Symbol{"TOKEN"},
		Authenticate: func(mech types.Symbol, response []byte) ([]byte, uint8) {
			rounds++
			if string(response) == "token" {
				return nil, sasl.CodeOK
			}
			return []byte("send token"), 0
		},
	}})
	p := newPeer(t, e)
	_, err := e.Start()
	require.NoError(t, err)
	require.NoError(t, p.header(frames.SASLHeader))
	p.take()

	require.NoError(t, p.sendSASL(&sasl.Init{Mechanism: "TOKEN"}))
	ch, ok := p.next().SASL.(*sasl.Challenge)
	require.True(t, ok)
	assert.Equal(t, []byte("send token"), ch.Challenge)

	require.NoError(t, p.sendSASL(&sasl.Response{Response: []byte("token")}))
	outcome, ok := p.next().SASL.(*sasl.Outcome)
	require.True(t, ok)
	assert.Equal(t, sasl.CodeOK, outcome.Code)
	assert.Equal(t, 2, rounds)
}

func TestAMQPHeaderBeforeSASLIsViolation(t *testing.T) {
	e := New(Config{SASLServer: &SASLServer{Mechanisms: []types.Symbol{sasl.MechANONYMOUS}}})
	newPeer(t, e)
	_, err := e.Start()
	require.NoError(t, err)
	err = e.Ingest(func() []byte { h := frames.AMQPHeader.Bytes(); return h[:] }())
	assert.ErrorIs(t, err, frames.ErrProtocolViolation)
}
