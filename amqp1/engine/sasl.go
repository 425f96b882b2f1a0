// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"slices"

	"github.com/absmach/fluxamqp/amqp1/frames"
	"github.com/absmach/fluxamqp/amqp1/sasl"
	"github.com/absmach/fluxamqp/amqp1/types"
)

// SASLClient configures the client side of a SASL exchange.
type SASLClient struct {
	Mechanism       types.Symbol
	InitialResponse []byte
	Hostname        string
	// OnChallenge answers a server challenge. A nil handler answers with an
	// empty response.
	OnChallenge func(challenge []byte) ([]byte, error)
}

// SASLServer configures the server side of a SASL exchange.
type SASLServer struct {
	Mechanisms []types.Symbol
	// Authenticate inspects a client init or response. A non nil challenge
	// continues the exchange; otherwise code is sent as the outcome. A nil
	// Authenticate accepts every client.
	Authenticate func(mechanism types.Symbol, response []byte) (challenge []byte, code uint8)
}

// PlainAuthenticator returns an Authenticate function checking PLAIN
// credentials with check.
func PlainAuthenticator(check func(username, password string) bool) func(types.Symbol, []byte) ([]byte, uint8) {
	return func(mech types.Symbol, response []byte) ([]byte, uint8) {
		if mech != sasl.MechPLAIN {
			return nil, sasl.CodeAuth
		}
		_, user, pass, err := sasl.ParsePLAIN(response)
		if err != nil || !check(user, pass) {
			return nil, sasl.CodeAuth
		}
		return nil, sasl.CodeOK
	}
}

type saslExchange struct {
	engine     *Engine
	client     *SASLClient
	server     *SASLServer
	headerSent bool
	done       bool
	mechanism  types.Symbol
}

func newSASLExchange(e *Engine) *saslExchange {
	return &saslExchange{engine: e, client: e.cfg.SASLClient, server: e.cfg.SASLServer}
}

// required reports whether an exchange must complete before the AMQP header.
func (x *saslExchange) required() bool {
	return (x.client != nil || x.server != nil) && !x.done
}

// startClient writes the SASL header for a client exchange. It reports
// whether the AMQP header has to wait for the exchange.
func (x *saslExchange) startClient() bool {
	if x.client == nil || x.done {
		return false
	}
	if !x.headerSent {
		x.headerSent = true
		x.engine.writeHeader(frames.SASLHeader)
	}
	return true
}

func (x *saslExchange) onHeader() error {
	switch {
	case x.done:
		return &frames.ProtocolError{Msg: "unexpected SASL header after completed exchange"}
	case x.server != nil:
		if !x.headerSent {
			x.headerSent = true
			x.engine.writeHeader(frames.SASLHeader)
		}
		return x.engine.writeSASLFrame(&sasl.Mechanisms{Mechanisms: x.server.Mechanisms})
	case x.client != nil:
		return nil
	default:
		return &frames.ProtocolError{Msg: "SASL header received but SASL is not configured"}
	}
}

func (x *saslExchange) onFrame(body sasl.Body) error {
	if body == nil {
		return &frames.ProtocolError{Msg: "empty SASL frame"}
	}
	if x.client != nil {
		return x.onClientFrame(body)
	}
	if x.server != nil {
		return x.onServerFrame(body)
	}
	return &frames.ProtocolError{Msg: "SASL frame received but SASL is not configured"}
}

func (x *saslExchange) onClientFrame(body sasl.Body) error {
	switch b := body.(type) {
	case *sasl.Mechanisms:
		if !slices.Contains(b.Mechanisms, x.client.Mechanism) {
			x.engine.logger.Warn("sasl mechanism not offered", "mechanism", x.client.Mechanism, "offered", b.Mechanisms)
			return fmt.Errorf("%w: mechanism %s not offered by server", ErrSASLFailed, x.client.Mechanism)
		}
		x.mechanism = x.client.Mechanism
		return x.engine.writeSASLFrame(&sasl.Init{
			Mechanism:       x.client.Mechanism,
			InitialResponse: x.client.InitialResponse,
			Hostname:        x.client.Hostname,
		})
	case *sasl.Challenge:
		var resp []byte
		if x.client.OnChallenge != nil {
			var err error
			if resp, err = x.client.OnChallenge(b.Challenge); err != nil {
				return fmt.Errorf("%w: %w", ErrSASLFailed, err)
			}
		}
		return x.engine.writeSASLFrame(&sasl.Response{Response: resp})
	case *sasl.Outcome:
		if b.Code != sasl.CodeOK {
			return &SASLError{Code: b.Code}
		}
		x.complete()
		x.engine.headerSent = true
		x.engine.writeHeader(frames.AMQPHeader)
		return x.engine.conn.tryWriteOpen()
	default:
		return &frames.ProtocolError{Msg: fmt.Sprintf("unexpected SASL frame 0x%02x for a client", body.Descriptor())}
	}
}

func (x *saslExchange) onServerFrame(body sasl.Body) error {
	switch b := body.(type) {
	case *sasl.Init:
		x.mechanism = b.Mechanism
		if !slices.Contains(x.server.Mechanisms, b.Mechanism) {
			return x.outcome(sasl.CodeAuth)
		}
		return x.authenticate(b.InitialResponse)
	case *sasl.Response:
		return x.authenticate(b.Response)
	default:
		return &frames.ProtocolError{Msg: fmt.Sprintf("unexpected SASL frame 0x%02x for a server", body.Descriptor())}
	}
}

func (x *saslExchange) authenticate(response []byte) error {
	if x.server.Authenticate == nil {
		return x.outcome(sasl.CodeOK)
	}
	challenge, code := x.server.Authenticate(x.mechanism, response)
	if challenge != nil {
		return x.engine.writeSASLFrame(&sasl.Challenge{Challenge: challenge})
	}
	return x.outcome(code)
}

func (x *saslExchange) outcome(code uint8) error {
	if err := x.engine.writeSASLFrame(&sasl.Outcome{Code: code}); err != nil {
		return err
	}
	if code != sasl.CodeOK {
		x.engine.Flush()
		return &SASLError{Code: code}
	}
	x.complete()
	return nil
}

func (x *saslExchange) complete() {
	x.done = true
	x.engine.decoder.ExpectHeader()
	x.engine.logger.Debug("sasl exchange completed", "mechanism", x.mechanism)
}
