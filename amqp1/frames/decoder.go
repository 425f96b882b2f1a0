// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frames

import (
	"encoding/binary"

	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/amqp1/sasl"
	"github.com/absmach/fluxamqp/amqp1/types"
)

// Frame types.
const (
	TypeAMQP byte = 0x00
	TypeSASL byte = 0x01
)

const (
	// MinFrameSize is the size of the fixed frame header.
	MinFrameSize = 8
	// minDataOffset is the smallest legal data offset, in 4-byte words.
	minDataOffset = 2
)

// Frame is a decoded AMQP or SASL frame. A frame without a body is an empty
// (heartbeat) frame.
type Frame struct {
	Type    byte
	Channel uint16
	Body    performatives.Performative
	SASL    sasl.Body
	// Payload holds the bytes following a Transfer performative. It is a
	// read-only view valid for as long as the caller keeps it.
	Payload []byte
}

// IsEmpty reports whether f carries no body.
func (f Frame) IsEmpty() bool {
	return f.Body == nil && f.SASL == nil
}

// Handler receives decoder events. Returning an error stops decoding of the
// current input and is returned from Ingest.
type Handler interface {
	OnHeader(h Header) error
	OnFrame(f Frame) error
}

// State of the decoder.
type State int

// Decoder states.
const (
	StateExpectHeader State = iota
	StateExpectFrame
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateExpectHeader:
		return "expect-header"
	case StateExpectFrame:
		return "expect-frame"
	default:
		return "failed"
	}
}

// Decoder turns a byte stream into header and frame events. It accepts input
// in chunks of any size. Once a violation is detected the decoder fails
// permanently and returns the same error for every later call.
type Decoder struct {
	handler      Handler
	buf          *types.Buffer
	state        State
	frameType    byte
	maxFrameSize uint32
	err          error
}

// NewDecoder returns a decoder expecting a protocol header. A maxFrameSize
// of zero means frames are not size limited.
func NewDecoder(h Handler, maxFrameSize uint32) *Decoder {
	return &Decoder{
		handler:      h,
		buf:          types.NewBuffer(0),
		maxFrameSize: maxFrameSize,
	}
}

// State returns the current decoder state.
func (d *Decoder) State() State { return d.state }

// Err returns the violation that failed the decoder.
func (d *Decoder) Err() error { return d.err }

// SetMaxFrameSize changes the inbound frame size limit.
func (d *Decoder) SetMaxFrameSize(n uint32) { d.maxFrameSize = n }

// ExpectHeader makes the decoder wait for a new protocol header, as required
// after a completed SASL exchange.
func (d *Decoder) ExpectHeader() {
	if d.state != StateFailed {
		d.state = StateExpectHeader
	}
}

// Ingest consumes p, emitting one event per complete header or frame in
// arrival order.
func (d *Decoder) Ingest(p []byte) error {
	if d.state == StateFailed {
		return d.err
	}
	_, _ = d.buf.Write(p)
	defer d.buf.Compact()

	for {
		var (
			progressed bool
			err        error
		)
		switch d.state {
		case StateExpectHeader:
			progressed, err = d.decodeHeader()
		case StateExpectFrame:
			progressed, err = d.decodeFrame()
		default:
			return d.err
		}
		if err != nil || !progressed {
			return err
		}
	}
}

func (d *Decoder) fail(err *ProtocolError) error {
	d.state = StateFailed
	d.err = err
	return err
}

func (d *Decoder) decodeHeader() (bool, error) {
	avail := d.buf.Bytes()
	n := min(len(avail), ProtoHeaderSize)
	for i := 0; i < n; i++ {
		if !validHeaderByte(i, avail[i]) {
			return false, d.fail(protocolErrorf("invalid protocol header byte 0x%02x at offset %d", avail[i], i))
		}
	}
	if n < ProtoHeaderSize {
		return false, nil
	}
	raw, _ := d.buf.Next(ProtoHeaderSize)
	h := Header{ProtocolID: raw[4], Major: raw[5], Minor: raw[6], Revision: raw[7]}
	d.frameType = TypeAMQP
	if h.IsSASL() {
		d.frameType = TypeSASL
	}
	d.state = StateExpectFrame
	return true, d.handler.OnHeader(h)
}

func (d *Decoder) decodeFrame() (bool, error) {
	avail := d.buf.Bytes()
	if len(avail) < 4 {
		return false, nil
	}
	size := binary.BigEndian.Uint32(avail)
	if size < MinFrameSize {
		return false, d.fail(protocolErrorf("frame size %d smaller than minimum", size))
	}
	if d.maxFrameSize > 0 && size > d.maxFrameSize {
		return false, d.fail(protocolErrorf("frame size %d larger than maximum frame size %d", size, d.maxFrameSize))
	}
	if len(avail) < 5 {
		return false, nil
	}
	doff := uint32(avail[4])
	if doff < minDataOffset {
		return false, d.fail(protocolErrorf("data offset %d smaller than minimum", doff*4))
	}
	if doff*4 > size {
		return false, d.fail(protocolErrorf("data offset %d larger than the frame size %d", doff*4, size))
	}
	if uint32(len(avail)) < size {
		return false, nil
	}

	raw, _ := d.buf.Next(int(size))
	f := Frame{Type: raw[5], Channel: binary.BigEndian.Uint16(raw[6:8])}
	if f.Type != d.frameType {
		return false, d.fail(protocolErrorf("unexpected frame type 0x%02x", f.Type))
	}

	body := types.Wrap(raw[doff*4:])
	if body.Len() > 0 {
		var err error
		if f.Type == TypeSASL {
			f.SASL, err = sasl.Decode(body)
		} else {
			f.Body, err = performatives.Decode(body)
		}
		if err != nil {
			return false, d.fail(&ProtocolError{Msg: "malformed frame body", Err: err})
		}
		if body.Len() > 0 {
			if _, ok := f.Body.(*performatives.Transfer); !ok {
				return false, d.fail(protocolErrorf("unexpected payload after non-transfer frame body"))
			}
			f.Payload = body.Bytes()
		}
	}
	return true, d.handler.OnFrame(f)
}
