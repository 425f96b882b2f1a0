// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frames

import (
	"fmt"

	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/amqp1/types"
)

// Encoder writes protocol headers and frames to an output buffer, keeping
// every frame within the outbound maximum frame size.
type Encoder struct {
	maxFrameSize uint32
	scratch      *types.Buffer
}

// NewEncoder returns an encoder. A maxFrameSize of zero means frames are not
// size limited.
func NewEncoder(maxFrameSize uint32) *Encoder {
	return &Encoder{maxFrameSize: maxFrameSize, scratch: types.NewBuffer(256)}
}

// SetMaxFrameSize changes the outbound frame size limit.
func (e *Encoder) SetMaxFrameSize(n uint32) { e.maxFrameSize = n }

// MaxFrameSize returns the outbound frame size limit.
func (e *Encoder) MaxFrameSize() uint32 { return e.maxFrameSize }

// WriteHeader writes a protocol header.
func (e *Encoder) WriteHeader(out *types.Buffer, h Header) {
	raw := h.Bytes()
	_, _ = out.Write(raw[:])
}

// WriteEmptyFrame writes a frame without a body, used as a heartbeat.
func (e *Encoder) WriteEmptyFrame(out *types.Buffer, channel uint16) {
	out.WriteUint32(MinFrameSize)
	_, _ = out.Write([]byte{minDataOffset, TypeAMQP, byte(channel >> 8), byte(channel)})
}

// WriteFrame writes a single frame holding body and payload. It fails with
// ErrFrameTooLarge, leaving out unchanged, when the frame does not fit.
func (e *Encoder) WriteFrame(out *types.Buffer, frameType byte, channel uint16, body types.Encodable, payload []byte) error {
	start := out.WriteIndex()
	out.WriteUint32(0)
	_, _ = out.Write([]byte{minDataOffset, frameType, byte(channel >> 8), byte(channel)})
	if err := body.Encode(out); err != nil {
		out.SetWriteIndex(start)
		return err
	}
	_, _ = out.Write(payload)

	size := out.WriteIndex() - start
	if e.maxFrameSize > 0 && uint64(size) > uint64(e.maxFrameSize) {
		out.SetWriteIndex(start)
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, size, e.maxFrameSize)
	}
	out.PutUint32At(start, uint32(size))
	return nil
}

// WriteTransferFrame writes one transfer frame carrying as much of payload as
// fits and returns the number of payload bytes written. When the payload is
// cut short the frame is sent with more=true; otherwise t.More is kept.
func (e *Encoder) WriteTransferFrame(out *types.Buffer, channel uint16, t *performatives.Transfer, payload []byte) (int, error) {
	if e.maxFrameSize == 0 {
		return len(payload), e.WriteFrame(out, TypeAMQP, channel, t, payload)
	}

	more := t.More
	t.More = true
	e.scratch.Reset()
	err := t.Encode(e.scratch)
	t.More = more
	if err != nil {
		return 0, err
	}

	room := int(e.maxFrameSize) - MinFrameSize - e.scratch.Len()
	if room >= len(payload) {
		return len(payload), e.WriteFrame(out, TypeAMQP, channel, t, payload)
	}
	if room <= 0 {
		return 0, fmt.Errorf("%w: no room for transfer payload within %d bytes", ErrFrameTooLarge, e.maxFrameSize)
	}

	t.More = true
	err = e.WriteFrame(out, TypeAMQP, channel, t, payload[:room])
	t.More = more
	if err != nil {
		return 0, err
	}
	return room, nil
}

// WriteTransfer writes t and its payload, splitting it across as many frames
// as the frame size requires. Continuation frames repeat only the handle and
// settlement. It returns the number of frames written.
func (e *Encoder) WriteTransfer(out *types.Buffer, channel uint16, t *performatives.Transfer, payload []byte) (int, error) {
	n, err := e.WriteTransferFrame(out, channel, t, payload)
	if err != nil {
		return 0, err
	}
	frames := 1
	for n < len(payload) {
		cont := &performatives.Transfer{Handle: t.Handle, Settled: t.Settled, More: t.More}
		written, err := e.WriteTransferFrame(out, channel, cont, payload[n:])
		if err != nil {
			return frames, err
		}
		n += written
		frames++
	}
	return frames, nil
}
