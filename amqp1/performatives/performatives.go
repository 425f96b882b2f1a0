// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"fmt"

	"github.com/absmach/fluxamqp/amqp1/types"
)

// Performative descriptors.
const (
	DescriptorOpen        uint64 = 0x10
	DescriptorBegin       uint64 = 0x11
	DescriptorAttach      uint64 = 0x12
	DescriptorFlow        uint64 = 0x13
	DescriptorTransfer    uint64 = 0x14
	DescriptorDisposition uint64 = 0x15
	DescriptorDetach      uint64 = 0x16
	DescriptorEnd         uint64 = 0x17
	DescriptorClose       uint64 = 0x18
)

// Role of a link endpoint.
type Role bool

// Role constants.
const (
	RoleSender   Role = false
	RoleReceiver Role = true
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// SenderSettleMode values.
const (
	SndUnsettled uint8 = 0
	SndSettled   uint8 = 1
	SndMixed     uint8 = 2
)

// ReceiverSettleMode values.
const (
	RcvFirst  uint8 = 0
	RcvSecond uint8 = 1
)

// Performative is a frame body on an AMQP frame.
type Performative interface {
	types.Encodable
	Descriptor() uint64
}

// Open performative (0x10). Zero MaxFrameSize, ChannelMax and IdleTimeOut
// are encoded as absent.
type Open struct {
	ContainerID         string
	Hostname            string
	MaxFrameSize        uint32
	ChannelMax          uint16
	IdleTimeOut         uint32 // milliseconds, 0 = no timeout
	OutgoingLocales     []types.Symbol
	IncomingLocales     []types.Symbol
	OfferedCapabilities []types.Symbol
	DesiredCapabilities []types.Symbol
	Properties          map[types.Symbol]any
}

func (*Open) Descriptor() uint64 { return DescriptorOpen }

func (o *Open) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.str(o.ContainerID)
	w.optStr(o.Hostname)
	w.optUint(o.MaxFrameSize)
	w.optUshort(o.ChannelMax)
	w.optUint(o.IdleTimeOut)
	w.multiple(o.OutgoingLocales)
	w.multiple(o.IncomingLocales)
	w.multiple(o.OfferedCapabilities)
	w.multiple(o.DesiredCapabilities)
	w.symbolMap(o.Properties)
	return w.finish(b, DescriptorOpen)
}

func decodeOpen(fields []any) (*Open, error) {
	r := newFieldReader("open", fields)
	r.missing(0, "container-id")
	o := &Open{
		ContainerID:         r.string(0, "container-id"),
		Hostname:            r.string(1, "hostname"),
		MaxFrameSize:        r.uint32(2, "max-frame-size"),
		ChannelMax:          r.uint16(3, "channel-max"),
		IdleTimeOut:         r.uint32(4, "idle-time-out"),
		OutgoingLocales:     r.multiple(5, "outgoing-locales"),
		IncomingLocales:     r.multiple(6, "incoming-locales"),
		OfferedCapabilities: r.multiple(7, "offered-capabilities"),
		DesiredCapabilities: r.multiple(8, "desired-capabilities"),
		Properties:          r.symbolMap(9, "properties"),
	}
	return o, r.err
}

// Begin performative (0x11).
type Begin struct {
	RemoteChannel       *uint16
	NextOutgoingID      uint32
	IncomingWindow      uint32
	OutgoingWindow      uint32
	HandleMax           uint32 // 0 = absent
	OfferedCapabilities []types.Symbol
	DesiredCapabilities []types.Symbol
	Properties          map[types.Symbol]any
}

func (*Begin) Descriptor() uint64 { return DescriptorBegin }

func (bg *Begin) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.ptrUshort(bg.RemoteChannel)
	w.uint(bg.NextOutgoingID)
	w.uint(bg.IncomingWindow)
	w.uint(bg.OutgoingWindow)
	w.optUint(bg.HandleMax)
	w.multiple(bg.OfferedCapabilities)
	w.multiple(bg.DesiredCapabilities)
	w.symbolMap(bg.Properties)
	return w.finish(b, DescriptorBegin)
}

func decodeBegin(fields []any) (*Begin, error) {
	r := newFieldReader("begin", fields)
	r.missing(1, "next-outgoing-id")
	r.missing(2, "incoming-window")
	r.missing(3, "outgoing-window")
	bg := &Begin{
		RemoteChannel:       r.ptrUint16(0, "remote-channel"),
		NextOutgoingID:      r.uint32(1, "next-outgoing-id"),
		IncomingWindow:      r.uint32(2, "incoming-window"),
		OutgoingWindow:      r.uint32(3, "outgoing-window"),
		HandleMax:           r.uint32(4, "handle-max"),
		OfferedCapabilities: r.multiple(5, "offered-capabilities"),
		DesiredCapabilities: r.multiple(6, "desired-capabilities"),
		Properties:          r.symbolMap(7, "properties"),
	}
	return bg, r.err
}

// Attach performative (0x12). A nil Source or Target is sent as null, which
// on a response signals that the link was refused.
type Attach struct {
	Name                 string
	Handle               uint32
	Role                 Role
	SndSettleMode        *uint8
	RcvSettleMode        *uint8
	Source               *Source
	Target               TargetTerminus
	Unsettled            map[any]any
	IncompleteUnsettled  bool
	InitialDeliveryCount uint32
	MaxMessageSize       uint64 // 0 = unlimited
	OfferedCapabilities  []types.Symbol
	DesiredCapabilities  []types.Symbol
	Properties           map[types.Symbol]any
}

func (*Attach) Descriptor() uint64 { return DescriptorAttach }

func (a *Attach) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.str(a.Name)
	w.uint(a.Handle)
	w.bool(bool(a.Role))
	w.ptrUbyte(a.SndSettleMode)
	w.ptrUbyte(a.RcvSettleMode)
	if a.Source == nil {
		w.null()
	} else {
		w.encodable(a.Source)
	}
	if a.Target == nil {
		w.null()
	} else {
		w.encodable(a.Target)
	}
	w.anyMap(a.Unsettled)
	w.optBool(a.IncompleteUnsettled)
	if a.Role == RoleSender {
		w.uint(a.InitialDeliveryCount)
	} else {
		w.null()
	}
	w.optUlong(a.MaxMessageSize)
	w.multiple(a.OfferedCapabilities)
	w.multiple(a.DesiredCapabilities)
	w.symbolMap(a.Properties)
	return w.finish(b, DescriptorAttach)
}

func decodeAttach(fields []any) (*Attach, error) {
	r := newFieldReader("attach", fields)
	r.missing(0, "name")
	r.missing(1, "handle")
	r.missing(2, "role")
	a := &Attach{
		Name:                 r.string(0, "name"),
		Handle:               r.uint32(1, "handle"),
		Role:                 Role(r.bool(2, "role")),
		SndSettleMode:        r.ptrUint8(3, "snd-settle-mode"),
		RcvSettleMode:        r.ptrUint8(4, "rcv-settle-mode"),
		Unsettled:            r.anyMap(7, "unsettled"),
		IncompleteUnsettled:  r.bool(8, "incomplete-unsettled"),
		InitialDeliveryCount: r.uint32(9, "initial-delivery-count"),
		MaxMessageSize:       r.uint64(10, "max-message-size"),
		OfferedCapabilities:  r.multiple(11, "offered-capabilities"),
		DesiredCapabilities:  r.multiple(12, "desired-capabilities"),
		Properties:           r.symbolMap(13, "properties"),
	}
	if v := r.get(5); v != nil {
		s, err := sourceFromValue(v)
		r.fail(err)
		a.Source = s
	}
	if v := r.get(6); v != nil {
		t, err := targetFromValue(v)
		r.fail(err)
		a.Target = t
	}
	if a.Role == RoleSender && r.get(9) == nil {
		r.missing(9, "initial-delivery-count")
	}
	return a, r.err
}

// Flow performative (0x13). Handle and the link fields are nil for a
// session-only flow.
type Flow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     map[types.Symbol]any
}

func (*Flow) Descriptor() uint64 { return DescriptorFlow }

func (f *Flow) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.ptrUint(f.NextIncomingID)
	w.uint(f.IncomingWindow)
	w.uint(f.NextOutgoingID)
	w.uint(f.OutgoingWindow)
	w.ptrUint(f.Handle)
	w.ptrUint(f.DeliveryCount)
	w.ptrUint(f.LinkCredit)
	w.ptrUint(f.Available)
	w.optBool(f.Drain)
	w.optBool(f.Echo)
	w.symbolMap(f.Properties)
	return w.finish(b, DescriptorFlow)
}

func decodeFlow(fields []any) (*Flow, error) {
	r := newFieldReader("flow", fields)
	r.missing(1, "incoming-window")
	r.missing(2, "next-outgoing-id")
	r.missing(3, "outgoing-window")
	f := &Flow{
		NextIncomingID: r.ptrUint32(0, "next-incoming-id"),
		IncomingWindow: r.uint32(1, "incoming-window"),
		NextOutgoingID: r.uint32(2, "next-outgoing-id"),
		OutgoingWindow: r.uint32(3, "outgoing-window"),
		Handle:         r.ptrUint32(4, "handle"),
		DeliveryCount:  r.ptrUint32(5, "delivery-count"),
		LinkCredit:     r.ptrUint32(6, "link-credit"),
		Available:      r.ptrUint32(7, "available"),
		Drain:          r.bool(8, "drain"),
		Echo:           r.bool(9, "echo"),
		Properties:     r.symbolMap(10, "properties"),
	}
	return f, r.err
}

// Transfer performative (0x14). The payload follows the performative in the
// frame body and is carried outside this struct.
type Transfer struct {
	Handle        uint32
	DeliveryID    *uint32
	DeliveryTag   []byte
	MessageFormat *uint32
	Settled       bool
	More          bool
	RcvSettleMode *uint8
	State         DeliveryState
	Resume        bool
	Aborted       bool
	Batchable     bool
}

func (*Transfer) Descriptor() uint64 { return DescriptorTransfer }

func (t *Transfer) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.uint(t.Handle)
	w.ptrUint(t.DeliveryID)
	w.binary(t.DeliveryTag)
	w.ptrUint(t.MessageFormat)
	w.bool(t.Settled)
	w.optBool(t.More)
	w.ptrUbyte(t.RcvSettleMode)
	if t.State == nil {
		w.null()
	} else {
		w.encodable(t.State)
	}
	w.optBool(t.Resume)
	w.optBool(t.Aborted)
	w.optBool(t.Batchable)
	return w.finish(b, DescriptorTransfer)
}

func decodeTransfer(fields []any) (*Transfer, error) {
	r := newFieldReader("transfer", fields)
	r.missing(0, "handle")
	t := &Transfer{
		Handle:        r.uint32(0, "handle"),
		DeliveryID:    r.ptrUint32(1, "delivery-id"),
		DeliveryTag:   r.binary(2, "delivery-tag"),
		MessageFormat: r.ptrUint32(3, "message-format"),
		Settled:       r.bool(4, "settled"),
		More:          r.bool(5, "more"),
		RcvSettleMode: r.ptrUint8(6, "rcv-settle-mode"),
		State:         r.state(7, "state"),
		Resume:        r.bool(8, "resume"),
		Aborted:       r.bool(9, "aborted"),
		Batchable:     r.bool(10, "batchable"),
	}
	return t, r.err
}

// Disposition performative (0x15).
type Disposition struct {
	Role      Role
	First     uint32
	Last      *uint32
	Settled   bool
	State     DeliveryState
	Batchable bool
}

func (*Disposition) Descriptor() uint64 { return DescriptorDisposition }

func (d *Disposition) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.bool(bool(d.Role))
	w.uint(d.First)
	w.ptrUint(d.Last)
	w.optBool(d.Settled)
	if d.State == nil {
		w.null()
	} else {
		w.encodable(d.State)
	}
	w.optBool(d.Batchable)
	return w.finish(b, DescriptorDisposition)
}

func decodeDisposition(fields []any) (*Disposition, error) {
	r := newFieldReader("disposition", fields)
	r.missing(0, "role")
	r.missing(1, "first")
	d := &Disposition{
		Role:      Role(r.bool(0, "role")),
		First:     r.uint32(1, "first"),
		Last:      r.ptrUint32(2, "last"),
		Settled:   r.bool(3, "settled"),
		State:     r.state(4, "state"),
		Batchable: r.bool(5, "batchable"),
	}
	return d, r.err
}

// Detach performative (0x16).
type Detach struct {
	Handle uint32
	Closed bool
	Error  *Error
}

func (*Detach) Descriptor() uint64 { return DescriptorDetach }

func (d *Detach) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.uint(d.Handle)
	w.optBool(d.Closed)
	w.encodable(encodableError(d.Error))
	return w.finish(b, DescriptorDetach)
}

func decodeDetach(fields []any) (*Detach, error) {
	r := newFieldReader("detach", fields)
	r.missing(0, "handle")
	d := &Detach{
		Handle: r.uint32(0, "handle"),
		Closed: r.bool(1, "closed"),
		Error:  r.error(2, "error"),
	}
	return d, r.err
}

// End performative (0x17).
type End struct {
	Error *Error
}

func (*End) Descriptor() uint64 { return DescriptorEnd }

func (e *End) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.encodable(encodableError(e.Error))
	return w.finish(b, DescriptorEnd)
}

// Close performative (0x18).
type Close struct {
	Error *Error
}

func (*Close) Descriptor() uint64 { return DescriptorClose }

func (c *Close) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.encodable(encodableError(c.Error))
	return w.finish(b, DescriptorClose)
}

// Decode reads a performative from b. Bytes following the performative,
// such as a transfer payload, are left unread in b.
func Decode(b *types.Buffer) (Performative, error) {
	code, fields, err := types.ReadListFields(b)
	if err != nil {
		return nil, err
	}
	switch code {
	case DescriptorOpen:
		return decodeOpen(fields)
	case DescriptorBegin:
		return decodeBegin(fields)
	case DescriptorAttach:
		return decodeAttach(fields)
	case DescriptorFlow:
		return decodeFlow(fields)
	case DescriptorTransfer:
		return decodeTransfer(fields)
	case DescriptorDisposition:
		return decodeDisposition(fields)
	case DescriptorDetach:
		return decodeDetach(fields)
	case DescriptorEnd:
		r := newFieldReader("end", fields)
		return &End{Error: r.error(0, "error")}, r.err
	case DescriptorClose:
		r := newFieldReader("close", fields)
		return &Close{Error: r.error(0, "error")}, r.err
	default:
		return nil, fmt.Errorf("%w: performative descriptor 0x%x", types.ErrUnexpectedType, code)
	}
}

// Name returns the lower-case performative name used in logs.
func Name(p Performative) string {
	switch p.Descriptor() {
	case DescriptorOpen:
		return "open"
	case DescriptorBegin:
		return "begin"
	case DescriptorAttach:
		return "attach"
	case DescriptorFlow:
		return "flow"
	case DescriptorTransfer:
		return "transfer"
	case DescriptorDisposition:
		return "disposition"
	case DescriptorDetach:
		return "detach"
	case DescriptorEnd:
		return "end"
	case DescriptorClose:
		return "close"
	default:
		return fmt.Sprintf("0x%x", p.Descriptor())
	}
}
