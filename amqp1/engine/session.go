// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"slices"

	"github.com/absmach/fluxamqp/amqp1/frames"
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/amqp1/types"
)

// linkEndpoint is the session's view of a Sender or Receiver.
type linkEndpoint interface {
	Name() string
	linkRole() performatives.Role
	localHandle() uint32
	isRemotelyAttached() bool
	handleAttach(a *performatives.Attach) error
	handleFlow(f *performatives.Flow) error
	handleDetach(d *performatives.Detach)
	parentClosed()
	parentRemotelyClosed()
}

// Session is a session endpoint. It tracks the transfer windows of both
// peers and queues outgoing transfers while the peer's incoming window is
// exhausted.
type Session struct {
	endpoint[*Session]

	conn          *Connection
	channel       uint16
	remoteChannel uint16
	beginSent     bool
	endSent       bool

	incomingCapacity     uint32
	nextIncomingID       uint32
	incomingWindow       uint32
	initialOutgoingID    uint32
	nextOutgoingID       uint32
	outgoingWindow       uint32
	remoteIncomingWindow uint32
	remoteOutgoingWindow uint32
	remoteHandleMax      uint32
	nextDeliveryID       uint32

	offeredCapabilities []types.Symbol
	desiredCapabilities []types.Symbol
	properties          map[types.Symbol]any
	remoteBegin         *performatives.Begin

	links       map[uint32]linkEndpoint
	remoteLinks map[uint32]linkEndpoint
	outgoing    map[uint32]*OutgoingDelivery
	incoming    map[uint32]*IncomingDelivery
	blocked     []*OutgoingDelivery

	remoteSenderHandler   func(*Sender)
	remoteReceiverHandler func(*Receiver)
}

func newSession(c *Connection, channel uint16) *Session {
	cfg := c.engine.cfg
	s := &Session{
		conn:             c,
		channel:          channel,
		incomingCapacity: cfg.SessionIncomingWindow,
		incomingWindow:   cfg.SessionIncomingWindow,
		outgoingWindow:   cfg.SessionOutgoingWindow,
		remoteHandleMax:  DefaultHandleMax,
		links:            make(map[uint32]linkEndpoint),
		remoteLinks:      make(map[uint32]linkEndpoint),
		outgoing:         make(map[uint32]*OutgoingDelivery),
		incoming:         make(map[uint32]*IncomingDelivery),
	}
	s.self = s
	c.sessions[channel] = s
	return s
}

// Connection returns the owning connection.
func (s *Session) Connection() *Connection { return s.conn }

// Channel returns the local channel number.
func (s *Session) Channel() uint16 { return s.channel }

// RemoteChannel returns the peer's channel number once the peer began.
func (s *Session) RemoteChannel() (uint16, bool) {
	return s.remoteChannel, s.remote != StateUninitialized
}

// Remote returns the peer's Begin, or nil before it arrived.
func (s *Session) Remote() *performatives.Begin { return s.remoteBegin }

// SetIncomingWindow sets the incoming window before the session is opened.
func (s *Session) SetIncomingWindow(n uint32) error {
	if s.local != StateUninitialized {
		return illegalState("cannot change the incoming window of an opened session")
	}
	if n == 0 {
		return illegalState("incoming window must be positive")
	}
	s.incomingCapacity, s.incomingWindow = n, n
	return nil
}

func (s *Session) IncomingWindow() uint32       { return s.incomingWindow }
func (s *Session) RemoteIncomingWindow() uint32 { return s.remoteIncomingWindow }

func (s *Session) SetOfferedCapabilities(caps []types.Symbol) { s.offeredCapabilities = caps }
func (s *Session) SetDesiredCapabilities(caps []types.Symbol) { s.desiredCapabilities = caps }
func (s *Session) SetProperties(props map[types.Symbol]any)   { s.properties = props }

// OnRemoteSender registers the handler for sender links created when the
// peer attaches as receiver. The handler opens the link to accept it.
func (s *Session) OnRemoteSender(fn func(*Sender)) { s.remoteSenderHandler = fn }

// OnRemoteReceiver registers the handler for receiver links created when
// the peer attaches as sender.
func (s *Session) OnRemoteReceiver(fn func(*Receiver)) { s.remoteReceiverHandler = fn }

// FailureCause returns the error the peer ended the session with.
func (s *Session) FailureCause() error {
	if s.remote != StateClosed {
		return nil
	}
	return &RemoteClosedError{Endpoint: "session", Condition: s.remoteCondition}
}

// Open begins the session. The connection must be locally open.
func (s *Session) Open() error {
	e := s.conn.engine
	if err := e.checkUsable(); err != nil {
		return err
	}
	switch s.local {
	case StateActive:
		return nil
	case StateClosed:
		return illegalState("session already closed")
	}
	if s.conn.local != StateActive {
		return illegalState("connection is not open")
	}
	s.setLocalOpen()
	e.stats.IncrementSessions()
	if m := e.metrics; m != nil {
		m.RecordSessionOpened()
	}
	return s.conn.whenOpen(s.writeBegin)
}

// Close ends the session and closes its links without sending Detach
// frames. Calling Close again does nothing.
func (s *Session) Close() error {
	e := s.conn.engine
	if skip, err := e.checkClosable(); skip || err != nil {
		return err
	}
	if s.local == StateClosed {
		return nil
	}
	opened := s.local == StateActive
	for _, l := range s.sortedLinks() {
		l.parentClosed()
	}
	s.setLocalClosed()
	if !opened {
		s.release()
		return nil
	}
	s.sessionClosed()
	if s.conn.closeSent || s.conn.remote == StateClosed {
		s.release()
		return nil
	}
	return s.conn.whenOpen(s.writeEnd)
}

// Sender creates a sender link with the given name.
func (s *Session) Sender(name string) (*Sender, error) {
	if err := s.checkLinkCreate(name); err != nil {
		return nil, err
	}
	return newSender(s, name), nil
}

// Receiver creates a receiver link with the given name.
func (s *Session) Receiver(name string) (*Receiver, error) {
	if err := s.checkLinkCreate(name); err != nil {
		return nil, err
	}
	return newReceiver(s, name), nil
}

func (s *Session) checkLinkCreate(name string) error {
	if err := s.conn.engine.checkUsable(); err != nil {
		return err
	}
	if s.local == StateClosed {
		return illegalState("session closed")
	}
	if name == "" {
		return illegalState("link name must not be empty")
	}
	return nil
}

func (s *Session) allocateHandle() (uint32, error) {
	max := min(s.conn.engine.cfg.HandleMax, s.remoteHandleMax)
	for h := uint64(0); h <= uint64(max); h++ {
		if _, ok := s.links[uint32(h)]; !ok {
			return uint32(h), nil
		}
	}
	return 0, illegalState("no free handle within handle-max %d", max)
}

func (s *Session) writeBegin() error {
	begin := &performatives.Begin{
		NextOutgoingID:      s.nextOutgoingID,
		IncomingWindow:      s.incomingWindow,
		OutgoingWindow:      s.outgoingWindow,
		HandleMax:           s.conn.engine.cfg.HandleMax,
		OfferedCapabilities: s.offeredCapabilities,
		DesiredCapabilities: s.desiredCapabilities,
		Properties:          s.properties,
	}
	if s.remote != StateUninitialized {
		ch := s.remoteChannel
		begin.RemoteChannel = &ch
	}
	if err := s.conn.engine.writeFrame(s.channel, begin, nil); err != nil {
		return err
	}
	s.beginSent = true
	return nil
}

func (s *Session) writeEnd() error {
	if s.endSent || s.conn.closeSent {
		return nil
	}
	s.endSent = true
	err := s.conn.engine.writeFrame(s.channel, &performatives.End{Error: s.condition}, nil)
	s.release()
	return err
}

// canWrite reports whether frames may be written for the session.
func (s *Session) canWrite() bool {
	return s.beginSent && !s.endSent && !s.conn.closeSent && s.remote != StateClosed
}

func (s *Session) sessionClosed() {
	e := s.conn.engine
	e.stats.DecrementSessions()
	if m := e.metrics; m != nil {
		m.RecordSessionClosed()
	}
}

// release frees the local channel once neither side uses it.
func (s *Session) release() {
	if s.local != StateClosed || s.remote == StateActive {
		return
	}
	if s.beginSent && s.remote == StateUninitialized {
		return
	}
	if s.conn.sessions[s.channel] == s {
		delete(s.conn.sessions, s.channel)
	}
}

func (s *Session) parentClosed() {
	wasOpen := s.local == StateActive
	for _, l := range s.sortedLinks() {
		l.parentClosed()
	}
	s.markParentClosed()
	if wasOpen {
		s.sessionClosed()
	}
}

func (s *Session) parentRemotelyClosed() {
	if s.remote != StateClosed {
		s.setRemoteClosed(nil)
	}
	s.parentClosed()
}

func (s *Session) sortedLinks() []linkEndpoint {
	handles := make([]uint32, 0, len(s.links))
	for h := range s.links {
		handles = append(handles, h)
	}
	slices.Sort(handles)
	links := make([]linkEndpoint, 0, len(handles))
	for _, h := range handles {
		links = append(links, s.links[h])
	}
	return links
}

// initWindows records the peer's windows from its Begin.
func (s *Session) initWindows(remoteBegin *performatives.Begin) {
	s.nextIncomingID = remoteBegin.NextOutgoingID
	s.remoteIncomingWindow = remoteBegin.IncomingWindow
	s.remoteOutgoingWindow = remoteBegin.OutgoingWindow
}

// canSend reports whether the peer's incoming window admits a transfer.
func (s *Session) canSend() bool {
	return s.canWrite() && s.remote == StateActive && s.remoteIncomingWindow > 0
}

// consumeOutgoingWindow allocates the transfer id of the next outgoing
// transfer frame.
func (s *Session) consumeOutgoingWindow() (uint32, bool) {
	if s.remoteIncomingWindow == 0 {
		return 0, false
	}
	id := s.nextOutgoingID
	s.nextOutgoingID++
	s.remoteIncomingWindow--
	return id, true
}

// trackIncomingTransfer accounts for one incoming transfer frame and
// replenishes the window once it is exhausted or falls under half its
// capacity.
func (s *Session) trackIncomingTransfer() error {
	if s.incomingWindow == 0 {
		return &frames.ProtocolError{Msg: fmt.Sprintf("transfer exceeds incoming window of session %d", s.channel)}
	}
	s.incomingWindow--
	s.nextIncomingID++
	if s.remoteOutgoingWindow > 0 {
		s.remoteOutgoingWindow--
	}
	if s.incomingWindow == 0 || s.incomingWindow < s.incomingCapacity/2 {
		s.incomingWindow = s.incomingCapacity
		return s.writeFlow(&performatives.Flow{})
	}
	return nil
}

// updateRemoteFlow recomputes the peer's windows from a Flow.
func (s *Session) updateRemoteFlow(flow *performatives.Flow) {
	nextIncoming := s.initialOutgoingID
	if flow.NextIncomingID != nil {
		nextIncoming = *flow.NextIncomingID
	}
	s.remoteIncomingWindow = nextIncoming + flow.IncomingWindow - s.nextOutgoingID
	if int32(s.remoteIncomingWindow) < 0 {
		s.remoteIncomingWindow = 0
	}
	s.remoteOutgoingWindow = flow.OutgoingWindow
}

// writeFlow fills in the session fields of f and writes it.
func (s *Session) writeFlow(f *performatives.Flow) error {
	if !s.canWrite() {
		return nil
	}
	if s.remote != StateUninitialized {
		next := s.nextIncomingID
		f.NextIncomingID = &next
	}
	f.IncomingWindow = s.incomingWindow
	f.NextOutgoingID = s.nextOutgoingID
	f.OutgoingWindow = s.outgoingWindow
	return s.conn.engine.writeFrame(s.channel, f, nil)
}

// writeTransfer writes one transfer frame within the peer's window.
func (s *Session) writeTransfer(t *performatives.Transfer, payload []byte) (int, error) {
	if _, ok := s.consumeOutgoingWindow(); !ok {
		return 0, illegalState("session outgoing window exhausted")
	}
	return s.conn.engine.writeTransferFrame(s.channel, t, payload)
}

// block queues d until the peer's window opens again.
func (s *Session) block(d *OutgoingDelivery) {
	if d.blocked {
		return
	}
	d.blocked = true
	s.blocked = append(s.blocked, d)
}

func (s *Session) unblock(d *OutgoingDelivery) {
	if !d.blocked {
		return
	}
	d.blocked = false
	s.blocked = slices.DeleteFunc(s.blocked, func(b *OutgoingDelivery) bool { return b == d })
}

// flushBlocked resumes queued deliveries in submission order.
func (s *Session) flushBlocked() error {
	for len(s.blocked) > 0 {
		d := s.blocked[0]
		done, err := d.pump()
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		d.blocked = false
		s.blocked = s.blocked[1:]
	}
	return nil
}

// writeDispositions writes dispositions for ids, one frame per contiguous
// range.
func (s *Session) writeDispositions(role performatives.Role, ids []uint32, settled bool, state performatives.DeliveryState) error {
	if len(ids) == 0 || !s.canWrite() {
		return nil
	}
	// Delivery ids are serial numbers; a run may wrap past 2^32-1.
	slices.SortFunc(ids, func(a, b uint32) int { return int(int32(a - b)) })
	first := ids[0]
	last := first
	flush := func() error {
		d := &performatives.Disposition{Role: role, First: first, Settled: settled, State: state}
		if last != first {
			l := last
			d.Last = &l
		}
		return s.conn.engine.writeFrame(s.channel, d, nil)
	}
	for _, id := range ids[1:] {
		if id == last+1 {
			last = id
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		first, last = id, id
	}
	return flush()
}

func (s *Session) handleBegin(channel uint16, begin *performatives.Begin) {
	s.remoteChannel = channel
	s.remoteBegin = begin
	if begin.HandleMax > 0 {
		s.remoteHandleMax = begin.HandleMax
	}
	s.initWindows(begin)
	s.conn.remoteSessions[channel] = s
	s.setRemoteOpen()
}

func (s *Session) handleFrame(body performatives.Performative, payload []byte) error {
	switch p := body.(type) {
	case *performatives.Attach:
		return s.handleAttach(p)
	case *performatives.Flow:
		return s.handleFlow(p)
	case *performatives.Transfer:
		return s.handleTransfer(p, payload)
	case *performatives.Disposition:
		s.handleDisposition(p)
		return nil
	case *performatives.Detach:
		return s.handleDetach(p)
	case *performatives.End:
		s.handleEnd(p)
		return nil
	}
	return &frames.ProtocolError{Msg: fmt.Sprintf("unexpected %s on session channel", performatives.Name(body))}
}

func (s *Session) handleEnd(end *performatives.End) {
	s.setRemoteClosed(end.Error)
	if end.Error != nil {
		s.conn.engine.logger.Warn("session ended by peer", "channel", s.channel, "error", end.Error)
	}
	delete(s.conn.remoteSessions, s.remoteChannel)
	for _, l := range s.sortedLinks() {
		l.parentRemotelyClosed()
	}
	fire(s.remoteCloseHandler, s)
	s.release()
}

func (s *Session) handleAttach(a *performatives.Attach) error {
	if _, ok := s.remoteLinks[a.Handle]; ok {
		return &frames.ProtocolError{Msg: fmt.Sprintf("attach on handle %d already in use", a.Handle)}
	}
	if a.Handle > s.conn.engine.cfg.HandleMax {
		return &frames.ProtocolError{Msg: fmt.Sprintf("attach handle %d exceeds handle-max %d", a.Handle, s.conn.engine.cfg.HandleMax)}
	}

	for _, l := range s.sortedLinks() {
		if l.Name() == a.Name && l.linkRole() != a.Role && !l.isRemotelyAttached() {
			s.remoteLinks[a.Handle] = l
			return l.handleAttach(a)
		}
	}

	if a.Role == performatives.RoleSender {
		r := newReceiver(s, a.Name)
		s.remoteLinks[a.Handle] = r
		if err := r.handleAttach(a); err != nil {
			return err
		}
		if s.remoteReceiverHandler != nil {
			s.remoteReceiverHandler(r)
			return nil
		}
		return refuseLink(&r.link, "no receiver handler registered")
	}

	snd := newSender(s, a.Name)
	s.remoteLinks[a.Handle] = snd
	if err := snd.handleAttach(a); err != nil {
		return err
	}
	if s.remoteSenderHandler != nil {
		s.remoteSenderHandler(snd)
		return nil
	}
	return refuseLink(&snd.link, "no sender handler registered")
}

func (s *Session) handleFlow(f *performatives.Flow) error {
	s.updateRemoteFlow(f)
	if f.Handle != nil {
		l := s.remoteLinks[*f.Handle]
		if l == nil {
			return &frames.ProtocolError{Msg: fmt.Sprintf("flow on unattached handle %d", *f.Handle)}
		}
		if err := l.handleFlow(f); err != nil {
			return err
		}
	} else if f.Echo {
		if err := s.writeFlow(&performatives.Flow{}); err != nil {
			return err
		}
	}
	return s.flushBlocked()
}

func (s *Session) handleTransfer(t *performatives.Transfer, payload []byte) error {
	if err := s.trackIncomingTransfer(); err != nil {
		return err
	}
	l := s.remoteLinks[t.Handle]
	if l == nil {
		return &frames.ProtocolError{Msg: fmt.Sprintf("transfer on unattached handle %d", t.Handle)}
	}
	r, ok := l.(*Receiver)
	if !ok {
		return &frames.ProtocolError{Msg: fmt.Sprintf("transfer on handle %d addressed to a sender", t.Handle)}
	}
	return r.handleTransfer(t, payload)
}

func (s *Session) handleDisposition(d *performatives.Disposition) {
	last := d.First
	if d.Last != nil {
		last = *d.Last
	}
	if d.Role == performatives.RoleReceiver {
		for _, id := range idsInRange(s.outgoing, d.First, last) {
			s.outgoing[id].remoteUpdate(d.State, d.Settled)
		}
		return
	}
	for _, id := range idsInRange(s.incoming, d.First, last) {
		s.incoming[id].remoteUpdate(d.State, d.Settled)
	}
}

// idsInRange returns the ids of deliveries in [first, last] in ascending
// order, walking the map when the range is wider than it.
func idsInRange[D any](m map[uint32]D, first, last uint32) []uint32 {
	span := last - first
	var ids []uint32
	if uint64(span) >= uint64(len(m)) {
		for id := range m {
			if id-first <= span {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		return ids
	}
	for i := uint32(0); ; i++ {
		if _, ok := m[first+i]; ok {
			ids = append(ids, first+i)
		}
		if i == span {
			return ids
		}
	}
}

func (s *Session) handleDetach(d *performatives.Detach) error {
	l := s.remoteLinks[d.Handle]
	if l == nil {
		return &frames.ProtocolError{Msg: fmt.Sprintf("detach on unattached handle %d", d.Handle)}
	}
	delete(s.remoteLinks, d.Handle)
	l.handleDetach(d)
	return nil
}
