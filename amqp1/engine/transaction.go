// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/absmach/fluxamqp/amqp1/message"
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/amqp1/types"
	"github.com/google/uuid"
)

// TransactionState is the lifecycle state of a transaction.
type TransactionState int

// Transaction states.
const (
	TxnDeclaring TransactionState = iota
	TxnDeclared
	TxnDischarging
	TxnDischarged
	TxnDeclareFailed
	TxnDischargeFailed
)

func (s TransactionState) String() string {
	switch s {
	case TxnDeclaring:
		return "declaring"
	case TxnDeclared:
		return "declared"
	case TxnDischarging:
		return "discharging"
	case TxnDischarged:
		return "discharged"
	case TxnDeclareFailed:
		return "declare-failed"
	default:
		return "discharge-failed"
	}
}

// Transaction is a transaction declared through a coordinator link.
type Transaction struct {
	id         []byte
	state      TransactionState
	fail       bool
	condition  *performatives.Error
	attachment any

	outgoing *OutgoingDelivery
	incoming *IncomingDelivery
}

// ID returns the transaction id assigned by the coordinator.
func (t *Transaction) ID() []byte                      { return t.id }
func (t *Transaction) State() TransactionState         { return t.state }
func (t *Transaction) IsDeclared() bool                { return t.state == TxnDeclared }
func (t *Transaction) Condition() *performatives.Error { return t.condition }

// IsRollback reports whether the discharge asked to fail the transaction.
func (t *Transaction) IsRollback() bool { return t.fail }

func (t *Transaction) Attachment() any     { return t.attachment }
func (t *Transaction) SetAttachment(v any) { t.attachment = v }

// TransactionController declares and discharges transactions over a
// sender attached to a coordinator.
type TransactionController struct {
	sender *Sender
	txns   map[*OutgoingDelivery]*Transaction

	declaredHandler        func(*Transaction)
	declareFailedHandler   func(*Transaction)
	dischargedHandler      func(*Transaction)
	dischargeFailedHandler func(*Transaction)
}

// TransactionController creates a controller link to the peer's
// coordinator.
func (s *Session) TransactionController(name string) (*TransactionController, error) {
	snd, err := s.Sender(name)
	if err != nil {
		return nil, err
	}
	snd.source = &performatives.Source{
		Outcomes: []types.Symbol{"amqp:accepted:list", "amqp:rejected:list"},
	}
	snd.target = &performatives.Coordinator{Capabilities: []types.Symbol{performatives.CapLocalTransactions}}
	c := &TransactionController{sender: snd, txns: make(map[*OutgoingDelivery]*Transaction)}
	snd.OnDeliveryUpdated(c.handleUpdate)
	return c, nil
}

// Sender returns the coordinator link.
func (c *TransactionController) Sender() *Sender { return c.sender }

func (c *TransactionController) Open() error  { return c.sender.Open() }
func (c *TransactionController) Close() error { return c.sender.Close() }

// IsDeclarable reports whether the coordinator link has credit.
func (c *TransactionController) IsDeclarable() bool { return c.sender.IsSendable() }

func (c *TransactionController) OnDeclared(fn func(*Transaction))        { c.declaredHandler = fn }
func (c *TransactionController) OnDeclareFailed(fn func(*Transaction))   { c.declareFailedHandler = fn }
func (c *TransactionController) OnDischarged(fn func(*Transaction))      { c.dischargedHandler = fn }
func (c *TransactionController) OnDischargeFailed(fn func(*Transaction)) { c.dischargeFailedHandler = fn }

// Declare asks the coordinator for a new transaction.
func (c *TransactionController) Declare() (*Transaction, error) {
	txn := &Transaction{state: TxnDeclaring}
	if err := c.send(txn, &performatives.Declare{}); err != nil {
		return nil, err
	}
	return txn, nil
}

// Discharge ends txn, rolling it back when fail is set.
func (c *TransactionController) Discharge(txn *Transaction, fail bool) error {
	if txn.state != TxnDeclared {
		return illegalState("transaction is %s, not declared", txn.state)
	}
	txn.fail = fail
	if err := c.send(txn, &performatives.Discharge{TxnID: txn.id, Fail: fail}); err != nil {
		return err
	}
	txn.state = TxnDischarging
	return nil
}

func (c *TransactionController) send(txn *Transaction, body performatives.Performative) error {
	payload, err := (&message.Message{Value: body}).Marshal()
	if err != nil {
		return err
	}
	d, err := c.sender.Next()
	if err != nil {
		return err
	}
	if err := d.Write(payload); err != nil {
		return err
	}
	txn.outgoing = d
	c.txns[d] = txn
	return nil
}

func (c *TransactionController) handleUpdate(d *OutgoingDelivery) {
	txn, ok := c.txns[d]
	if !ok || !d.IsRemotelySettled() {
		return
	}
	delete(c.txns, d)
	if err := d.Settle(); err != nil {
		c.sender.engine().logger.Warn("failed to settle coordinator delivery", "error", err)
	}

	switch state := d.RemoteState().(type) {
	case *performatives.Declared:
		txn.id = state.TxnID
		txn.state = TxnDeclared
		fire(c.declaredHandler, txn)
	case *performatives.Accepted:
		txn.state = TxnDischarged
		fire(c.dischargedHandler, txn)
	default:
		if rej, ok := state.(*performatives.Rejected); ok {
			txn.condition = rej.Error
		}
		if txn.state == TxnDeclaring {
			txn.state = TxnDeclareFailed
			fire(c.declareFailedHandler, txn)
			return
		}
		txn.state = TxnDischargeFailed
		fire(c.dischargeFailedHandler, txn)
	}
}

// TransactionManager serves a coordinator on a Receiver attached by the
// peer. Declarations and discharges surface through its handlers; without
// handlers every request succeeds.
type TransactionManager struct {
	receiver *Receiver
	txns     map[string]*Transaction

	declareHandler   func(*Transaction)
	dischargeHandler func(*Transaction)
}

// IsCoordinator reports whether the peer attached r to a coordinator.
func IsCoordinator(r *Receiver) bool {
	_, ok := r.RemoteTarget().(*performatives.Coordinator)
	return ok
}

// NewTransactionManager serves transactions on r, which must be a link the
// peer attached to a coordinator.
func NewTransactionManager(r *Receiver) (*TransactionManager, error) {
	coord, ok := r.RemoteTarget().(*performatives.Coordinator)
	if !ok {
		return nil, illegalState("link %q does not target a coordinator", r.name)
	}
	if r.local == StateUninitialized {
		r.target = &performatives.Coordinator{Capabilities: coord.Capabilities}
		if r.source == nil {
			r.source = r.RemoteSource()
		}
	}
	m := &TransactionManager{receiver: r, txns: make(map[string]*Transaction)}
	r.OnDeliveryRead(m.handleRead)
	return m, nil
}

// Receiver returns the coordinator link.
func (m *TransactionManager) Receiver() *Receiver { return m.receiver }

func (m *TransactionManager) Open() error              { return m.receiver.Open() }
func (m *TransactionManager) Close() error             { return m.receiver.Close() }
func (m *TransactionManager) AddCredit(n uint32) error { return m.receiver.AddCredit(n) }

func (m *TransactionManager) OnDeclare(fn func(*Transaction))   { m.declareHandler = fn }
func (m *TransactionManager) OnDischarge(fn func(*Transaction)) { m.dischargeHandler = fn }

// Transaction returns the declared transaction with id.
func (m *TransactionManager) Transaction(id []byte) *Transaction { return m.txns[string(id)] }

// Declared completes a declaration with id; a nil id gets a random one.
func (m *TransactionManager) Declared(txn *Transaction, id []byte) error {
	if txn.state != TxnDeclaring {
		return illegalState("transaction is %s, not declaring", txn.state)
	}
	if id == nil {
		u := uuid.New()
		id = u[:]
	}
	txn.id = id
	txn.state = TxnDeclared
	m.txns[string(id)] = txn
	return txn.incoming.Disposition(&performatives.Declared{TxnID: id}, true)
}

// DeclareFailed rejects a declaration.
func (m *TransactionManager) DeclareFailed(txn *Transaction, cond *performatives.Error) error {
	if txn.state != TxnDeclaring {
		return illegalState("transaction is %s, not declaring", txn.state)
	}
	txn.state = TxnDeclareFailed
	txn.condition = cond
	return txn.incoming.Disposition(&performatives.Rejected{Error: cond}, true)
}

// Discharged completes a discharge.
func (m *TransactionManager) Discharged(txn *Transaction) error {
	if txn.state != TxnDischarging {
		return illegalState("transaction is %s, not discharging", txn.state)
	}
	txn.state = TxnDischarged
	delete(m.txns, string(txn.id))
	return txn.incoming.Disposition(&performatives.Accepted{}, true)
}

// DischargeFailed rejects a discharge.
func (m *TransactionManager) DischargeFailed(txn *Transaction, cond *performatives.Error) error {
	if txn.state != TxnDischarging {
		return illegalState("transaction is %s, not discharging", txn.state)
	}
	txn.state = TxnDischargeFailed
	txn.condition = cond
	delete(m.txns, string(txn.id))
	return txn.incoming.Disposition(&performatives.Rejected{Error: cond}, true)
}

func (m *TransactionManager) handleRead(d *IncomingDelivery) {
	if d.IsPartial() || d.IsAborted() {
		return
	}
	if err := m.handleControl(d); err != nil {
		m.receiver.engine().logger.Warn("invalid transaction control message", "error", err)
	}
}

func (m *TransactionManager) handleControl(d *IncomingDelivery) error {
	msg, err := message.Decode(d.ReadAll())
	if err != nil {
		return m.reject(d, performatives.ErrDecodeError, err)
	}
	ctl, err := performatives.DecodeTransactionControl(msg.Value)
	if err != nil {
		return m.reject(d, performatives.ErrDecodeError, err)
	}

	switch body := ctl.(type) {
	case *performatives.Declare:
		txn := &Transaction{state: TxnDeclaring, incoming: d}
		if m.declareHandler == nil {
			return m.Declared(txn, nil)
		}
		m.declareHandler(txn)
	case *performatives.Discharge:
		txn := m.txns[string(body.TxnID)]
		if txn == nil || txn.state != TxnDeclared {
			return m.reject(d, performatives.ErrTransactionUnknownID, fmt.Errorf("unknown transaction %x", body.TxnID))
		}
		txn.incoming = d
		txn.fail = body.Fail
		txn.state = TxnDischarging
		if m.dischargeHandler == nil {
			return m.Discharged(txn)
		}
		m.dischargeHandler(txn)
	}
	return nil
}

func (m *TransactionManager) reject(d *IncomingDelivery, cond types.Symbol, cause error) error {
	if err := d.Disposition(&performatives.Rejected{Error: amqpError(cond, cause.Error())}, true); err != nil {
		return err
	}
	return cause
}
