// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

// CreditPolicy decides when a Receiver grants more credit. Replenish runs
// when the receiver opens and after every completed or aborted delivery.
type CreditPolicy interface {
	Replenish(r *Receiver) error
}

// ManualCredit never grants credit on its own; the application calls
// AddCredit or SetCredit.
type ManualCredit struct{}

func (ManualCredit) Replenish(*Receiver) error { return nil }

// WindowCredit tops the credit up to Window whenever it drops to Threshold
// or below. A zero Threshold means half the window. It does nothing while
// a drain is in progress.
type WindowCredit struct {
	Window    uint32
	Threshold uint32
}

func (w WindowCredit) Replenish(r *Receiver) error {
	threshold := w.Threshold
	if threshold == 0 {
		threshold = w.Window / 2
	}
	if r.drain || r.credit > threshold || r.credit >= w.Window {
		return nil
	}
	return r.AddCredit(w.Window - r.credit)
}
