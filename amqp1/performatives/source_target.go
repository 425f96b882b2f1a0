// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"fmt"

	"github.com/absmach/fluxamqp/amqp1/types"
)

// Descriptors for Source and Target.
const (
	DescriptorSource      uint64 = 0x28
	DescriptorTarget      uint64 = 0x29
	DescriptorCoordinator uint64 = 0x30
)

// Lifetime policy descriptors for dynamic nodes.
const (
	DescriptorDeleteOnClose             uint64 = 0x2b
	DescriptorDeleteOnNoLinks           uint64 = 0x2c
	DescriptorDeleteOnNoMessages        uint64 = 0x2d
	DescriptorDeleteOnNoLinksOrMessages uint64 = 0x2e
)

// Terminus durability values.
const (
	DurableNone          uint32 = 0
	DurableConfiguration uint32 = 1
	DurableUnsettled     uint32 = 2
)

// Terminus expiry policies.
const (
	ExpiryLinkDetach      types.Symbol = "link-detach"
	ExpirySessionEnd      types.Symbol = "session-end"
	ExpiryConnectionClose types.Symbol = "connection-close"
	ExpiryNever           types.Symbol = "never"
)

const (
	DistributionMove types.Symbol = "move"
	DistributionCopy types.Symbol = "copy"

	// CapQueue is the capability symbol indicating a queue node.
	CapQueue types.Symbol = "queue"
	// CapLocalTransactions is offered by coordinators supporting local
	// transactions.
	CapLocalTransactions types.Symbol = "amqp:local-transactions"
)

// Source represents an AMQP source.
type Source struct {
	Address               string
	Durable               uint32
	ExpiryPolicy          types.Symbol
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[types.Symbol]any
	DistributionMode      types.Symbol
	Filter                map[types.Symbol]any
	DefaultOutcome        Outcome
	Outcomes              []types.Symbol
	Capabilities          []types.Symbol
}

// Encode serializes the Source as a described list.
func (s *Source) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.optStr(s.Address)
	w.optUint(s.Durable)
	w.optSym(s.ExpiryPolicy)
	w.optUint(s.Timeout)
	w.optBool(s.Dynamic)
	w.symbolMap(s.DynamicNodeProperties)
	w.optSym(s.DistributionMode)
	w.symbolMap(s.Filter)
	if s.DefaultOutcome == nil {
		w.null()
	} else {
		w.encodable(s.DefaultOutcome)
	}
	w.multiple(s.Outcomes)
	w.multiple(s.Capabilities)
	return w.finish(b, DescriptorSource)
}

// DecodeSource decodes a Source from list fields.
func DecodeSource(fields []any) (*Source, error) {
	r := newFieldReader("source", fields)
	s := &Source{
		Address:               r.string(0, "address"),
		Durable:               r.uint32(1, "durable"),
		ExpiryPolicy:          r.symbol(2, "expiry-policy"),
		Timeout:               r.uint32(3, "timeout"),
		Dynamic:               r.bool(4, "dynamic"),
		DynamicNodeProperties: r.symbolMap(5, "dynamic-node-properties"),
		DistributionMode:      r.symbol(6, "distribution-mode"),
		Filter:                r.symbolMap(7, "filter"),
		Outcomes:              r.multiple(9, "outcomes"),
		Capabilities:          r.multiple(10, "capabilities"),
	}
	if st := r.state(8, "default-outcome"); st != nil {
		o, ok := st.(Outcome)
		if !ok {
			r.wrongType("default-outcome", st)
		}
		s.DefaultOutcome = o
	}
	return s, r.err
}

// TargetTerminus is the target of a link: a plain Target or a transaction
// Coordinator.
type TargetTerminus interface {
	types.Encodable
	Descriptor() uint64
}

// Target represents an AMQP target.
type Target struct {
	Address               string
	Durable               uint32
	ExpiryPolicy          types.Symbol
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[types.Symbol]any
	Capabilities          []types.Symbol
}

func (*Target) Descriptor() uint64 { return DescriptorTarget }

// Encode serializes the Target as a described list.
func (t *Target) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.optStr(t.Address)
	w.optUint(t.Durable)
	w.optSym(t.ExpiryPolicy)
	w.optUint(t.Timeout)
	w.optBool(t.Dynamic)
	w.symbolMap(t.DynamicNodeProperties)
	w.multiple(t.Capabilities)
	return w.finish(b, DescriptorTarget)
}

// DecodeTarget decodes a Target from list fields.
func DecodeTarget(fields []any) (*Target, error) {
	r := newFieldReader("target", fields)
	t := &Target{
		Address:               r.string(0, "address"),
		Durable:               r.uint32(1, "durable"),
		ExpiryPolicy:          r.symbol(2, "expiry-policy"),
		Timeout:               r.uint32(3, "timeout"),
		Dynamic:               r.bool(4, "dynamic"),
		DynamicNodeProperties: r.symbolMap(5, "dynamic-node-properties"),
		Capabilities:          r.multiple(6, "capabilities"),
	}
	return t, r.err
}

// Coordinator is the target of a link used to declare and discharge
// transactions.
type Coordinator struct {
	Capabilities []types.Symbol
}

func (*Coordinator) Descriptor() uint64 { return DescriptorCoordinator }

func (c *Coordinator) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	w.multiple(c.Capabilities)
	return w.finish(b, DescriptorCoordinator)
}

func sourceFromValue(v any) (*Source, error) {
	d, ok := v.(*types.Described)
	if !ok || d.Code() != DescriptorSource {
		return nil, fmt.Errorf("%w: expected source, got %T", types.ErrUnexpectedType, v)
	}
	fields, ok := d.Value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: source body is %T", types.ErrUnexpectedType, d.Value)
	}
	return DecodeSource(fields)
}

func targetFromValue(v any) (TargetTerminus, error) {
	d, ok := v.(*types.Described)
	if !ok {
		return nil, fmt.Errorf("%w: expected target, got %T", types.ErrUnexpectedType, v)
	}
	fields, ok := d.Value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: target body is %T", types.ErrUnexpectedType, d.Value)
	}
	switch d.Code() {
	case DescriptorTarget:
		return DecodeTarget(fields)
	case DescriptorCoordinator:
		r := newFieldReader("coordinator", fields)
		return &Coordinator{Capabilities: r.multiple(0, "capabilities")}, r.err
	default:
		return nil, fmt.Errorf("%w: target descriptor 0x%x", types.ErrUnexpectedType, d.Code())
	}
}
