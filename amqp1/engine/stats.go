// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync/atomic"
	"time"
)

// Stats tracks engine statistics using atomic counters. It is safe to read
// from other goroutines while the engine runs.
type Stats struct {
	startTime time.Time

	framesReceived atomic.Uint64
	framesSent     atomic.Uint64

	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	deliveriesReceived atomic.Uint64
	deliveriesSent     atomic.Uint64
	deliveriesSettled  atomic.Uint64
	deliveriesAborted  atomic.Uint64

	currentSessions atomic.Uint64
	currentLinks    atomic.Uint64

	protocolErrors atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

func (s *Stats) IncrementFramesReceived() {
	s.framesReceived.Add(1)
}

func (s *Stats) IncrementFramesSent() {
	s.framesSent.Add(1)
}

func (s *Stats) AddBytesReceived(n uint64) {
	s.bytesReceived.Add(n)
}

func (s *Stats) AddBytesSent(n uint64) {
	s.bytesSent.Add(n)
}

func (s *Stats) IncrementDeliveriesReceived() {
	s.deliveriesReceived.Add(1)
}

func (s *Stats) IncrementDeliveriesSent() {
	s.deliveriesSent.Add(1)
}

func (s *Stats) IncrementDeliveriesSettled() {
	s.deliveriesSettled.Add(1)
}

func (s *Stats) IncrementDeliveriesAborted() {
	s.deliveriesAborted.Add(1)
}

func (s *Stats) IncrementSessions() {
	s.currentSessions.Add(1)
}

func (s *Stats) DecrementSessions() {
	s.currentSessions.Add(^uint64(0))
}

func (s *Stats) IncrementLinks() {
	s.currentLinks.Add(1)
}

func (s *Stats) DecrementLinks() {
	s.currentLinks.Add(^uint64(0))
}

func (s *Stats) IncrementProtocolErrors() {
	s.protocolErrors.Add(1)
}

func (s *Stats) GetFramesReceived() uint64     { return s.framesReceived.Load() }
func (s *Stats) GetFramesSent() uint64         { return s.framesSent.Load() }
func (s *Stats) GetBytesReceived() uint64      { return s.bytesReceived.Load() }
func (s *Stats) GetBytesSent() uint64          { return s.bytesSent.Load() }
func (s *Stats) GetDeliveriesReceived() uint64 { return s.deliveriesReceived.Load() }
func (s *Stats) GetDeliveriesSent() uint64     { return s.deliveriesSent.Load() }
func (s *Stats) GetDeliveriesSettled() uint64  { return s.deliveriesSettled.Load() }
func (s *Stats) GetDeliveriesAborted() uint64  { return s.deliveriesAborted.Load() }
func (s *Stats) GetCurrentSessions() uint64    { return s.currentSessions.Load() }
func (s *Stats) GetCurrentLinks() uint64       { return s.currentLinks.Load() }
func (s *Stats) GetProtocolErrors() uint64     { return s.protocolErrors.Load() }

func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
