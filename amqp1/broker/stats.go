// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker statistics using atomic counters.
type Stats struct {
	startTime time.Time

	totalConnections   atomic.Uint64
	currentConnections atomic.Uint64

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	messagesRejected atomic.Uint64
	messagesRequeued atomic.Uint64

	currentProducers atomic.Uint64
	currentConsumers atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(^uint64(0))
}

func (s *Stats) IncrementMessagesReceived() {
	s.messagesReceived.Add(1)
}

func (s *Stats) IncrementMessagesSent() {
	s.messagesSent.Add(1)
}

func (s *Stats) IncrementMessagesRejected() {
	s.messagesRejected.Add(1)
}

func (s *Stats) AddMessagesRequeued(n uint64) {
	s.messagesRequeued.Add(n)
}

func (s *Stats) IncrementProducers() {
	s.currentProducers.Add(1)
}

func (s *Stats) DecrementProducers() {
	s.currentProducers.Add(^uint64(0))
}

func (s *Stats) IncrementConsumers() {
	s.currentConsumers.Add(1)
}

func (s *Stats) DecrementConsumers() {
	s.currentConsumers.Add(^uint64(0))
}

func (s *Stats) GetTotalConnections() uint64   { return s.totalConnections.Load() }
func (s *Stats) GetCurrentConnections() uint64 { return s.currentConnections.Load() }
func (s *Stats) GetMessagesReceived() uint64   { return s.messagesReceived.Load() }
func (s *Stats) GetMessagesSent() uint64       { return s.messagesSent.Load() }
func (s *Stats) GetMessagesRejected() uint64   { return s.messagesRejected.Load() }
func (s *Stats) GetMessagesRequeued() uint64   { return s.messagesRequeued.Load() }
func (s *Stats) GetCurrentProducers() uint64   { return s.currentProducers.Load() }
func (s *Stats) GetCurrentConsumers() uint64   { return s.currentConsumers.Load() }

// GetUptime returns the time since the broker was created.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
