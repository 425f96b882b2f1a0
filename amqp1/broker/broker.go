// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements an in-memory AMQP 1.0 node on top of the
// protocol engine. Producers attach to a target address and consumers to a
// source address; messages are queued per address and handed to any
// consumer holding credit, across connections.
package broker

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/absmach/fluxamqp/amqp1/engine"
	"github.com/absmach/fluxamqp/transport"
)

// Defaults applied to zero Config fields.
const (
	DefaultCreditWindow  uint32 = 100
	DefaultMaxQueueDepth        = 10000
)

// ErrQueueFull is returned when an address holds MaxQueueDepth messages.
var ErrQueueFull = errors.New("queue is full")

// Config configures a Broker.
type Config struct {
	// MaxQueueDepth bounds the messages held per address. Negative means
	// unbounded.
	MaxQueueDepth int
	// CreditWindow is the credit granted to every producer link.
	CreditWindow uint32
}

// Broker routes messages between producer and consumer links of any
// number of connections.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue

	config Config
	stats  *Stats
	logger *slog.Logger
}

type queue struct {
	messages  [][]byte
	consumers []*consumer
}

// New creates a broker.
func New(cfg Config, stats *Stats, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}
	if cfg.MaxQueueDepth == 0 {
		cfg.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if cfg.CreditWindow == 0 {
		cfg.CreditWindow = DefaultCreditWindow
	}
	return &Broker{
		queues: make(map[string]*queue),
		config: cfg,
		stats:  stats,
		logger: logger,
	}
}

// GetStats returns the broker's stats.
func (b *Broker) GetStats() *Stats {
	return b.stats
}

// Depth returns the number of messages queued on address.
func (b *Broker) Depth(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[address]; ok {
		return len(q.messages)
	}
	return 0
}

// Handler returns the transport handler serving one accepted connection.
func (b *Broker) Handler() transport.Handler {
	return func(c *transport.Conn, e *engine.Engine) error {
		h := &connection{broker: b, conn: c, logger: b.logger.With(slog.String("remote", c.RemoteAddr().String()))}
		b.stats.IncrementConnections()

		ec := e.Connection()
		ec.OnRemoteOpen(func(ec *engine.Connection) {
			h.logger.Debug("AMQP connection opened", slog.String("container_id", ec.RemoteContainerID()))
		})
		ec.OnRemoteSession(h.onSession)
		ec.OnRemoteClose(func(ec *engine.Connection) {
			if !ec.IsLocallyClosed() {
				_ = ec.Close()
			}
		})
		ec.OnEngineShutdown(func(*engine.Connection) { h.shutdown() })
		return ec.Open()
	}
}

// enqueue stores payload on address and wakes its consumers. from is the
// connection whose engine the caller currently holds.
func (b *Broker) enqueue(from *connection, address string, payload []byte) error {
	b.mu.Lock()
	q := b.queue(address)
	if b.config.MaxQueueDepth > 0 && len(q.messages) >= b.config.MaxQueueDepth {
		b.mu.Unlock()
		b.stats.IncrementMessagesRejected()
		return ErrQueueFull
	}
	q.messages = append(q.messages, payload)
	consumers := slices.Clone(q.consumers)
	b.mu.Unlock()

	b.stats.IncrementMessagesReceived()
	b.wake(from, consumers)
	return nil
}

// requeue puts payloads back at the head of address in their original
// order.
func (b *Broker) requeue(from *connection, address string, payloads [][]byte) {
	if len(payloads) == 0 {
		return
	}
	b.mu.Lock()
	q := b.queue(address)
	q.messages = append(slices.Clone(payloads), q.messages...)
	consumers := slices.Clone(q.consumers)
	b.mu.Unlock()

	b.stats.AddMessagesRequeued(uint64(len(payloads)))
	b.wake(from, consumers)
}

// pop removes the oldest message of address.
func (b *Broker) pop(address string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[address]
	if !ok || len(q.messages) == 0 {
		return nil, false
	}
	p := q.messages[0]
	q.messages[0] = nil
	q.messages = q.messages[1:]
	return p, true
}

func (b *Broker) subscribe(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(c.address)
	q.consumers = append(q.consumers, c)
}

func (b *Broker) unsubscribe(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[c.address]; ok {
		q.consumers = slices.DeleteFunc(q.consumers, func(o *consumer) bool { return o == c })
	}
}

// wake lets every consumer pull queued messages. Consumers of the calling
// connection pump right away; the others are reached through their own
// connection.
func (b *Broker) wake(from *connection, consumers []*consumer) {
	for _, c := range consumers {
		if c.owner == from {
			c.pump()
			continue
		}
		go func(c *consumer) {
			_ = c.owner.conn.Do(func(*engine.Engine) error {
				c.pump()
				return nil
			})
		}(c)
	}
}

func (b *Broker) queue(address string) *queue {
	q, ok := b.queues[address]
	if !ok {
		q = &queue{}
		b.queues[address] = q
	}
	return q
}
