// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "fluxamqp-engine"

// Metrics holds OpenTelemetry metric instruments for an engine.
type Metrics struct {
	meter metric.Meter

	framesReceived     metric.Int64Counter
	framesSent         metric.Int64Counter
	bytesReceived      metric.Int64Counter
	bytesSent          metric.Int64Counter
	deliveriesReceived metric.Int64Counter
	deliveriesSent     metric.Int64Counter
	deliveriesSettled  metric.Int64Counter
	errorsTotal        metric.Int64Counter

	sessionsCurrent metric.Int64UpDownCounter
	linksCurrent    metric.Int64UpDownCounter

	deliverySize metric.Int64Histogram
}

// NewMetrics creates engine metrics on the given provider, or on the global
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	var err error

	m.framesReceived, err = m.meter.Int64Counter(
		"amqp.frames.received.total",
		metric.WithDescription("Total AMQP frames received from the peer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp framesReceived counter: %w", err)
	}

	m.framesSent, err = m.meter.Int64Counter(
		"amqp.frames.sent.total",
		metric.WithDescription("Total AMQP frames sent to the peer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp framesSent counter: %w", err)
	}

	m.bytesReceived, err = m.meter.Int64Counter(
		"amqp.bytes.received.total",
		metric.WithDescription("Total AMQP bytes received"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp bytesReceived counter: %w", err)
	}

	m.bytesSent, err = m.meter.Int64Counter(
		"amqp.bytes.sent.total",
		metric.WithDescription("Total AMQP bytes sent"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp bytesSent counter: %w", err)
	}

	m.deliveriesReceived, err = m.meter.Int64Counter(
		"amqp.deliveries.received.total",
		metric.WithDescription("Total deliveries completely received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp deliveriesReceived counter: %w", err)
	}

	m.deliveriesSent, err = m.meter.Int64Counter(
		"amqp.deliveries.sent.total",
		metric.WithDescription("Total deliveries completely sent"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp deliveriesSent counter: %w", err)
	}

	m.deliveriesSettled, err = m.meter.Int64Counter(
		"amqp.deliveries.settled.total",
		metric.WithDescription("Total deliveries settled locally"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp deliveriesSettled counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"amqp.errors.total",
		metric.WithDescription("Total AMQP engine errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp errorsTotal counter: %w", err)
	}

	m.sessionsCurrent, err = m.meter.Int64UpDownCounter(
		"amqp.sessions.current",
		metric.WithDescription("Number of currently open sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp sessionsCurrent gauge: %w", err)
	}

	m.linksCurrent, err = m.meter.Int64UpDownCounter(
		"amqp.links.current",
		metric.WithDescription("Number of currently attached links"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp linksCurrent gauge: %w", err)
	}

	m.deliverySize, err = m.meter.Int64Histogram(
		"amqp.delivery.size",
		metric.WithDescription("Distribution of delivery payload sizes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp deliverySize histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordFrameReceived() {
	m.framesReceived.Add(context.Background(), 1)
}

func (m *Metrics) RecordFrameSent() {
	m.framesSent.Add(context.Background(), 1)
}

func (m *Metrics) RecordBytesReceived(n int64) {
	m.bytesReceived.Add(context.Background(), n)
}

func (m *Metrics) RecordBytesSent(n int64) {
	m.bytesSent.Add(context.Background(), n)
}

func (m *Metrics) RecordDeliveryReceived(sizeBytes int64) {
	ctx := context.Background()
	m.deliveriesReceived.Add(ctx, 1)
	m.deliverySize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("direction", "in")))
}

func (m *Metrics) RecordDeliverySent(sizeBytes int64) {
	ctx := context.Background()
	m.deliveriesSent.Add(ctx, 1)
	m.deliverySize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("direction", "out")))
}

func (m *Metrics) RecordDeliverySettled() {
	m.deliveriesSettled.Add(context.Background(), 1)
}

func (m *Metrics) RecordSessionOpened() {
	m.sessionsCurrent.Add(context.Background(), 1)
}

func (m *Metrics) RecordSessionClosed() {
	m.sessionsCurrent.Add(context.Background(), -1)
}

func (m *Metrics) RecordLinkAttached() {
	m.linksCurrent.Add(context.Background(), 1)
}

func (m *Metrics) RecordLinkDetached() {
	m.linksCurrent.Add(context.Background(), -1)
}

func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
