// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/absmach/fluxnats/client"

// metrics holds OpenTelemetry instruments for one client.
type metrics struct {
	// Counters
	messagesSent     metric.Int64Counter
	messagesReceived metric.Int64Counter
	bytesSent        metric.Int64Counter
	bytesReceived    metric.Int64Counter
	reconnects       metric.Int64Counter
	disconnects      metric.Int64Counter
	backpressured    metric.Int64Counter
	slowConsumers    metric.Int64Counter

	// UpDownCounters (Gauges)
	subscriptionsActive metric.Int64UpDownCounter

	// Histograms
	requestDuration metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &metrics{}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.messagesSent, "fluxnats.messages.sent.total", "Messages accepted for publishing"},
		{&m.messagesReceived, "fluxnats.messages.received.total", "Messages received from the server"},
		{&m.bytesSent, "fluxnats.bytes.sent.total", "Payload bytes accepted for publishing"},
		{&m.bytesReceived, "fluxnats.bytes.received.total", "Payload bytes received"},
		{&m.reconnects, "fluxnats.reconnects.total", "Successful reconnections"},
		{&m.disconnects, "fluxnats.disconnects.total", "Lost connections"},
		{&m.backpressured, "fluxnats.backpressure.rejections.total", "Operations rejected by the outbound buffer"},
		{&m.slowConsumers, "fluxnats.slow_consumer.drops.total", "Messages dropped by slow subscriptions"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.subscriptionsActive, err = meter.Int64UpDownCounter(
		"fluxnats.subscriptions.active",
		metric.WithDescription("Number of active subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.requestDuration, err = meter.Float64Histogram(
		"fluxnats.request.duration.ms",
		metric.WithDescription("Request round trip duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestDuration histogram: %w", err)
	}

	return m, nil
}

// noopMetrics is used when instruments cannot be created.
func noopMetrics() *metrics {
	m, _ := newMetrics(noop.NewMeterProvider())
	return m
}

func (m *metrics) published(size int) {
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1)
	m.bytesSent.Add(ctx, int64(size))
}

func (m *metrics) received(size int) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1)
	m.bytesReceived.Add(ctx, int64(size))
}

func (m *metrics) reconnected(server string) {
	m.reconnects.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", server),
	))
}

func (m *metrics) disconnected(reason error) {
	m.disconnects.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reasonLabel(reason)),
	))
}

func (m *metrics) backpressure() {
	m.backpressured.Add(context.Background(), 1)
}

func (m *metrics) slowConsumer(subject string) {
	m.slowConsumers.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("subject", subject),
	))
}

func (m *metrics) subscriptionOpened() {
	m.subscriptionsActive.Add(context.Background(), 1)
}

func (m *metrics) subscriptionClosed() {
	m.subscriptionsActive.Add(context.Background(), -1)
}

func (m *metrics) request(ctx context.Context, d time.Duration, err error) {
	m.requestDuration.Record(ctx, float64(d.Microseconds())/1000.0, metric.WithAttributes(
		attribute.String("outcome", reasonLabel(err)),
	))
}

func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, ErrRequestCancelled):
		return "cancelled"
	case errors.Is(err, ErrNoResponders):
		return "no_responders"
	case errors.Is(err, ErrStaleConnection):
		return "stale"
	case errors.Is(err, ErrBrokerError):
		return "broker"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "error"
	}
}
