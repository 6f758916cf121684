// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the QPush metric instruments. All methods are safe to call on
// a nil *Metrics.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectsTotal       metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	framesSent          metric.Int64Counter
	framesReceived      metric.Int64Counter
	bytesSent           metric.Int64Counter
	bytesReceived       metric.Int64Counter
	payloadsPushed      metric.Int64Counter
	errorsTotal         metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent metric.Int64UpDownCounter

	// Histograms
	frameSize    metric.Int64Histogram
	pollDuration metric.Float64Histogram
}

// NewMetrics creates a Metrics instance on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

// NewMetricsWithProvider creates a Metrics instance on mp.
func NewMetricsWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{meter: mp.Meter("qpush")}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connectsTotal, "qpush.connects.total", "Connect attempts by outcome"},
		{&m.disconnectionsTotal, "qpush.disconnections.total", "Sessions ended by reason"},
		{&m.framesSent, "qpush.frames.sent.total", "Frames written to the wire"},
		{&m.framesReceived, "qpush.frames.received.total", "Frames read from the wire"},
		{&m.bytesSent, "qpush.bytes.sent.total", "Payload bytes written"},
		{&m.bytesReceived, "qpush.bytes.received.total", "Payload bytes read"},
		{&m.payloadsPushed, "qpush.payloads.pushed.total", "Queue payloads delivered by class"},
		{&m.errorsTotal, "qpush.errors.total", "Errors by type"},
	}

	var err error
	for _, c := range counters {
		*c.dst, err = m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"qpush.connections.current",
		metric.WithDescription("Current number of open connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.frameSize, err = m.meter.Int64Histogram(
		"qpush.frame.size.bytes",
		metric.WithDescription("Frame payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create frameSize histogram: %w", err)
	}

	m.pollDuration, err = m.meter.Float64Histogram(
		"qpush.poll.duration.ms",
		metric.WithDescription("Pusher poll duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pollDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnect records a connect attempt. outcome is "success", "failure"
// or "cancelled".
func (m *Metrics) RecordConnect(outcome string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.connectsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "success" {
		m.connectionsCurrent.Add(ctx, 1)
	}
}

// RecordConnection records an accepted server-side connection.
func (m *Metrics) RecordConnection() {
	if m == nil {
		return
	}
	m.connectionsCurrent.Add(context.Background(), 1)
}

// RecordDisconnection records the end of an established session.
func (m *Metrics) RecordDisconnection(reason string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.connectionsCurrent.Add(ctx, -1)
}

// RecordFrameSent records a frame written to a socket.
func (m *Metrics) RecordFrameSent(size int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.framesSent.Add(ctx, 1)
	m.bytesSent.Add(ctx, int64(size))
	m.frameSize.Record(ctx, int64(size), metric.WithAttributes(attribute.String("direction", "out")))
}

// RecordFrameReceived records a frame read from a socket.
func (m *Metrics) RecordFrameReceived(size int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.framesReceived.Add(ctx, 1)
	m.bytesReceived.Add(ctx, int64(size))
	m.frameSize.Record(ctx, int64(size), metric.WithAttributes(attribute.String("direction", "in")))
}

// RecordPushed records n payloads of class delivered by a pusher.
func (m *Metrics) RecordPushed(class string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.payloadsPushed.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("class", class)))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", errorType)))
}

// RecordPollDuration records the duration of one pusher poll.
func (m *Metrics) RecordPollDuration(durationMs float64) {
	if m == nil {
		return
	}
	m.pollDuration.Record(context.Background(), durationMs)
}
