// Package telemetry wires OpenTelemetry metrics for the hub.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown flushes and stops the meter provider.
type Shutdown func(context.Context) error

// Init installs an OTLP/gRPC meter provider when endpoint is set. With no
// endpoint the global no-op provider stays in place.
func Init(ctx context.Context, endpoint, serviceName string) (Shutdown, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if serviceName == "" {
		serviceName = "careline-hub"
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	slog.Info("OpenTelemetry metrics initialized", "service", serviceName, "endpoint", endpoint)
	return mp.Shutdown, nil
}

// Metrics holds the hub's instruments. A nil *Metrics records nothing.
type Metrics struct {
	connections    metric.Int64UpDownCounter
	messages       metric.Int64Counter
	undeliverable  metric.Int64Counter
	callsStarted   metric.Int64Counter
	callsEnded     metric.Int64Counter
	callsBusy      metric.Int64Counter
	archiveDropped metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.connections, err = meter.Int64UpDownCounter("hub_connections_active",
		metric.WithDescription("Live WebSocket connections")); err != nil {
		return nil, err
	}
	if m.messages, err = meter.Int64Counter("hub_messages_relayed_total",
		metric.WithDescription("Messages accepted for relay")); err != nil {
		return nil, err
	}
	if m.undeliverable, err = meter.Int64Counter("hub_pushes_undeliverable_total",
		metric.WithDescription("Outbound events that found no reachable recipient")); err != nil {
		return nil, err
	}
	if m.callsStarted, err = meter.Int64Counter("hub_calls_started_total",
		metric.WithDescription("Call sessions that reached ringing")); err != nil {
		return nil, err
	}
	if m.callsEnded, err = meter.Int64Counter("hub_calls_ended_total",
		metric.WithDescription("Call sessions that reached ended, by reason")); err != nil {
		return nil, err
	}
	if m.callsBusy, err = meter.Int64Counter("hub_calls_busy_total",
		metric.WithDescription("Call requests answered with busy")); err != nil {
		return nil, err
	}
	if m.archiveDropped, err = meter.Int64Counter("hub_archive_dropped_total",
		metric.WithDescription("Archive records dropped because the queue was full")); err != nil {
		return nil, err
	}
	return m, nil
}

// ConnectionOpened increments the live connection gauge.
func (m *Metrics) ConnectionOpened(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// ConnectionClosed decrements the live connection gauge.
func (m *Metrics) ConnectionClosed(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1, metric.WithAttributes(attribute.String("role", role)))
}

// MessageRelayed counts an accepted message.
func (m *Metrics) MessageRelayed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Undeliverable counts an event whose recipient was offline or saturated.
func (m *Metrics) Undeliverable(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.undeliverable.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// CallStarted counts a session entering ringing.
func (m *Metrics) CallStarted(ctx context.Context, mediaKind string) {
	if m == nil {
		return
	}
	m.callsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("media_kind", mediaKind)))
}

// CallEnded counts a session reaching its terminal state.
func (m *Metrics) CallEnded(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.callsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// CallBusy counts a busy outcome.
func (m *Metrics) CallBusy(ctx context.Context) {
	if m == nil {
		return
	}
	m.callsBusy.Add(ctx, 1)
}

// ArchiveDropped counts a record lost to backpressure.
func (m *Metrics) ArchiveDropped(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.archiveDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("record", kind)))
}
