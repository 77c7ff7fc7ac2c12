// Package telemetry wires the supervisor's OpenTelemetry meter provider to
// a Prometheus registry so the dashboard can serve /metrics without any
// push-based exporter running. Only metrics flow out; spans stay in-process
// (the safety gate starts them for structure, nothing exports them).
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MeterName is the instrumentation scope for supervisor metrics.
const MeterName = "ouroboros/supervisor"

// Provider bundles the meter, its instruments, and the Prometheus registry
// the dashboard's /metrics handler exposes.
type Provider struct {
	Meter    metric.Meter
	Registry *prometheus.Registry

	SpentUSD      metric.Float64Gauge
	QueuePending  metric.Int64Gauge
	QueueRunning  metric.Int64Gauge
	WorkersAlive  metric.Int64Gauge
	EventsDropped metric.Int64Gauge
	TasksFinished metric.Int64Counter

	mp *sdkmetric.MeterProvider
}

// Init builds the provider. All instrument creation errors are returned
// together rather than leaving a half-initialized provider behind.
func Init() (*Provider, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := mp.Meter(MeterName)

	p := &Provider{Meter: meter, Registry: registry, mp: mp}

	if p.SpentUSD, err = meter.Float64Gauge("ouroboros.budget.spent_usd",
		metric.WithDescription("Cumulative USD spent on LLM calls since install")); err != nil {
		return nil, err
	}
	if p.QueuePending, err = meter.Int64Gauge("ouroboros.queue.pending",
		metric.WithDescription("Tasks in the pending list")); err != nil {
		return nil, err
	}
	if p.QueueRunning, err = meter.Int64Gauge("ouroboros.queue.running",
		metric.WithDescription("Tasks in the running set")); err != nil {
		return nil, err
	}
	if p.WorkersAlive, err = meter.Int64Gauge("ouroboros.workers.alive",
		metric.WithDescription("Live worker processes")); err != nil {
		return nil, err
	}
	if p.EventsDropped, err = meter.Int64Gauge("ouroboros.eventbus.dropped",
		metric.WithDescription("Events dropped by the bounded event bus")); err != nil {
		return nil, err
	}
	if p.TasksFinished, err = meter.Int64Counter("ouroboros.tasks.finished",
		metric.WithDescription("Tasks reaching a terminal status")); err != nil {
		return nil, err
	}
	return p, nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) {
	if p != nil && p.mp != nil {
		_ = p.mp.Shutdown(ctx)
	}
}
