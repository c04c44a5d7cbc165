// Package telemetry provides OpenTelemetry metrics for the daemon.
//
// Metrics are disabled by default. Enable them with telemetry.stdout (pretty
// JSON to stdout every 15s) or telemetry.otlp_endpoint (OTLP/HTTP every 30s).
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/adamavenir/roost"

// Options selects metric exporters.
type Options struct {
	ServiceName  string
	Version      string
	Stdout       bool
	OTLPEndpoint string
}

// Enabled reports whether any exporter is configured.
func (o Options) Enabled() bool {
	return o.Stdout || o.OTLPEndpoint != ""
}

var shutdownFns []func(context.Context) error

// Init installs the global meter provider. With no exporter configured a
// no-op provider is installed.
func Init(ctx context.Context, opts Options) error {
	if !opts.Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
			semconv.ServiceVersionKey.String(opts.Version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	mp, err := buildMetricProvider(ctx, res, opts)
	if err != nil {
		return fmt.Errorf("telemetry: metric provider: %w", err)
	}
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

func buildMetricProvider(ctx context.Context, res *resource.Resource, opts Options) (*sdkmetric.MeterProvider, error) {
	providerOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if opts.Stdout {
		exp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		providerOpts = append(providerOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)),
		))
	}

	if opts.OTLPEndpoint != "" {
		exp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(opts.OTLPEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second)),
		))
	}

	return sdkmetric.NewMeterProvider(providerOpts...), nil
}

// Meter returns a meter with the given instrumentation name (or the global scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes metrics and shuts down providers.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

// Metrics holds the daemon's instruments. A nil *Metrics records nothing.
type Metrics struct {
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
	mailbox     metric.Int64Counter
	firings     metric.Int64Counter
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics() *Metrics {
	m := Meter("")
	invocations, _ := m.Int64Counter("roost.invocations",
		metric.WithDescription("Invocations started, by namespace, kind and outcome"),
	)
	duration, _ := m.Float64Histogram("roost.invocation.duration",
		metric.WithDescription("Invocation wall-clock duration"),
		metric.WithUnit("ms"),
	)
	mailbox, _ := m.Int64Counter("roost.mailbox.requests",
		metric.WithDescription("Mailbox requests drained, by action and outcome"),
	)
	firings, _ := m.Int64Counter("roost.task.firings",
		metric.WithDescription("Scheduled task firings"),
	)
	return &Metrics{
		invocations: invocations,
		duration:    duration,
		mailbox:     mailbox,
		firings:     firings,
	}
}

// RecordInvocation counts one finished invocation and its duration.
func (m *Metrics) RecordInvocation(ctx context.Context, namespace, kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.invocations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(d.Milliseconds()), attrs)
}

// RecordMailbox counts one drained mailbox request.
func (m *Metrics) RecordMailbox(ctx context.Context, namespace, action, outcome string) {
	if m == nil {
		return
	}
	m.mailbox.Add(ctx, 1, metric.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// RecordTaskFiring counts one scheduled task dispatch.
func (m *Metrics) RecordTaskFiring(ctx context.Context, namespace, scheduleType string) {
	if m == nil {
		return
	}
	m.firings.Add(ctx, 1, metric.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("schedule_type", scheduleType),
	))
}
