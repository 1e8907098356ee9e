// Package telemetry holds the tracer and counters shared by the gateway,
// poller and resume coordinator.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/ppiankov/approvalgate"

// Telemetry bundles the instruments used across packages.
type Telemetry struct {
	Tracer       trace.Tracer
	Verdicts     metric.Int64Counter
	BreakerTrips metric.Int64Counter
	Polls        metric.Int64Counter
	Resumes      metric.Int64Counter
}

// New builds instruments from explicit providers.
func New(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	meter := mp.Meter(instrumentationName)
	t := &Telemetry{Tracer: tp.Tracer(instrumentationName)}

	var err error
	if t.Verdicts, err = meter.Int64Counter("approvalgate.verdicts",
		metric.WithDescription("Governed call outcomes by decision"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if t.BreakerTrips, err = meter.Int64Counter("approvalgate.breaker.trips",
		metric.WithDescription("Circuit breaker trips by dimension"),
		metric.WithUnit("{trip}"),
	); err != nil {
		return nil, err
	}
	if t.Polls, err = meter.Int64Counter("approvalgate.polls",
		metric.WithDescription("Approval resource queries"),
		metric.WithUnit("{poll}"),
	); err != nil {
		return nil, err
	}
	if t.Resumes, err = meter.Int64Counter("approvalgate.resumes",
		metric.WithDescription("Resume attempts by outcome"),
		metric.WithUnit("{resume}"),
	); err != nil {
		return nil, err
	}
	return t, nil
}

// Nop returns instruments that record nothing.
func Nop() *Telemetry {
	t, err := New(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	if err != nil {
		panic(fmt.Sprintf("noop telemetry: %v", err))
	}
	return t
}

// Config configures SDK providers for the CLI.
type Config struct {
	ServiceName  string
	Version      string
	OTLPEndpoint string
	Insecure     bool
	BatchTimeout time.Duration
}

// Providers owns SDK providers and their shutdown.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
}

// Setup creates SDK providers. Spans are exported over OTLP gRPC when an
// endpoint is configured; otherwise they are sampled but dropped.
func Setup(ctx context.Context, cfg Config, readers ...sdkmetric.Reader) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "approvalgate"
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)))
	}

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}

	return &Providers{
		Tracer: sdktrace.NewTracerProvider(traceOpts...),
		Meter:  sdkmetric.NewMeterProvider(meterOpts...),
	}, nil
}

// Telemetry builds instruments on the SDK providers.
func (p *Providers) Telemetry() (*Telemetry, error) {
	return New(p.Tracer, p.Meter)
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var first error
	if err := p.Tracer.Shutdown(ctx); err != nil {
		first = err
	}
	if err := p.Meter.Shutdown(ctx); err != nil && first == nil {
		first = err
	}
	return first
}
