// Package observability exports pipeline traces and metrics over OTLP.
// Without a configured endpoint the provider is a no-op: every Track and
// Record call is safe to make unconditionally, so the pipeline code never
// branches on whether telemetry is on.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "transfergov.pipeline"

// Config configures the OTLP exporters.
type Config struct {
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the gRPC collector address, e.g. "localhost:4317".
	// Empty disables export entirely.
	OTLPEndpoint string
	BatchTimeout time.Duration
	Insecure     bool
}

// Provider owns the trace and metric providers plus the pipeline's
// counters. The zero-ish Provider returned for an empty endpoint records
// nothing.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	runCounter    metric.Int64Counter
	errorCounter  metric.Int64Counter
	durationHist  metric.Float64Histogram
	recordCounter metric.Int64Counter
}

// New builds the provider and installs it as the global OTel provider.
func New(ctx context.Context, config Config) (*Provider, error) {
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if config.OTLPEndpoint == "" {
		p.logger.Debug("telemetry export disabled, no otlp endpoint configured")
		return p, nil
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 5 * time.Second
		p.config = config
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("transfergov"),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("observability: init metrics: %w", err)
	}

	p.logger.Info("telemetry export enabled",
		"endpoint", config.OTLPEndpoint,
		"environment", config.Environment,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	p.runCounter, err = p.meter.Int64Counter("transfergov.runs.total",
		metric.WithDescription("Pipeline runs started"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("transfergov.errors.total",
		metric.WithDescription("Operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("transfergov.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900),
	)
	if err != nil {
		return err
	}
	p.recordCounter, err = p.meter.Int64Counter("transfergov.records.total",
		metric.WithDescription("Records written, by table and kind (inserted/updated/failed)"),
		metric.WithUnit("{record}"),
	)
	return err
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.Error("trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.Error("metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the pipeline tracer; a noop tracer when export is off.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName)
	}
	return p.tracer
}

// RecordRun counts a pipeline run start.
func (p *Provider) RecordRun(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.runCounter != nil {
		p.runCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRecords counts written rows, e.g. table=propostas kind=inserted.
func (p *Provider) RecordRecords(ctx context.Context, n int, attrs ...attribute.KeyValue) {
	if p.recordCounter != nil {
		p.recordCounter.Add(ctx, int64(n), metric.WithAttributes(attrs...))
	}
}

// TrackOperation opens a span and returns the completion callback that
// records duration, error count and span status.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		if p.durationHist != nil {
			opAttrs := append(attrs, attribute.String("operation", name))
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(opAttrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.errorCounter != nil {
				opAttrs := append(attrs, attribute.String("operation", name))
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(opAttrs...))
			}
		}
		span.End()
	}
}
