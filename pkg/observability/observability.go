// Package observability provides OpenTelemetry tracing and metrics for the
// ingestion pipeline. When disabled it degrades to no-ops, so no component
// needs a collector to function.
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
)

const instrumentationName = "vaultstream.ingest"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Enabled        bool
	Insecure       bool
	BatchTimeout   time.Duration
}

// DefaultConfig returns local-development defaults with telemetry off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "vaultstream",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
		Insecure:       true,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider manages trace and metric providers plus the pipeline instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	eventsProcessed    metric.Int64Counter
	eventsDuplicate    metric.Int64Counter
	eventsDeadLettered metric.Int64Counter
	listenerReconnects metric.Int64Counter
	eventDuration      metric.Float64Histogram
}

// New creates a provider. With Enabled=false every Record* call is a no-op.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init traces: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metrics: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
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
		return err
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
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.eventsProcessed, err = p.meter.Int64Counter("vaultstream.events.processed",
		metric.WithDescription("Ledger events applied exactly once"),
		metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	p.eventsDuplicate, err = p.meter.Int64Counter("vaultstream.events.duplicate",
		metric.WithDescription("Events short-circuited by the processed-event record"),
		metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	p.eventsDeadLettered, err = p.meter.Int64Counter("vaultstream.events.deadlettered",
		metric.WithDescription("Events escalated to the dead-letter store"),
		metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	p.listenerReconnects, err = p.meter.Int64Counter("vaultstream.listener.reconnects",
		metric.WithDescription("Stream connection failures followed by backoff"),
		metric.WithUnit("{reconnect}"))
	if err != nil {
		return err
	}
	p.eventDuration, err = p.meter.Float64Histogram("vaultstream.event.duration",
		metric.WithDescription("Per-event processing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5))
	if err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}

func eventTypeAttr(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("event.type", eventType))
}

// RecordProcessed counts a successfully applied event.
func (p *Provider) RecordProcessed(ctx context.Context, eventType string) {
	if p.eventsProcessed != nil {
		p.eventsProcessed.Add(ctx, 1, eventTypeAttr(eventType))
	}
}

// RecordDuplicate counts an idempotency short-circuit.
func (p *Provider) RecordDuplicate(ctx context.Context, eventType string) {
	if p.eventsDuplicate != nil {
		p.eventsDuplicate.Add(ctx, 1, eventTypeAttr(eventType))
	}
}

// RecordDeadLettered counts an escalation to the dead-letter store.
func (p *Provider) RecordDeadLettered(ctx context.Context, eventType string) {
	if p.eventsDeadLettered != nil {
		p.eventsDeadLettered.Add(ctx, 1, eventTypeAttr(eventType))
	}
}

// RecordReconnect counts a stream connection failure.
func (p *Provider) RecordReconnect(ctx context.Context) {
	if p.listenerReconnects != nil {
		p.listenerReconnects.Add(ctx, 1)
	}
}

// TrackEvent opens a span for one event and returns a completion callback
// that records duration and error status.
func (p *Provider) TrackEvent(ctx context.Context, eventID, eventType string) (context.Context, func(error)) {
	start := time.Now()
	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "event.process",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("event.id", eventID),
				attribute.String("event.type", eventType),
			))
	}
	return ctx, func(err error) {
		if p.eventDuration != nil {
			p.eventDuration.Record(ctx, time.Since(start).Seconds(), eventTypeAttr(eventType))
		}
		if span != nil {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}
	}
}
