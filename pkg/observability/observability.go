// Package observability wires OpenTelemetry tracing and metrics for the
// gateway and the protection workers: OTLP gRPC export, RED metrics on the
// HTTP surface, and pipeline metrics (images processed/failed, per-stage
// duration, in-flight tasks). Disabled it degrades to a no-op, so dev runs
// need no collector.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // how long to batch spans before export
	Enabled        bool
	Insecure       bool // plaintext OTLP, dev only
}

// DefaultConfig returns dev-friendly defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "lore-anchor",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the OpenTelemetry trace and metric providers. A disabled
// provider is safe to call everywhere; every instrument is nil-guarded.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics for the HTTP surface.
	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram

	// Pipeline metrics for the worker fleet.
	imagesProcessed metric.Int64Counter
	imagesFailed    metric.Int64Counter
	stageDuration   metric.Float64Histogram
	activeTasks     metric.Int64UpDownCounter
}

// New creates an observability provider.
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
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("lore-anchor",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("lore-anchor",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
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

func (p *Provider) initInstruments() error {
	var err error

	p.requestCounter, err = p.meter.Int64Counter("anchor.requests.total",
		metric.WithDescription("HTTP requests handled by the gateway"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("anchor.errors.total",
		metric.WithDescription("HTTP responses with status >= 500"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("anchor.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	p.imagesProcessed, err = p.meter.Int64Counter("anchor.images.processed",
		metric.WithDescription("Images protected to completion"),
		metric.WithUnit("{image}"),
	)
	if err != nil {
		return err
	}
	p.imagesFailed, err = p.meter.Int64Counter("anchor.images.failed",
		metric.WithDescription("Images whose pipeline ended in failure"),
		metric.WithUnit("{image}"),
	)
	if err != nil {
		return err
	}
	p.stageDuration, err = p.meter.Float64Histogram("anchor.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0),
	)
	if err != nil {
		return err
	}
	p.activeTasks, err = p.meter.Int64UpDownCounter("anchor.tasks.active",
		metric.WithDescription("Protection tasks currently in flight"),
		metric.WithUnit("{task}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("lore-anchor")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("lore-anchor")
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordProcessed counts one completed image.
func (p *Provider) RecordProcessed(ctx context.Context) {
	if p.imagesProcessed != nil {
		p.imagesProcessed.Add(ctx, 1)
	}
}

// RecordFailed counts one failed image, attributed to the failing stage.
func (p *Provider) RecordFailed(ctx context.Context, stage string) {
	if p.imagesFailed != nil {
		p.imagesFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// RecordStageDuration records how long one pipeline stage took.
func (p *Provider) RecordStageDuration(ctx context.Context, stage string, d time.Duration) {
	if p.stageDuration != nil {
		p.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// TrackTask opens a span for one protection task and marks it in flight.
// The returned finish closes the span, settles the active gauge, and counts
// the terminal outcome.
func (p *Provider) TrackTask(ctx context.Context, imageID string) (context.Context, func(stage string, err error)) {
	ctx, span := p.StartSpan(ctx, "pipeline.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("image_id", imageID)),
	)
	if p.activeTasks != nil {
		p.activeTasks.Add(ctx, 1)
	}

	return ctx, func(stage string, err error) {
		if p.activeTasks != nil {
			p.activeTasks.Add(ctx, -1)
		}
		if err != nil {
			span.RecordError(err)
			p.RecordFailed(ctx, stage)
		} else {
			p.RecordProcessed(ctx)
		}
		span.End()
	}
}

// HTTPMiddleware records RED metrics for every request.
func (p *Provider) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		attrs := metric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", sw.status),
		)
		if p.requestCounter != nil {
			p.requestCounter.Add(r.Context(), 1, attrs)
		}
		if sw.status >= 500 && p.errorCounter != nil {
			p.errorCounter.Add(r.Context(), 1, attrs)
		}
		if p.durationHist != nil {
			p.durationHist.Record(r.Context(), time.Since(start).Seconds(), attrs)
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
