package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Provider implements the Telemetry interface using the OpenTelemetry
// SDK. Instruments are created on first use and cached by name.
type Provider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// New creates a Telemetry backed by the configured exporters, or the
// no-op implementation when telemetry is disabled.
func New(cfg Config) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	res := sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	metricExporters, err := createMetricExporters(cfg)
	if err != nil {
		return nil, err
	}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, exporter := range metricExporters {
		metricOpts = append(metricOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.BatchTimeout))))
	}
	meterProvider := sdkmetric.NewMeterProvider(metricOpts...)

	traceExporters, err := createTraceExporters(cfg)
	if err != nil {
		return nil, err
	}
	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	}
	for _, exporter := range traceExporters {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout)))
	}
	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)

	return &Provider{
		config:         cfg,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		meter:          meterProvider.Meter(cfg.ServiceName),
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		counters:       make(map[string]metric.Int64Counter),
		histograms:     make(map[string]metric.Float64Histogram),
	}, nil
}

// RecordCounter increments the named counter.
func (p *Provider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	counter, err := p.getCounter(name)
	if err != nil {
		return
	}
	counter.Add(ctx, value, metric.WithAttributes(attrs...))
}

// RecordHistogram records a value in the named histogram.
func (p *Provider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	histogram, err := p.getHistogram(name)
	if err != nil {
		return
	}
	histogram.Record(ctx, value, metric.WithAttributes(attrs...))
}

// StartSpan begins a span with the given name and attributes.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return p.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("meter provider shutdown: %w", err)
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("tracer provider shutdown: %w", err)
	}
	return firstErr
}

func (p *Provider) getCounter(name string) (metric.Int64Counter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if counter, ok := p.counters[name]; ok {
		return counter, nil
	}
	counter, err := p.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	p.counters[name] = counter
	return counter, nil
}

func (p *Provider) getHistogram(name string) (metric.Float64Histogram, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if histogram, ok := p.histograms[name]; ok {
		return histogram, nil
	}
	histogram, err := p.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	p.histograms[name] = histogram
	return histogram, nil
}
