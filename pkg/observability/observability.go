// Package observability wires OpenTelemetry tracing and metrics for the
// kernel: OTLP export, a service resource, and the kernel's counters.
package observability

import (
	"context"
	"errors"
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

	"github.com/Mindburn-Labs/esta-kernel/pkg/config"
)

const scope = "esta.kernel"

// Config selects what the provider exports.
type Config struct {
	Enabled        bool
	Endpoint       string // OTLP gRPC, host:port
	Insecure       bool
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the fraction of traces kept; 1 keeps all.
	SampleRatio    float64
	ExportInterval time.Duration
}

// DefaultConfig exports nothing.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:       "localhost:4317",
		ServiceName:    "esta-kernel",
		ServiceVersion: "dev",
		SampleRatio:    1,
		ExportInterval: 15 * time.Second,
	}
}

// FromConfig maps the file configuration.
func FromConfig(c config.ObservabilityConfig, version string) *Config {
	cfg := DefaultConfig()
	cfg.Enabled = c.Enabled
	cfg.Insecure = c.Insecure
	if c.Endpoint != "" {
		cfg.Endpoint = c.Endpoint
	}
	if c.ServiceName != "" {
		cfg.ServiceName = c.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	return cfg
}

// Provider owns the SDK providers when export is enabled. A disabled
// provider hands out the global no-op tracer and meter.
type Provider struct {
	cfg     *Config
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	logger  *slog.Logger
}

func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{cfg: cfg, logger: slog.Default().With("component", "observability")}
	if !cfg.Enabled {
		p.logger.DebugContext(ctx, "export disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		attribute.String("esta.component", "kernel"),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	spans, err := otlptracegrpc.New(ctx, traceOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	readings, err := otlpmetricgrpc.New(ctx, metricOptions(cfg)...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}

	p.traces = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	p.metrics = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(readings, sdkmetric.WithInterval(cfg.ExportInterval))),
	)
	otel.SetTracerProvider(p.traces)
	otel.SetMeterProvider(p.metrics)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	p.logger.InfoContext(ctx, "exporting telemetry", "endpoint", cfg.Endpoint, "service", cfg.ServiceName)
	return p, nil
}

func traceOptions(cfg *Config) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

func metricOptions(cfg *Config) []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return opts
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Shutdown flushes pending spans and readings.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.traces != nil {
		errs = append(errs, p.traces.Shutdown(ctx))
	}
	if p.metrics != nil {
		errs = append(errs, p.metrics.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (p *Provider) Tracer() trace.Tracer {
	return otel.Tracer(scope, trace.WithInstrumentationVersion(p.cfg.ServiceVersion))
}

func (p *Provider) Meter() metric.Meter {
	return otel.Meter(scope, metric.WithInstrumentationVersion(p.cfg.ServiceVersion))
}

// Metrics registers the kernel counters on the provider's meter.
func (p *Provider) Metrics() (*Metrics, error) {
	return NewMetrics(p.Meter())
}
