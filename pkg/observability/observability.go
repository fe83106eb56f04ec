// Package observability wires OpenTelemetry for tierflow: an OTLP trace and
// metric pipeline, and the per-tier execution instruments the tiers report
// through.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
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

const scope = "github.com/Mindburn-Labs/tierflow"

// Config selects where telemetry goes. Nothing is exported unless Enabled.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // OTLP gRPC collector, host:port
	Insecure       bool
	SampleRatio    float64
	ExportInterval time.Duration
	Enabled        bool
}

// DefaultConfig points at a local collector and leaves telemetry off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "tierflow",
		ServiceVersion: "0.1.0",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRatio:    1,
		ExportInterval: 15 * time.Second,
	}
}

// Provider owns the SDK providers and the tier execution instruments. A nil
// or disabled Provider reports to the global no-op implementations.
type Provider struct {
	cfg    *Config
	logger *slog.Logger

	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	tracer  trace.Tracer
	meter   metric.Meter

	exec *executionInstruments
}

// New builds a Provider. With cfg.Enabled false it installs nothing globally.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{cfg: cfg, logger: slog.Default().With("component", "observability")}

	if cfg.Enabled {
		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		))
		if err != nil {
			return nil, fmt.Errorf("otel resource: %w", err)
		}
		if p.traces, err = newTracerProvider(ctx, cfg, res); err != nil {
			return nil, err
		}
		if p.metrics, err = newMeterProvider(ctx, cfg, res); err != nil {
			_ = p.traces.Shutdown(ctx)
			return nil, err
		}
		otel.SetTracerProvider(p.traces)
		otel.SetMeterProvider(p.metrics)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		p.logger.InfoContext(ctx, "telemetry exporting", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	}

	p.tracer = otel.Tracer(scope, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter(scope, metric.WithInstrumentationVersion(cfg.ServiceVersion))

	exec, err := newExecutionInstruments(p.meter)
	if err != nil {
		return nil, fmt.Errorf("tier instruments: %w", err)
	}
	p.exec = exec
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = DefaultConfig().ExportInterval
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	), nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.traces != nil {
		errs = append(errs, p.traces.Shutdown(ctx))
	}
	if p.metrics != nil {
		errs = append(errs, p.metrics.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Tracer falls back to the global tracer on a nil Provider.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(scope)
	}
	return p.tracer
}

// Meter falls back to the global meter on a nil Provider.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(scope)
	}
	return p.meter
}
