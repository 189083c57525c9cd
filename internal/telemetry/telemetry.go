// Package telemetry sets up OpenTelemetry tracing and metrics.
//
// Telemetry is off unless Init is called with Enabled set. Until then, and
// when disabled, the global providers are no-ops and WrapCache returns the
// store unchanged.
//
// Exporters:
//
//   - stdout (Config.Stdout), for local debugging
//   - OTLP/HTTP (Config.Endpoint, else OTEL_EXPORTER_OTLP_ENDPOINT)
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "github.com/steveyegge/trackbridge"

// DefaultMetricInterval is how often metrics are exported.
const DefaultMetricInterval = 30 * time.Second

// Config selects exporters and sampling.
type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
	// Stdout pretty-prints spans and metrics to stdout.
	Stdout bool
	// Endpoint is the OTLP/HTTP collector, host:port.
	Endpoint string
	Insecure bool
	// SampleRatio is the fraction of traces kept. Zero or above one keeps all.
	SampleRatio    float64
	MetricInterval time.Duration
}

var (
	enabled atomic.Bool

	mu         sync.Mutex
	shutdownFn []func(context.Context) error
)

// Enabled reports whether Init installed real providers.
func Enabled() bool {
	return enabled.Load()
}

// Init installs the global tracer and meter providers.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		enabled.Store(false)
		return nil
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = DefaultMetricInterval
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		return fmt.Errorf("telemetry resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return fmt.Errorf("trace provider: %w", err)
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return fmt.Errorf("meter provider: %w", err)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	mu.Lock()
	shutdownFn = append(shutdownFn, tp.Shutdown, mp.Shutdown)
	mu.Unlock()
	enabled.Store(true)
	return nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}
	if cfg.Stdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	if cfg.Endpoint != "" {
		exp, err := otlpTraceExporter(ctx, cfg.Endpoint, cfg.Insecure)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func newMeterProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.MetricInterval))))
	}
	if cfg.Endpoint != "" {
		exp, err := otlpMetricExporter(ctx, cfg.Endpoint, cfg.Insecure)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.MetricInterval))))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// Tracer returns a tracer for the instrumentation scope name.
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Tracer(name)
}

// Meter returns a meter for the instrumentation scope name.
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes and stops the providers installed by Init.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	fns := shutdownFn
	shutdownFn = nil
	mu.Unlock()

	var errs []error
	for _, fn := range fns {
		errs = append(errs, fn(ctx))
	}
	enabled.Store(false)
	return errors.Join(errs...)
}
