// Package telemetry wires OpenTelemetry for architectd. Providers are no-ops
// unless enabled, so instrumented code never checks.
//
// # Configuration
//
//	ARCHITECT_OTEL_ENABLED=true                 enable telemetry (default: off)
//	ARCHITECT_OTEL_STDOUT=true                  also print metrics to stdout
//	ARCHITECT_OTEL_TRACE_FILE=path              append spans as JSON to path
//	OTEL_EXPORTER_OTLP_METRICS_ENDPOINT=...     OTLP/HTTP metrics endpoint
//	OTEL_EXPORTER_OTLP_ENDPOINT=...             fallback OTLP/HTTP endpoint
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "github.com/steveyegge/architect"

// Settings select the exporters.
type Settings struct {
	Enabled bool
	// Stdout prints metrics to stdout every MetricInterval.
	Stdout bool
	// TraceFile receives spans as JSON lines; empty drops spans.
	TraceFile string
	// OTLPEndpoint receives metrics over OTLP/HTTP when set.
	OTLPEndpoint   string
	MetricInterval time.Duration
}

// SettingsFromEnv reads the ARCHITECT_OTEL_* and OTEL_EXPORTER_OTLP_*
// variables.
func SettingsFromEnv() Settings {
	s := Settings{
		Enabled:        os.Getenv("ARCHITECT_OTEL_ENABLED") == "true",
		Stdout:         os.Getenv("ARCHITECT_OTEL_STDOUT") == "true",
		TraceFile:      os.Getenv("ARCHITECT_OTEL_TRACE_FILE"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"),
		MetricInterval: 30 * time.Second,
	}
	if s.OTLPEndpoint == "" {
		s.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	return s
}

var (
	mu        sync.Mutex
	shutdowns []func(context.Context) error
)

// Init installs global providers for s. Disabled settings install no-ops.
func Init(ctx context.Context, serviceName, version string, s Settings) error {
	if !s.Enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	tp, closeTrace, err := traceProvider(res, s.TraceFile)
	if err != nil {
		return fmt.Errorf("telemetry: trace provider: %w", err)
	}
	mp, err := meterProvider(ctx, res, s)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = closeTrace()
		return fmt.Errorf("telemetry: metric provider: %w", err)
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	mu.Lock()
	shutdowns = append(shutdowns, tp.Shutdown, mp.Shutdown, func(context.Context) error { return closeTrace() })
	mu.Unlock()
	return nil
}

func traceProvider(res *resource.Resource, path string) (*sdktrace.TracerProvider, func() error, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	closer := func() error { return nil }
	if path != "" {
		// #nosec G304 - operator-chosen trace file
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, err
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		closer = f.Close
	}
	return sdktrace.NewTracerProvider(opts...), closer, nil
}

func meterProvider(ctx context.Context, res *resource.Resource, s Settings) (*sdkmetric.MeterProvider, error) {
	interval := s.MetricInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if s.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	}
	if s.OTLPEndpoint != "" {
		exp, err := otlpMetricExporter(ctx, s.OTLPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// Tracer returns a tracer for name, or the module scope when empty.
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Tracer(name)
}

// Meter returns a meter for name, or the module scope when empty.
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes and stops whatever Init installed.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	fns := shutdowns
	shutdowns = nil
	mu.Unlock()
	var errs []error
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
