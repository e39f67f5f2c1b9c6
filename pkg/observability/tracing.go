// Package observability sets up logging and tracing for the daemon.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Exporter selects the span exporter. Only "stdout" is built in.
	Exporter string `mapstructure:"exporter" yaml:"exporter"`

	// SampleRatio is the fraction of root spans recorded. 0 means 1.
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`

	// Output receives stdout exporter spans. Defaults to os.Stdout.
	Output io.Writer `mapstructure:"-" yaml:"-"`
}

// Tracing owns the global tracer provider once installed.
type Tracing struct {
	provider *sdktrace.TracerProvider
	once     sync.Once
}

// SetupTracing installs a global tracer provider when cfg.Enabled. When
// disabled the otel no-op provider stays in place and Shutdown does nothing.
func SetupTracing(ctx context.Context, cfg TracingConfig, serviceName, serviceVersion string, log *slog.Logger) (*Tracing, error) {
	t := &Tracing{}
	if !cfg.Enabled {
		return t, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	switch cfg.Exporter {
	case "", "stdout":
	default:
		log.Warn("unknown trace exporter, falling back to stdout", "exporter", cfg.Exporter)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(t.provider)

	log.Info("OpenTelemetry tracing initialized",
		"service_name", serviceName,
		"exporter", "stdout",
		"sample_ratio", ratio)
	return t, nil
}

// Shutdown flushes and stops the tracer provider.
func (t *Tracing) Shutdown(ctx context.Context) error {
	var err error
	t.once.Do(func() {
		if t.provider == nil {
			return
		}
		if serr := t.provider.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("tracer provider shutdown: %w", serr)
		}
	})
	return err
}
