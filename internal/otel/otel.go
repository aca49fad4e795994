// Package otel installs the global OpenTelemetry providers for oneshot.
//
// Traces are only exported over OTLP. Metrics can leave the process two
// ways at once: pushed over OTLP, and pulled through a Prometheus
// registry that the caller serves on /metrics. When nothing is enabled
// the global no-op providers stay in place and Setup is free.
package otel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/oneshot/internal/buildinfo"
)

const (
	exportInterval = 10 * time.Second
	batchTimeout   = time.Second
)

// Shutdown flushes and stops whatever Setup installed.
type Shutdown func(context.Context) error

// Config selects the telemetry outputs.
type Config struct {
	ServiceName string

	// ScaleSet and Engine are attached to every signal so dashboards can
	// tell runner pools apart.
	ScaleSet string
	Engine   string

	// Enabled turns on OTLP/HTTP push for traces and metrics.
	Enabled bool

	// Endpoint overrides OTEL_EXPORTER_OTLP_ENDPOINT when set.
	Endpoint string
	Insecure bool

	// StdOut mirrors OTLP output to stdout. Ignored unless Enabled.
	StdOut bool

	// Registerer receives a Prometheus reader when non-nil.
	Registerer prometheus.Registerer
}

func (c Config) wantsMetrics() bool {
	return c.Enabled || c.Registerer != nil
}

// Setup installs the tracer and meter providers described by cfg. The
// returned Shutdown is never nil, even on error.
func Setup(ctx context.Context, cfg Config) (Shutdown, error) {
	var stops []Shutdown
	shutdown := func(ctx context.Context) error {
		var err error
		for _, stop := range slices.Backward(stops) {
			err = errors.Join(err, stop(ctx))
		}
		stops = nil
		return err
	}

	if !cfg.wantsMetrics() {
		return shutdown, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return shutdown, fmt.Errorf("building resource: %w", err)
	}

	if cfg.Enabled {
		tp, err := newTracerProvider(ctx, res, cfg)
		if err != nil {
			return shutdown, errors.Join(fmt.Errorf("tracer provider: %w", err), shutdown(ctx))
		}
		stops = append(stops, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	readers, err := metricReaders(ctx, cfg)
	if err != nil {
		return shutdown, errors.Join(fmt.Errorf("metric readers: %w", err), shutdown(ctx))
	}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	stops = append(stops, mp.Shutdown)
	otel.SetMeterProvider(mp)

	return shutdown, nil
}

// newResource describes this controller process. Each process gets its
// own instance ID so restarts show up as separate series.
func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "oneshot"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(buildinfo.Version),
		semconv.ServiceInstanceID(uuid.NewString()),
	}
	if cfg.ScaleSet != "" {
		attrs = append(attrs, attribute.String("oneshot.scale_set", cfg.ScaleSet))
	}
	if cfg.Engine != "" {
		attrs = append(attrs, attribute.String("oneshot.engine", cfg.Engine))
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithTelemetrySDK(),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithFromEnv(),
		resource.WithAttributes(attrs...),
	)
	if errors.Is(err, resource.ErrPartialResource) {
		// Detector gaps only cost attributes.
		return res, nil
	}
	return res, err
}

// otlpOptions builds the endpoint options shared by the trace and metric
// OTLP exporters.
func otlpOptions[O any](cfg Config, endpoint func(string) O, insecure func() O) []O {
	var opts []O
	if cfg.Endpoint != "" {
		opts = append(opts, endpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, insecure())
	}
	return opts
}

func newTracerProvider(ctx context.Context, res *resource.Resource, cfg Config) (*sdktrace.TracerProvider, error) {
	otlp, err := otlptracehttp.New(ctx,
		otlpOptions(cfg, otlptracehttp.WithEndpoint, otlptracehttp.WithInsecure)...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(otlp, sdktrace.WithBatchTimeout(batchTimeout)),
	}
	if cfg.StdOut {
		stdout, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(stdout, sdktrace.WithBatchTimeout(batchTimeout)))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func metricReaders(ctx context.Context, cfg Config) ([]sdkmetric.Reader, error) {
	var readers []sdkmetric.Reader

	if cfg.Enabled {
		otlp, err := otlpmetrichttp.New(ctx,
			otlpOptions(cfg, otlpmetrichttp.WithEndpoint, otlpmetrichttp.WithInsecure)...)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlp, sdkmetric.WithInterval(exportInterval)))

		if cfg.StdOut {
			stdout, err := stdoutmetric.New()
			if err != nil {
				return nil, fmt.Errorf("stdout metric exporter: %w", err)
			}
			readers = append(readers, sdkmetric.NewPeriodicReader(stdout, sdkmetric.WithInterval(exportInterval)))
		}
	}

	if cfg.Registerer != nil {
		prom, err := promexporter.New(promexporter.WithRegisterer(cfg.Registerer))
		if err != nil {
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		readers = append(readers, prom)
	}

	return readers, nil
}
