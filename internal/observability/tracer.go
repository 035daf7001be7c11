package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope of hhstream spans
const TracerName = "hhstream"

const (
	defaultGRPCEndpoint = "localhost:4317"
	defaultHTTPEndpoint = "http://localhost:4318"
	shutdownTimeout     = 5 * time.Second
)

// ErrUnsupportedProtocol is returned for an OTLP protocol other than grpc or http
var ErrUnsupportedProtocol = errors.New("unsupported protocol")

// TracerConfig describes where hand write spans are exported
type TracerConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string  // host:port for grpc, URL for http; empty = local collector
	Protocol       string  // "grpc" or "http"
	SampleRatio    float64 // fraction of root spans kept; 0 or >= 1 keeps all
	Enabled        bool
}

// ShutdownFunc flushes buffered spans and stops the provider
type ShutdownFunc func(context.Context) error

// InitTracer installs the global tracer provider. With tracing disabled a
// no-op provider is installed and the returned shutdown does nothing.
func InitTracer(cfg TracerConfig) (ShutdownFunc, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = TracerName
	}

	ctx := context.Background()

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down tracer provider: %w", err)
		}
		return nil
	}, nil
}

// newExporter builds the OTLP exporter for cfg.Protocol
func newExporter(ctx context.Context, cfg TracerConfig) (*otlptrace.Exporter, error) {
	var client otlptrace.Client

	switch cfg.Protocol {
	case "grpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultGRPCEndpoint
		}
		client = otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	case "http":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultHTTPEndpoint
		}
		client = otlptracehttp.NewClient(otlptracehttp.WithEndpointURL(endpoint))
	default:
		return nil, fmt.Errorf("%w: %q (use grpc or http)", ErrUnsupportedProtocol, cfg.Protocol)
	}

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP %s exporter: %w", cfg.Protocol, err)
	}
	return exporter, nil
}

// newSampler keeps child spans with their parent's decision and samples
// root spans by ratio
func newSampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
