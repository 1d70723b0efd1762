// OpenTelemetry providers for traceanchor's own traces, metrics and logs
// Exporters write JSON to a writer or ship OTLP over http/protobuf or grpc
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const shutdownTimeout = 5 * time.Second

// Options selects exporters for each signal.
type Options struct {
	// Exporter is "none", "stdout" or "otlp".
	Exporter string
	Endpoint string
	// Protocol is "http/protobuf" or "grpc".
	Protocol string
	// Signals is a comma-separated subset of traces,metrics,logs.
	Signals string
	Version string
	// Writer receives stdout exporter output. Nil means os.Stdout.
	Writer io.Writer
}

// Providers holds one SDK provider per signal. Signals that are not enabled
// get a provider with no exporter, so callers never need nil checks.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
	Logger *sdklog.LoggerProvider
}

var validSignals = map[string]bool{
	"traces":  true,
	"metrics": true,
	"logs":    true,
}

// ParseSignals parses a comma-separated signal list.
func ParseSignals(s string) (map[string]bool, error) {
	set := make(map[string]bool)
	for _, sig := range strings.Split(s, ",") {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		if !validSignals[sig] {
			return nil, fmt.Errorf("unknown signal %q, valid signals: traces, metrics, logs", sig)
		}
		set[sig] = true
	}
	return set, nil
}

// Setup builds the providers and installs them as the otel globals. The
// returned function flushes and shuts everything down.
func Setup(ctx context.Context, opts Options) (*Providers, func(), error) {
	enabled, err := ParseSignals(opts.Signals)
	if err != nil {
		return nil, func() {}, err
	}
	if opts.Exporter == "none" || opts.Exporter == "" {
		enabled = map[string]bool{}
	}
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "traceanchor"),
		attribute.String("traceanchor.version", opts.Version),
	))
	if err != nil {
		return nil, func() {}, fmt.Errorf("creating resource: %w", err)
	}

	p := &Providers{}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if enabled["traces"] {
		exporter, err := traceExporters.create(ctx, opts)
		if err != nil {
			return nil, func() {}, fmt.Errorf("creating trace exporter: %w", err)
		}
		if opts.Exporter == "stdout" {
			traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
		} else {
			traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
		}
	}
	p.Tracer = sdktrace.NewTracerProvider(traceOpts...)

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if enabled["metrics"] {
		exporter, err := metricExporters.create(ctx, opts)
		if err != nil {
			_ = p.Tracer.Shutdown(ctx)
			return nil, func() {}, fmt.Errorf("creating metric exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	}
	p.Meter = sdkmetric.NewMeterProvider(meterOpts...)

	logOpts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	if enabled["logs"] {
		exporter, err := logExporters.create(ctx, opts)
		if err != nil {
			_ = p.Tracer.Shutdown(ctx)
			_ = p.Meter.Shutdown(ctx)
			return nil, func() {}, fmt.Errorf("creating log exporter: %w", err)
		}
		var processor sdklog.Processor
		if opts.Exporter == "stdout" {
			processor = sdklog.NewSimpleProcessor(exporter)
		} else {
			processor = sdklog.NewBatchProcessor(exporter)
		}
		logOpts = append(logOpts, sdklog.WithProcessor(processor))
	}
	p.Logger = sdklog.NewLoggerProvider(logOpts...)

	otel.SetTracerProvider(p.Tracer)
	otel.SetMeterProvider(p.Meter)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	global.SetLoggerProvider(p.Logger)

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// logs, then metrics, then traces
		if err := errors.Join(
			p.Logger.Shutdown(shutdownCtx),
			p.Meter.Shutdown(shutdownCtx),
			p.Tracer.Shutdown(shutdownCtx),
		); err != nil {
			fmt.Fprintf(os.Stderr, "error shutting down telemetry: %v\n", err)
		}
	}
	return p, shutdown, nil
}

// exporterSet builds one signal's exporter for each supported destination.
type exporterSet[E any] struct {
	signal string
	stdout func(w io.Writer) (E, error)
	http   func(ctx context.Context, endpoint string) (E, error)
	grpc   func(ctx context.Context, endpoint string) (E, error)
}

func (set exporterSet[E]) create(ctx context.Context, opts Options) (E, error) {
	if opts.Exporter == "stdout" {
		return set.stdout(opts.Writer)
	}
	switch opts.Protocol {
	case "http/protobuf", "":
		return set.http(ctx, opts.Endpoint)
	case "grpc":
		return set.grpc(ctx, opts.Endpoint)
	default:
		var zero E
		return zero, fmt.Errorf("unsupported protocol %q for %s, supported: http/protobuf, grpc", opts.Protocol, set.signal)
	}
}

// An empty endpoint leaves the exporter on its OTEL_EXPORTER_OTLP_* defaults;
// an explicit one is dialed without TLS, as a local collector expects.
var traceExporters = exporterSet[sdktrace.SpanExporter]{
	signal: "traces",
	stdout: func(w io.Writer) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithWriter(w))
	},
	http: func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		if endpoint == "" {
			return otlptracehttp.New(ctx)
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	},
	grpc: func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		if endpoint == "" {
			return otlptracegrpc.New(ctx)
		}
		return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	},
}

var metricExporters = exporterSet[sdkmetric.Exporter]{
	signal: "metrics",
	stdout: func(w io.Writer) (sdkmetric.Exporter, error) {
		return stdoutmetric.New(stdoutmetric.WithWriter(w))
	},
	http: func(ctx context.Context, endpoint string) (sdkmetric.Exporter, error) {
		if endpoint == "" {
			return otlpmetrichttp.New(ctx)
		}
		return otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	},
	grpc: func(ctx context.Context, endpoint string) (sdkmetric.Exporter, error) {
		if endpoint == "" {
			return otlpmetricgrpc.New(ctx)
		}
		return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
	},
}

var logExporters = exporterSet[sdklog.Exporter]{
	signal: "logs",
	stdout: func(w io.Writer) (sdklog.Exporter, error) {
		return stdoutlog.New(stdoutlog.WithWriter(w))
	},
	http: func(ctx context.Context, endpoint string) (sdklog.Exporter, error) {
		if endpoint == "" {
			return otlploghttp.New(ctx)
		}
		return otlploghttp.New(ctx, otlploghttp.WithEndpoint(endpoint), otlploghttp.WithInsecure())
	},
	grpc: func(ctx context.Context, endpoint string) (sdklog.Exporter, error) {
		if endpoint == "" {
			return otlploggrpc.New(ctx)
		}
		return otlploggrpc.New(ctx, otlploggrpc.WithEndpoint(endpoint), otlploggrpc.WithInsecure())
	},
}
