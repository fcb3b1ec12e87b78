// Package tracing configures OpenTelemetry and provides span helpers for
// applet compilation and invocation.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Environment variables read by OptionsFromEnv.
const (
	EnabledEnv     = "SUBSTRATE_OTEL_ENABLED"
	EndpointEnv    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	SampleRatioEnv = "SUBSTRATE_OTEL_SAMPLE_RATIO"
)

// Options selects how spans are exported. An empty Endpoint disables export.
type Options struct {
	ServiceName string
	Endpoint    string
	// SampleRatio is the fraction of root spans recorded; child spans
	// follow their parent.
	SampleRatio float64
}

// OptionsFromEnv builds Options for serviceName. Export is off unless
// SUBSTRATE_OTEL_ENABLED is "true" in any case; the endpoint then defaults
// to localhost:4317. Unparseable or out-of-range ratios sample everything.
func OptionsFromEnv(serviceName string) Options {
	opts := Options{ServiceName: serviceName, SampleRatio: 1}
	if !strings.EqualFold(os.Getenv(EnabledEnv), "true") {
		return opts
	}
	opts.Endpoint = os.Getenv(EndpointEnv)
	if opts.Endpoint == "" {
		opts.Endpoint = "localhost:4317"
	}
	if r, err := strconv.ParseFloat(os.Getenv(SampleRatioEnv), 64); err == nil && r >= 0 && r <= 1 {
		opts.SampleRatio = r
	}
	return opts
}

// Provider owns the tracer handed to the cache and adapter.
type Provider struct {
	tracer trace.Tracer
	sdk    *sdktrace.TracerProvider
}

// Tracer returns the tracer spans are started from.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes buffered spans. It is a no-op when export is disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

// Setup creates the Provider. With export disabled the tracer is a no-op.
// Otherwise spans are batched to an OTLP gRPC collector and the provider
// and W3C propagators are installed globally so inbound trace context is
// honoured by the gateway.
func Setup(ctx context.Context, opts Options, logger *slog.Logger) (*Provider, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled, using no-op tracer")
		return &Provider{tracer: noop.NewTracerProvider().Tracer(opts.ServiceName)}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(opts.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "service", opts.ServiceName, "sample_ratio", opts.SampleRatio)
	return &Provider{tracer: tp.Tracer(opts.ServiceName), sdk: tp}, nil
}
