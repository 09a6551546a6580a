package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "toolhost"
	serviceVersion = "1.0.0"
)

// TracerConfig holds configuration for the OpenTelemetry tracer.
type TracerConfig struct {
	Endpoint    string
	ServiceName string
	Environment string
	Enabled     bool
}

// DefaultTracerConfig returns sensible defaults. Tracing is off unless
// enabled in the config file or environment.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Endpoint:    "localhost:4318",
		ServiceName: serviceName,
		Environment: "development",
		Enabled:     false,
	}
}

// InitTracer initializes the OpenTelemetry tracer provider and returns its
// shutdown function.
func InitTracer(ctx context.Context, cfg TracerConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(serviceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Provider initializes the tracer at most once and flushes it on shutdown.
// The first initialization error is kept and returned on every later call.
type Provider struct {
	cfg  TracerConfig
	mu   sync.Mutex
	done bool
	err  error
	stop func(context.Context) error
}

// NewProvider returns a Provider for cfg. Nothing is started until GetOrInit.
func NewProvider(cfg TracerConfig) *Provider {
	return &Provider{cfg: cfg}
}

// Name identifies the provider in startup logs.
func (p *Provider) Name() string { return "tracing" }

// GetOrInit starts the tracer provider on first use.
func (p *Provider) GetOrInit(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return p.err
	}
	p.done = true
	p.stop, p.err = InitTracer(ctx, p.cfg)
	return p.err
}

// Shutdown flushes pending spans. It is a no-op if the provider never
// started.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	stop := p.stop
	p.mu.Unlock()
	if stop == nil {
		return nil
	}
	return stop(ctx)
}

// Tracer returns the default tracer for toolhost.
func Tracer() trace.Tracer {
	return otel.Tracer(serviceName)
}

// StartSpan creates a new span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// SessionSpan creates a span for session operations.
func SessionSpan(ctx context.Context, operation, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("session.%s", operation),
		attribute.String("session.id", sessionID),
		attribute.String("session.operation", operation),
	)
}

// ToolCallSpan creates a span for one tool invocation.
func ToolCallSpan(ctx context.Context, tool, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "tool.call",
		attribute.String("tool.name", tool),
		attribute.String("session.id", sessionID),
	)
}
