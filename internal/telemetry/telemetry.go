// Package telemetry configures OpenTelemetry tracing and the span helpers
// used around orchestration.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

const instrumentation = "github.com/felipepmaragno/llm-orchestrator"

const (
	attrRequestID    = attribute.Key("llm.request_id")
	attrProvider     = attribute.Key("llm.provider")
	attrModel        = attribute.Key("llm.model")
	attrPromptTokens = attribute.Key("llm.usage.prompt_tokens")
	attrOutputTokens = attribute.Key("llm.usage.completion_tokens")
	attrCostUSD      = attribute.Key("llm.cost_usd")
	attrCacheHit     = attribute.Key("llm.cache_hit")
	attrAttempts     = attribute.Key("llm.attempts")
	attrFallback     = attribute.Key("llm.fallback")
	attrErrorKind    = attribute.Key("llm.error_kind")
)

type Config struct {
	ServiceName string
	Version     string
	Endpoint    string
	// SampleRatio outside (0, 1) samples every trace.
	SampleRatio float64
}

var tracer trace.Tracer

// Init installs a batching OTLP/gRPC tracer provider. Without an endpoint
// spans go to the global no-op provider and shutdown does nothing.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		tracer = otel.Tracer(instrumentation)
		slog.Info("tracing disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracer = tp.Tracer(instrumentation)

	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = otel.Tracer(instrumentation)
	}
	return tracer.Start(ctx, name, opts...)
}

func AddRequestAttributes(span trace.Span, requestID string, provider domain.ProviderID, model string) {
	span.SetAttributes(
		attrRequestID.String(requestID),
		attrProvider.String(string(provider)),
		attrModel.String(model),
	)
}

func AddUsageAttributes(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		attrPromptTokens.Int(usage.PromptTokens),
		attrOutputTokens.Int(usage.CompletionTokens),
	)
}

func AddCostAttribute(span trace.Span, costUSD float64) {
	span.SetAttributes(attrCostUSD.Float64(costUSD))
}

func AddCacheAttribute(span trace.Span, hit bool) {
	span.SetAttributes(attrCacheHit.Bool(hit))
}

func AddRetryAttributes(span trace.Span, attempts int, fallback bool) {
	span.SetAttributes(
		attrAttempts.Int(attempts),
		attrFallback.Bool(fallback),
	)
}

// RecordError marks the span failed and tags it with the error's kind.
func RecordError(span trace.Span, err error) {
	span.SetAttributes(attrErrorKind.String(domain.KindOf(err).String()))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the active trace ID, or "" when the span is not sampled
// or tracing is off.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
