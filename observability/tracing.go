/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       OpenTelemetry distributed tracing middleware for
             the gateway. Creates trace spans for the full
             request lifecycle via the real OTel SDK, propagates
             trace context via W3C Traceparent, and adds
             gateway-specific attributes.
Root Cause:  Sprint task T145 — OpenTelemetry tracing.
Context:     Enables distributed tracing across gateway→provider.
Suitability: L3 — trace context propagation + span design.
──────────────────────────────────────────────────────────────
*/

package observability

import (
	"context"
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// LogSpanExporter writes finished spans as structured log entries. It
// satisfies sdktrace.SpanExporter so it can sit behind the real OTel
// batch processor instead of the backend-specific exporters (OTLP,
// Jaeger, etc.) a production deployment would wire in here.
type LogSpanExporter struct {
	logger zerolog.Logger
}

// NewLogSpanExporter builds a span exporter that logs via zerolog.
func NewLogSpanExporter(logger zerolog.Logger) *LogSpanExporter {
	return &LogSpanExporter{logger: logger.With().Str("exporter", "log").Logger()}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *LogSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		e.logger.Debug().
			Str("name", s.Name()).
			Str("trace_id", s.SpanContext().TraceID().String()).
			Str("span_id", s.SpanContext().SpanID().String()).
			Dur("duration", s.EndTime().Sub(s.StartTime())).
			Str("status", s.Status().Code.String()).
			Int("attributes", len(s.Attributes())).
			Msg("span")
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *LogSpanExporter) Shutdown(ctx context.Context) error { return nil }

// NewTracerProvider builds an sdktrace.TracerProvider sampling at the
// given rate (1.0 = trace everything), batching completed spans to the
// given exporter. Callers must Shutdown it on process exit so the
// batch processor flushes whatever it's still holding.
func NewTracerProvider(exporter sdktrace.SpanExporter, sampleRate float64) *sdktrace.TracerProvider {
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
}

const tracerName = "github.com/alfred-dev/gatekeep"

// TracingMiddleware creates an OTel span for each HTTP request and
// propagates W3C trace context via the standard Traceparent header
// (handled by otel's global TextMapPropagator).
func TracingMiddleware(tp trace.TracerProvider) func(http.Handler) http.Handler {
	tracer := tp.Tracer(tracerName)
	propagator := otel.GetTextMapPropagator()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), httpHeaderCarrier(r.Header))

			spanName := fmt.Sprintf("%s %s", r.Method, r.URL.Path)
			ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.String()),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.host", r.Host),
				attribute.String("http.user_agent", r.UserAgent()),
			)
			if reqID := chimw.GetReqID(ctx); reqID != "" {
				span.SetAttributes(attribute.String("gatekeep.request_id", reqID))
			}

			carrier := make(headerCarrier)
			propagator.Inject(ctx, carrier)
			for k, v := range carrier {
				w.Header().Set(k, v)
			}
			w.Header().Set("X-Gatekeep-Trace-ID", span.SpanContext().TraceID().String())

			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rw.Status()))
			if rw.Status() >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rw.Status()))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

// headerCarrier adapts a plain map to propagation.TextMapCarrier for
// injecting outbound trace headers.
type headerCarrier map[string]string

func (c headerCarrier) Get(key string) string      { return c[key] }
func (c headerCarrier) Set(key, value string)      { c[key] = value }
func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// httpHeaderCarrier adapts an http.Header to propagation.TextMapCarrier
// for extracting inbound trace headers.
type httpHeaderCarrier http.Header

func (c httpHeaderCarrier) Get(key string) string { return http.Header(c).Get(key) }
func (c httpHeaderCarrier) Set(key, value string) { http.Header(c).Set(key, value) }
func (c httpHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
