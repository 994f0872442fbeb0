package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// global is the tracer provider installed by InitOpenTelemetry
var global struct {
	once sync.Once
	mu   sync.RWMutex
	tp   *sdktrace.TracerProvider
	err  error
}

// InitOpenTelemetry installs the process tracer provider for serviceName. Every
// span is sampled; nothing leaves the process unless opts add a span processor.
// Later calls return the result of the first.
func InitOpenTelemetry(serviceName string, opts ...sdktrace.TracerProviderOption) error {
	global.once.Do(func() {
		tp, err := newProvider(serviceName, opts)
		if err != nil {
			global.err = err
			return
		}
		global.mu.Lock()
		global.tp = tp
		global.mu.Unlock()
		otel.SetTracerProvider(tp)
	})
	return global.err
}

func newProvider(serviceName string, opts []sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	base := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	}
	return sdktrace.NewTracerProvider(append(base, opts...)...), nil
}

// ShutdownOpenTelemetry flushes pending spans. It is a no-op before InitOpenTelemetry.
func ShutdownOpenTelemetry(ctx context.Context) error {
	global.mu.RLock()
	tp := global.tp
	global.mu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan opens spanName on the tracerName tracer. A context without a trace ID
// adopts the span's, so log fields and spans line up.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if sc := span.SpanContext(); sc.IsValid() && GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx, span
}

// Fail marks span as errored when err is set and hands err back
func Fail(span trace.Span, err error) error {
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
