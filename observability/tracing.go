package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	tracerOnce sync.Once
	shutdownFn func(context.Context) error
)

// TracingOptions selects the span exporter.
type TracingOptions struct {
	// Exporter is "none" (default) or "stdout".
	Exporter string
	// Output receives stdout spans. Default is os.Stdout.
	Output io.Writer
}

// InitTracing installs the global tracer provider once per process and returns its shutdown
// function. Later calls return the first call's shutdown function.
func InitTracing(service string, opts TracingOptions) (func(context.Context) error, error) {
	var initErr error
	tracerOnce.Do(func() {
		exporterName := strings.ToLower(strings.TrimSpace(opts.Exporter))
		if exporterName == "" || exporterName == "none" {
			otel.SetTracerProvider(noop.NewTracerProvider())
			shutdownFn = func(context.Context) error { return nil }
			return
		}

		tp, err := newTracerProvider(service, exporterName, opts.Output)
		if err != nil {
			initErr = err
			return
		}
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdownFn = tp.Shutdown
	})
	if shutdownFn == nil {
		shutdownFn = func(context.Context) error { return nil }
	}
	return shutdownFn, initErr
}

func newTracerProvider(service, exporterName string, out io.Writer) (*sdktrace.TracerProvider, error) {
	if out == nil {
		out = os.Stdout
	}
	var exp sdktrace.SpanExporter
	switch exporterName {
	case "stdout":
		e, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		exp = e
	default:
		return nil, fmt.Errorf("observability: unknown span exporter %q", exporterName)
	}
	res := resource.NewSchemaless(attribute.String("service.name", service))
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
	), nil
}

// StartSpan starts a span on the process tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	t := otel.Tracer("taskmgr")
	return t.Start(ctx, name, trace.WithAttributes(attrs...))
}
