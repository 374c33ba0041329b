// Package observability wires distributed tracing around the message
// handlers (spec §5 "Observability hooks are out of scope for
// correctness but the ambient stack still instruments every handle()
// call"), grounded on the ambient codebase's observability.Provider.
//
// Unlike the ambient codebase's Provider, this one does not register an
// OTLP exporter: a DWN node has no designated collector endpoint, so the
// TracerProvider here is exporter-less until an operator's own wiring
// (outside this module) registers a span processor against it.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/opendwn/core/pkg/observability"

// NewTracerProvider builds a resource-tagged TracerProvider for a DWN
// node and installs it as the global provider, the way the ambient
// codebase's Provider.initTraceProvider does.
func NewTracerProvider(serviceVersion string) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("dwnd"),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp, nil
}

// Tracer returns the package-scoped tracer handlers should use to open
// spans for each Handle call.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartHandle opens a span named "dwn.<module>.<op>" carrying tenant and
// recordId attributes, mirroring the ambient codebase's
// Provider.TrackOperation around its executor's dispatch path.
func StartHandle(ctx context.Context, spanName, tenant, recordID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("dwn.tenant", tenant)}
	if recordID != "" {
		attrs = append(attrs, attribute.String("dwn.record_id", recordID))
	}
	return Tracer().Start(ctx, spanName, trace.WithAttributes(attrs...))
}
