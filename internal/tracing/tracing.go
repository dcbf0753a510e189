// Package tracing wraps the router's control-plane operations in
// OpenTelemetry spans, so a slow comtree setup or route negotiation
// shows up in a trace instead of only in logs (spec.md §4.5).
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/your-org/forest-router/internal/routercore"

// Tracer returns the package-scoped tracer. Spans are no-ops unless a
// real TracerProvider has been registered with otel.SetTracerProvider.
func Tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// StartControlOp starts a span for one control-plane operation
// (addLink, dropComtree, subUnsub, ...), tagging it with the comtree
// and link it concerns when known.
func StartControlOp(ctx context.Context, op string, comtree uint32, lnk int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, op, trace.WithAttributes(
		attribute.Int64("forest.comtree", int64(comtree)),
		attribute.Int("forest.link", lnk),
	))
}

// EndWithError records err on span (if non-nil) before the caller's
// own defer span.End() runs.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
}
