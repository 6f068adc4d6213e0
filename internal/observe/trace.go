package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// scopeName identifies this module's instrumentation scope.
const scopeName = "github.com/MrWong99/ensemble"

// tracer returns the module tracer from the globally registered provider.
func tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// TraceID returns the active trace identifier in ctx, or "" when the
// request is untraced. It doubles as the request ID echoed back to HTTP
// clients.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger annotates the default slog logger with the active trace and span
// identifiers so that log lines belonging to one request collate. Without
// an active span it returns the default logger unchanged.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
