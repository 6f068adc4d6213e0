package observe

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// startTestSpan opens a span under an isolated in-memory provider.
func startTestSpan(t *testing.T) context.Context {
	t.Helper()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(tracetest.NewInMemoryExporter()))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	t.Cleanup(func() { span.End() })
	return ctx
}

func TestTraceID(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID without span = %q, want empty", got)
	}

	ctx := startTestSpan(t)
	id := TraceID(ctx)
	if len(id) != 32 {
		t.Fatalf("TraceID length = %d, want 32 hex chars", len(id))
	}
	if strings.Trim(id, "0123456789abcdef") != "" {
		t.Errorf("TraceID %q is not lowercase hex", id)
	}
}

func TestLogger_AnnotatesWithSpanContext(t *testing.T) {
	var buf strings.Builder
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	Logger(startTestSpan(t)).Info("traced line")
	Logger(context.Background()).Info("plain line")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "trace_id=") || !strings.Contains(lines[0], "span_id=") {
		t.Errorf("traced line missing span context: %s", lines[0])
	}
	if strings.Contains(lines[1], "trace_id=") {
		t.Errorf("untraced line carries trace_id: %s", lines[1])
	}
}
