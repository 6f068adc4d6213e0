// Package observe provides application-wide observability primitives for
// Ensemble: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Init] wires a
// Prometheus exporter bridge so that metrics can be scraped via the gateway's
// /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Ensemble metrics.
const meterName = "github.com/MrWong99/ensemble"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks per-stage pipeline latency. Use with attribute:
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// RunDuration tracks full pipeline run latency (all recursion
	// iterations included). Use with attribute:
	//   attribute.String("bot", ...)
	RunDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency. Use with attribute:
	//   attribute.String("tool", ...)
	ToolExecutionDuration metric.Float64Histogram

	// VoiceCooldownWait tracks time spent waiting for the voice-response
	// spacing limiter before emitting a voice message.
	VoiceCooldownWait metric.Float64Histogram

	// --- Counters ---

	// Runs counts completed pipeline runs. Use with attributes:
	//   attribute.String("bot", ...), attribute.String("outcome", ...)
	// where outcome is one of "finalized", "apology", "suppressed".
	Runs metric.Int64Counter

	// Reprocessings counts recursion loop-backs. Use with attribute:
	//   attribute.String("bot", ...)
	Reprocessings metric.Int64Counter

	// StageErrors counts degraded stage executions. Use with attribute:
	//   attribute.String("stage", ...)
	StageErrors metric.Int64Counter

	// ProviderRequests counts completion/embedding provider API calls.
	// Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Gauges ---

	// ActiveRuns tracks the number of pipeline runs currently in flight.
	ActiveRuns metric.Int64UpDownCounter

	// ActiveVoiceClones tracks the number of registered voice-derived
	// participants.
	ActiveVoiceClones metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM-backed pipeline stages.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("ensemble.stage.duration",
		metric.WithDescription("Latency of a single pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RunDuration, err = m.Float64Histogram("ensemble.run.duration",
		metric.WithDescription("Latency of a full pipeline run including recursion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("ensemble.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VoiceCooldownWait, err = m.Float64Histogram("ensemble.voice_cooldown.wait",
		metric.WithDescription("Time spent waiting on voice-response spacing."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Runs, err = m.Int64Counter("ensemble.runs",
		metric.WithDescription("Completed pipeline runs by bot and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Reprocessings, err = m.Int64Counter("ensemble.reprocessings",
		metric.WithDescription("Recursion loop-backs by bot."),
	); err != nil {
		return nil, err
	}
	if met.StageErrors, err = m.Int64Counter("ensemble.stage.errors",
		metric.WithDescription("Degraded stage executions by stage."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("ensemble.provider.requests",
		metric.WithDescription("Provider API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("ensemble.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRuns, err = m.Int64UpDownCounter("ensemble.active_runs",
		metric.WithDescription("Pipeline runs currently in flight."),
	); err != nil {
		return nil, err
	}
	if met.ActiveVoiceClones, err = m.Int64UpDownCounter("ensemble.active_voice_clones",
		metric.WithDescription("Registered voice-derived participants."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("ensemble.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records a stage duration sample and, when the stage degraded,
// a stage error increment.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration, degraded bool) {
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)),
	)
	if degraded {
		m.StageErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("stage", stage)),
		)
	}
}

// RecordRun records a completed pipeline run with its outcome and total
// duration.
func (m *Metrics) RecordRun(ctx context.Context, botID, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("bot", botID),
		attribute.String("outcome", outcome),
	)
	m.Runs.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("bot", botID)),
	)
}

// RecordReprocessing records a recursion loop-back for the given bot.
func (m *Metrics) RecordReprocessing(ctx context.Context, botID string) {
	m.Reprocessings.Add(ctx, 1,
		metric.WithAttributes(attribute.String("bot", botID)),
	)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall records a tool call counter increment and its duration.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, d time.Duration) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	m.ToolExecutionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}
