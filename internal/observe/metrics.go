// Package observe provides application-wide observability primitives for the
// refinery service: OpenTelemetry metrics, distributed tracing, trace-aware
// structured logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider] so they can be scraped from /metrics. Tests
// should use [NewMetrics] with their own [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all refinery metrics.
const meterName = "github.com/MrWong99/refinery"

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// LLMDuration tracks backend call latency. Attributes: role, op.
	LLMDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency. Attribute: tool.
	ToolExecutionDuration metric.Float64Histogram

	// StageDuration tracks pipeline stage latency. Attribute: stage.
	StageDuration metric.Float64Histogram

	// RunDuration tracks complete pipeline runs. Attributes: mode, status.
	RunDuration metric.Float64Histogram

	// ProviderRequests counts backend calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts backend failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// ChunksAnalyzed counts analysis chunks. Attribute: status.
	ChunksAnalyzed metric.Int64Counter

	// ChunksRewritten counts streamed processing chunks. Attribute: mode.
	ChunksRewritten metric.Int64Counter

	// ParseFallbacks counts malformed model outputs recovered locally.
	// Attribute: component.
	ParseFallbacks metric.Int64Counter

	// ActiveRuns tracks the number of runs currently streaming.
	ActiveRuns metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request time. Attributes: method, route,
	// status_class.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets covers single tool calls up to multi-minute rewrites (seconds).
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.LLMDuration, "refinery.llm.duration", "Latency of text-generation backend calls."},
		{&met.ToolExecutionDuration, "refinery.tool_execution.duration", "Latency of tool execution."},
		{&met.StageDuration, "refinery.stage.duration", "Latency of pipeline stages."},
		{&met.RunDuration, "refinery.run.duration", "Duration of complete pipeline runs."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "refinery.provider.requests", "Total backend requests by provider, kind, and status."},
		{&met.ProviderErrors, "refinery.provider.errors", "Total backend errors by provider and kind."},
		{&met.ToolCalls, "refinery.tool.calls", "Total tool invocations by tool name and status."},
		{&met.ChunksAnalyzed, "refinery.chunks.analyzed", "Total analysis chunks by outcome."},
		{&met.ChunksRewritten, "refinery.chunks.rewritten", "Total processing chunks streamed by mode."},
		{&met.ParseFallbacks, "refinery.parse.fallbacks", "Malformed model outputs recovered locally."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveRuns, err = m.Int64UpDownCounter("refinery.active_runs",
		metric.WithDescription("Number of pipeline runs currently streaming."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("refinery.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status class."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider].
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest increments the provider request counter.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordToolCall increments the tool call counter.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

// RecordChunkAnalyzed increments the analysed chunk counter.
func (m *Metrics) RecordChunkAnalyzed(ctx context.Context, status string) {
	m.ChunksAnalyzed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordChunkRewritten increments the rewritten chunk counter.
func (m *Metrics) RecordChunkRewritten(ctx context.Context, mode string) {
	m.ChunksRewritten.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordParseFallback increments the parse fallback counter.
func (m *Metrics) RecordParseFallback(ctx context.Context, component string) {
	m.ParseFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}

// RecordStage records the duration of a pipeline stage in seconds.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}
