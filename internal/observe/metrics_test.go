package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterValue sums the data points of an int64 sum whose attributes include want.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string, want ...attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		match := true
		for _, kv := range want {
			if v, ok := dp.Attributes.Value(kv.Key); !ok || v != kv.Value {
				match = false
			}
		}
		if match {
			total += dp.Value
		}
	}
	return total
}

func TestHistograms(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.LLMDuration.Record(ctx, 1.5)
	m.ToolExecutionDuration.Record(ctx, 0.3)
	m.RecordStage(ctx, "analyze", 12)
	m.RunDuration.Record(ctx, 90)
	m.HTTPRequestDuration.Record(ctx, 0.01)

	rm := collect(t, reader)
	for _, name := range []string{
		"refinery.llm.duration",
		"refinery.tool_execution.duration",
		"refinery.stage.duration",
		"refinery.run.duration",
		"refinery.http.request.duration",
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Errorf("histogram %q not found", name)
			continue
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
			t.Errorf("histogram %q has unexpected data %+v", name, met.Data)
		}
	}
}

func TestCounters(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "tavily", "search", "error")
	m.RecordProviderError(ctx, "tavily", "search")
	m.RecordToolCall(ctx, "web_search", "ok")
	m.RecordChunkAnalyzed(ctx, "ok")
	m.RecordChunkRewritten(ctx, "refine")
	m.RecordChunkRewritten(ctx, "translate")
	m.RecordParseFallback(ctx, "merge")

	rm := collect(t, reader)
	tests := []struct {
		name  string
		attrs []attribute.KeyValue
		want  int64
	}{
		{"refinery.provider.requests", []attribute.KeyValue{Attr("provider", "openai"), Attr("status", "ok")}, 2},
		{"refinery.provider.requests", []attribute.KeyValue{Attr("provider", "tavily")}, 1},
		{"refinery.provider.errors", nil, 1},
		{"refinery.tool.calls", []attribute.KeyValue{Attr("tool", "web_search")}, 1},
		{"refinery.chunks.analyzed", nil, 1},
		{"refinery.chunks.rewritten", nil, 2},
		{"refinery.chunks.rewritten", []attribute.KeyValue{Attr("mode", "translate")}, 1},
		{"refinery.parse.fallbacks", []attribute.KeyValue{Attr("component", "merge")}, 1},
	}
	for _, tc := range tests {
		if got := counterValue(t, rm, tc.name, tc.attrs...); got != tc.want {
			t.Errorf("%s %v = %d, want %d", tc.name, tc.attrs, got, tc.want)
		}
	}
}

func TestActiveRuns(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveRuns.Add(ctx, 1)
	m.ActiveRuns.Add(ctx, 1)
	m.ActiveRuns.Add(ctx, -1)

	if got := counterValue(t, collect(t, reader), "refinery.active_runs"); got != 1 {
		t.Errorf("active runs = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	t.Parallel()
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
