package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/refinery/pkg/provider/llm"
)

// InstrumentedLLM decorates an [llm.Provider] with spans, latency histograms
// and request counters. Role names the pipeline function the backend serves
// ("tool", "synthesis", "merge", "rewrite").
type InstrumentedLLM struct {
	next     llm.Provider
	provider string
	role     string
	metrics  *Metrics
}

var _ llm.Provider = (*InstrumentedLLM)(nil)

// InstrumentLLM wraps p. A nil m uses [DefaultMetrics].
func InstrumentLLM(p llm.Provider, provider, role string, m *Metrics) *InstrumentedLLM {
	if m == nil {
		m = DefaultMetrics()
	}
	return &InstrumentedLLM{next: p, provider: provider, role: role, metrics: m}
}

func (i *InstrumentedLLM) attrs(op string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("provider", i.provider),
		attribute.String("role", i.role),
		attribute.String("op", op),
	)
}

func (i *InstrumentedLLM) finish(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	i.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(), i.attrs(op))
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.metrics.RecordProviderError(ctx, i.provider, "llm")
	}
	i.metrics.RecordProviderRequest(ctx, i.provider, "llm", status)
	span.End()
}

// Complete implements [llm.Provider].
func (i *InstrumentedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ctx, span := StartSpan(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("llm.provider", i.provider),
		attribute.String("llm.role", i.role),
		attribute.Int("llm.tools", len(req.Tools)),
	))
	start := time.Now()
	resp, err := i.next.Complete(ctx, req)
	if resp != nil {
		span.SetAttributes(
			attribute.Int("llm.usage.total_tokens", resp.Usage.TotalTokens),
			attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
		)
	}
	i.finish(ctx, span, "complete", start, err)
	return resp, err
}

// StreamCompletion implements [llm.Provider]. The span ends when the returned
// channel closes.
func (i *InstrumentedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ctx, span := StartSpan(ctx, "llm.stream", trace.WithAttributes(
		attribute.String("llm.provider", i.provider),
		attribute.String("llm.role", i.role),
	))
	start := time.Now()
	src, err := i.next.StreamCompletion(ctx, req)
	if err != nil {
		i.finish(ctx, span, "stream", start, err)
		return nil, err
	}

	out := make(chan llm.Chunk, cap(src))
	go func() {
		defer close(out)
		var streamErr error
		for c := range src {
			if c.FinishReason == llm.FinishReasonError {
				streamErr = streamFailure(c.Text)
			}
			select {
			case out <- c:
			case <-ctx.Done():
				for range src {
				}
				i.finish(ctx, span, "stream", start, ctx.Err())
				return
			}
		}
		i.finish(ctx, span, "stream", start, streamErr)
	}()
	return out, nil
}

// Capabilities implements [llm.Provider].
func (i *InstrumentedLLM) Capabilities() llm.ModelCapabilities {
	return i.next.Capabilities()
}

type streamFailure string

func (s streamFailure) Error() string { return string(s) }
