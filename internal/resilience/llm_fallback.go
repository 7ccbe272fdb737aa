package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/refinery/pkg/provider/llm"
)

// LLM implements [llm.Provider] with failover across several backends for
// one model role. Each backend has its own circuit breaker.
//
// Streams fail over only while opening. A stream that fails after its first
// chunk is passed through unchanged (the caller sees the error chunk) and the
// failure is charged to the backend that produced it.
type LLM struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLM)(nil)

// NewLLM creates an [LLM] preferring primary, then fallbacks in order.
func NewLLM(cfg CircuitBreakerConfig, primary Member[llm.Provider], fallbacks ...Member[llm.Provider]) *LLM {
	return &LLM{group: NewGroup(cfg, primary, fallbacks...)}
}

// States reports each backend's breaker state.
func (f *LLM) States() map[string]State { return f.group.States() }

// Complete sends the request to the first healthy backend and returns its
// response.
func (f *LLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Do(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy backend.
func (f *LLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var lastErr error
	for i := range f.group.entries {
		e := &f.group.entries[i]
		report, err := e.breaker.Allow()
		if err != nil {
			lastErr = err
			continue
		}
		in, err := e.Value.StreamCompletion(ctx, req)
		if err != nil {
			report(err)
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			slog.Warn("backend failed to open stream, trying next", "backend", e.Name, "err", err)
			continue
		}
		return watch(ctx, in, report), nil
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// watch forwards in and reports the stream outcome to the breaker when it ends.
func watch(ctx context.Context, in <-chan llm.Chunk, report func(error)) <-chan llm.Chunk {
	out := make(chan llm.Chunk, cap(in))
	go func() {
		defer close(out)
		var outcome error
		defer func() { report(outcome) }()

		for c := range in {
			if c.FinishReason == llm.FinishReasonError {
				outcome = errors.New(c.Text)
			}
			select {
			case out <- c:
			case <-ctx.Done():
				outcome = ctx.Err()
				return
			}
		}
		if err := ctx.Err(); err != nil {
			outcome = err
		}
	}()
	return out
}

// Capabilities returns the capabilities of the primary backend.
func (f *LLM) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Value.Capabilities()
}
