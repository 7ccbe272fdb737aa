// Package extract builds a context pool for each analysis chunk of a
// transcript.
//
// Analysis runs in two phases. A tool-calling backend first reads the chunk
// and may search the web to verify names and terms. When it did search, a
// second synthesis backend receives the chunk together with every query and
// its raw result and writes the final JSON. Without searches the first
// backend's reply is parsed directly.
//
// Malformed model output never fails a chunk: it degrades to an empty pool.
// Transport failures and timeouts do fail it, and [Extractor.AnalyzeAll]
// cancels the remaining chunks on the first such failure.
package extract

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/refinery/internal/chunk"
	"github.com/MrWong99/refinery/internal/observe"
	"github.com/MrWong99/refinery/internal/pool"
	"github.com/MrWong99/refinery/internal/toolloop"
	"github.com/MrWong99/refinery/internal/tools"
	"github.com/MrWong99/refinery/pkg/provider/llm"
)

// Defaults applied by [New].
const (
	DefaultConcurrency        = 15
	DefaultTimeout            = 90 * time.Second
	DefaultTemperature        = 0.2
	DefaultMaxTokens          = 4096
	DefaultSynthesisMaxTokens = 32768
)

// Hooks receive progress notifications. With [Extractor.AnalyzeAll] they are
// called from several goroutines at once and must be safe for concurrent use.
type Hooks struct {
	// OnSearch fires before a tool executes, with a short description of the
	// call (the query for web searches).
	OnSearch func(query string)

	// OnSearchDone fires after the tool returns.
	OnSearchDone func(query string)

	// OnThinking fires before the synthesis request.
	OnThinking func()

	// OnProgress fires after each chunk of AnalyzeAll completes.
	OnProgress func(done, total int)
}

// Extractor turns analysis chunks into context pools.
type Extractor struct {
	toolLLM     llm.Provider
	synthLLM    llm.Provider
	tools       tools.Registry
	metrics     *observe.Metrics
	maxIter     int
	timeout     time.Duration
	temperature float64
	maxTokens   int
	synthTokens int
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithSynthesis sets the backend that writes the final JSON after searches.
// Without it the tool backend is used for both phases.
func WithSynthesis(p llm.Provider) Option {
	return func(e *Extractor) { e.synthLLM = p }
}

// WithMaxIterations bounds the tool loop. Zero uses [toolloop.DefaultMaxIterations].
func WithMaxIterations(n int) Option {
	return func(e *Extractor) { e.maxIter = n }
}

// WithTimeout bounds every backend call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) { e.timeout = d }
}

// WithTemperature sets the sampling temperature of both phases.
func WithTemperature(t float64) Option {
	return func(e *Extractor) { e.temperature = t }
}

// WithMaxTokens sets the output limits of the tool phase and the synthesis
// phase. Non-positive values keep the defaults.
func WithMaxTokens(analysis, synthesis int) Option {
	return func(e *Extractor) {
		if analysis > 0 {
			e.maxTokens = analysis
		}
		if synthesis > 0 {
			e.synthTokens = synthesis
		}
	}
}

// WithMetrics records chunk outcomes and parse fallbacks on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

// New creates an Extractor. reg may be nil, in which case chunks are analysed
// without tools.
func New(toolLLM llm.Provider, reg tools.Registry, opts ...Option) *Extractor {
	e := &Extractor{
		toolLLM:     toolLLM,
		tools:       reg,
		timeout:     DefaultTimeout,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
		synthTokens: DefaultSynthesisMaxTokens,
	}
	for _, o := range opts {
		o(e)
	}
	if e.synthLLM == nil {
		e.synthLLM = e.toolLLM
	}
	return e
}

// Analyze extracts the context pool of one chunk.
//
// A whitespace-only chunk yields [pool.Empty] without any backend call.
// Unparsable model output yields [pool.Empty] and a nil error.
func (e *Extractor) Analyze(ctx context.Context, c chunk.Chunk, background string, hooks Hooks) (pool.Pool, error) {
	if strings.TrimSpace(c.Text) == "" {
		e.record(ctx, "empty")
		return pool.Empty(), nil
	}

	ctx, span := observe.StartSpan(ctx, "extract.analyze")
	defer span.End()
	log := observe.Logger(ctx).With("chunk", c.Index+1, "total", c.Total)

	system := SystemPrompt(c, background)
	loop := toolloop.New(e.toolLLM, e.tools, toolloop.WithCallTimeout(e.timeout))
	res, err := loop.Run(ctx, toolloop.Request{
		SystemPrompt:  system,
		UserContent:   c.Text,
		MaxIterations: e.maxIter,
		Temperature:   e.temperature,
		MaxTokens:     e.maxTokens,
		Hooks: toolloop.Hooks{
			OnInvoke: func(call llm.ToolCall) {
				if hooks.OnSearch != nil {
					hooks.OnSearch(tools.Describe(call))
				}
			},
			OnComplete: func(call llm.ToolCall, _ string) {
				if hooks.OnSearchDone != nil {
					hooks.OnSearchDone(tools.Describe(call))
				}
			},
		},
	})
	if err != nil {
		e.record(ctx, "error")
		return pool.Empty(), fmt.Errorf("extract: analyse chunk %d/%d: %w", c.Index+1, c.Total, err)
	}

	text := res.Text
	if len(res.Invocations) > 0 {
		if hooks.OnThinking != nil {
			hooks.OnThinking()
		}
		log.Debug("extract: synthesizing after tool calls", "tool_calls", len(res.Invocations), "exhausted", res.Exhausted)
		text, err = e.synthesize(ctx, system, c.Text, res.Invocations)
		if err != nil {
			e.record(ctx, "error")
			return pool.Empty(), fmt.Errorf("extract: synthesize chunk %d/%d: %w", c.Index+1, c.Total, err)
		}
	}

	p, err := pool.Parse(text)
	if err != nil {
		log.Warn("extract: falling back to empty pool", "err", err)
		if e.metrics != nil {
			e.metrics.RecordParseFallback(ctx, "extract")
		}
		e.record(ctx, "fallback")
		return pool.Empty(), nil
	}
	e.record(ctx, "ok")
	return p, nil
}

func (e *Extractor) synthesize(ctx context.Context, system, text string, invocations []toolloop.Invocation) (string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	resp, err := e.synthLLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: text},
			{Role: llm.RoleUser, Content: SynthesisMessage(invocations)},
		},
		Temperature: e.temperature,
		MaxTokens:   e.synthTokens,
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	return resp.Content, nil
}

// AnalyzeAll analyses chunks with at most concurrency requests in flight and
// returns the pools in chunk order. The first hard failure cancels the
// remaining chunks and is returned. concurrency <= 0 uses DefaultConcurrency.
func (e *Extractor) AnalyzeAll(ctx context.Context, chunks []chunk.Chunk, background string, hooks Hooks, concurrency int) ([]pool.Pool, error) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	results := make([]pool.Pool, len(chunks))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, c := range chunks {
		g.Go(func() error {
			p, err := e.Analyze(gctx, c, background, hooks)
			if err != nil {
				return err
			}
			results[i] = p
			n := done.Add(1)
			if hooks.OnProgress != nil {
				hooks.OnProgress(int(n), len(chunks))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Extractor) record(ctx context.Context, status string) {
	if e.metrics != nil {
		e.metrics.RecordChunkAnalyzed(ctx, status)
	}
}
