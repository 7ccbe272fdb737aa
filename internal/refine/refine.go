// Package refine runs the transcript refinement pipeline for one request.
//
// A run analyses the transcript in analysis-sized chunks, merges the
// per-chunk context pools, renders them into a system prompt and streams the
// rewrite of every processing-sized chunk. Progress is reported as
// [stream.Event] values. A caller that stopped a run can resume it by sending
// the last prompt event back as BasePrompt with SkipContextAnalysis set and
// StartChunkIndex at the chunk that was interrupted.
package refine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/refinery/internal/chunk"
	"github.com/MrWong99/refinery/internal/extract"
	"github.com/MrWong99/refinery/internal/merge"
	"github.com/MrWong99/refinery/internal/observe"
	"github.com/MrWong99/refinery/internal/prompt"
	"github.com/MrWong99/refinery/internal/rewrite"
	"github.com/MrWong99/refinery/internal/stream"
)

// eventBuffer is the capacity of the channel returned by the Stream methods.
const eventBuffer = 64

// Config holds the chunking and fan-out parameters of a Pipeline.
type Config struct {
	// AnalysisChunkSize and ProcessingChunkSize are in runes. Zero selects the
	// chunk package defaults.
	AnalysisChunkSize   int
	ProcessingChunkSize int

	// AnalysisConcurrency bounds in-flight analysis requests. Zero selects
	// extract.DefaultConcurrency.
	AnalysisConcurrency int
}

// Pipeline wires the stages together. It holds no per-run state and is safe
// for concurrent use.
type Pipeline struct {
	extractor *extract.Extractor
	merger    *merge.Merger
	rewriter  *rewrite.Rewriter
	cfg       atomic.Pointer[Config]
	metrics   *observe.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConfig sets chunk sizes and concurrency.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) { p.cfg.Store(&cfg) }
}

// WithMetrics records run and stage metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a Pipeline from its stages.
func New(ex *extract.Extractor, mg *merge.Merger, rw *rewrite.Rewriter, opts ...Option) *Pipeline {
	p := &Pipeline{extractor: ex, merger: mg, rewriter: rw}
	p.cfg.Store(&Config{})
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetConfig replaces chunk sizes and concurrency for runs started afterwards.
func (p *Pipeline) SetConfig(cfg Config) { p.cfg.Store(&cfg) }

// Config returns the parameters new runs use.
func (p *Pipeline) Config() Config { return *p.cfg.Load() }

// Run is a started pipeline run.
type Run struct {
	// ID identifies the run in logs.
	ID string

	// Events is closed when the run ends.
	Events <-chan stream.Event
}

// run is the state of one pipeline run. It lives for one request.
type run struct {
	id         string
	mode       string
	text       string
	background string

	// prompt is the context prompt: rendered from the merged pool, or the
	// caller's override.
	prompt string

	// index is the processing chunk being rewritten.
	index int

	// resumed marks a run that started after the first chunk.
	resumed bool
}

func newRun(mode, text, background string, start int) *run {
	return &run{
		id:         ulid.Make().String(),
		mode:       mode,
		text:       text,
		background: background,
		index:      start,
		resumed:    start > 0,
	}
}

// Stream validates req and starts a refinement in a new goroutine. Cancelling
// ctx stops the run; the returned channel is closed once it has ended.
func (p *Pipeline) Stream(ctx context.Context, req Request) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r := newRun("refine", req.Text, req.BasePrompt, req.StartChunkIndex)
	return p.start(ctx, r, func(ctx context.Context, em *stream.Emitter) error {
		return p.refine(ctx, r, req, em)
	}), nil
}

// Refine runs a refinement synchronously, writing events to em.
func (p *Pipeline) Refine(ctx context.Context, req Request, em *stream.Emitter) error {
	if err := req.Validate(); err != nil {
		return err
	}
	r := newRun("refine", req.Text, req.BasePrompt, req.StartChunkIndex)
	return p.execute(ctx, r, em, func(ctx context.Context, em *stream.Emitter) error {
		return p.refine(ctx, r, req, em)
	})
}

// StreamTranslate validates req and starts a translation in a new goroutine.
func (p *Pipeline) StreamTranslate(ctx context.Context, req TranslateRequest) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r := newRun("translate", req.Text, "", req.StartChunkIndex)
	return p.start(ctx, r, func(ctx context.Context, em *stream.Emitter) error {
		return p.translate(ctx, r, req, em)
	}), nil
}

// Translate runs a translation synchronously, writing events to em.
func (p *Pipeline) Translate(ctx context.Context, req TranslateRequest, em *stream.Emitter) error {
	if err := req.Validate(); err != nil {
		return err
	}
	r := newRun("translate", req.Text, "", req.StartChunkIndex)
	return p.execute(ctx, r, em, func(ctx context.Context, em *stream.Emitter) error {
		return p.translate(ctx, r, req, em)
	})
}

func (p *Pipeline) start(ctx context.Context, r *run, fn func(context.Context, *stream.Emitter) error) *Run {
	ch := make(chan stream.Event, eventBuffer)
	go func() {
		defer close(ch)
		_ = p.execute(ctx, r, stream.NewEmitter(ctx, ch), fn)
	}()
	return &Run{ID: r.id, Events: ch}
}

// execute wraps a run with logging, metrics and the terminal error status.
func (p *Pipeline) execute(ctx context.Context, r *run, em *stream.Emitter, fn func(context.Context, *stream.Emitter) error) error {
	ctx = observe.WithRunID(ctx, r.id)
	ctx, span := observe.StartSpan(ctx, "refine."+r.mode)
	defer span.End()

	log := observe.Logger(ctx)
	log.Info("refine: run started", "mode", r.mode, "runes", len([]rune(r.text)), "start", r.index, "resumed", r.resumed)

	start := time.Now()
	if p.metrics != nil {
		p.metrics.ActiveRuns.Add(ctx, 1)
		defer p.metrics.ActiveRuns.Add(ctx, -1)
	}

	err := fn(ctx, em)

	status := "ok"
	switch {
	case err == nil:
		log.Info("refine: run completed", "duration", time.Since(start))
	case errors.Is(err, context.Canceled):
		status = "cancelled"
		log.Info("refine: run cancelled", "chunk", r.index)
	default:
		status = "error"
		log.Error("refine: run failed", "chunk", r.index, "err", err)
		em.Status(stream.StatusError(err.Error()))
	}
	if p.metrics != nil {
		p.metrics.RunDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("mode", r.mode), observe.Attr("status", status)))
	}
	return err
}

func (p *Pipeline) refine(ctx context.Context, r *run, req Request, em *stream.Emitter) error {
	r.prompt = req.BasePrompt
	if !req.SkipContextAnalysis {
		contextPrompt, err := p.analyse(ctx, r, em)
		if err != nil {
			return err
		}
		r.prompt = contextPrompt
		em.Prompt(r.prompt)
	}

	return p.rewrite(ctx, r, em, rewrite.Request{
		SystemPrompt: prompt.Refine(r.prompt),
		Mode:         r.mode,
	})
}

// analyse builds the context prompt from the transcript.
func (p *Pipeline) analyse(ctx context.Context, r *run, em *stream.Emitter) (string, error) {
	em.Status(stream.StatusAnalyzing)

	began := time.Now()
	cfg := p.Config()
	chunks := chunk.Split(r.text, cfg.AnalysisChunkSize, chunk.Analysis)
	pools, err := p.extractor.AnalyzeAll(ctx, chunks, r.background, extract.Hooks{
		OnSearch:     func(q string) { em.SearchQuery(q) },
		OnSearchDone: func(q string) { em.SearchDone(q) },
		OnThinking:   func() { em.Thinking() },
		OnProgress:   func(done, total int) { em.Progress(done, total) },
	}, cfg.AnalysisConcurrency)
	if err != nil {
		return "", err
	}
	p.stage(ctx, "analysis", began)

	em.Summarizing()
	began = time.Now()
	merged, err := p.merger.Merge(ctx, pools)
	if err != nil {
		return "", err
	}
	p.stage(ctx, "merge", began)

	observe.Logger(ctx).Debug("refine: context merged",
		"analysis_chunks", len(chunks),
		"characters", len(merged.Characters),
		"terms", len(merged.Terminology),
		"corrections", len(merged.Corrections))
	return prompt.Format(merged, r.background), nil
}

func (p *Pipeline) translate(ctx context.Context, r *run, req TranslateRequest, em *stream.Emitter) error {
	r.prompt = prompt.Translate(req.TargetLanguage)
	return p.rewrite(ctx, r, em, rewrite.Request{
		SystemPrompt: r.prompt,
		PartNote:     prompt.TranslatePart,
		UserPrefix:   prompt.TranslatePrefix,
		Mode:         r.mode,
	})
}

// rewrite streams the processing chunks from r.index onwards. rr carries the
// prompts; its chunks and start are filled in here.
func (p *Pipeline) rewrite(ctx context.Context, r *run, em *stream.Emitter, rr rewrite.Request) error {
	began := time.Now()
	rr.Chunks = chunk.Split(r.text, p.Config().ProcessingChunkSize, chunk.Processing)
	rr.Start = r.index

	for tok, err := range p.rewriter.Rewrite(ctx, rr) {
		if err != nil {
			return err
		}
		switch tok.Kind {
		case rewrite.KindChunkStart:
			r.index = tok.Index
			em.Status(stream.StatusProcessing(tok.Index, tok.Total))
		case rewrite.KindText, rewrite.KindSeparator:
			em.Content(tok.Text)
		}
	}
	p.stage(ctx, "rewrite", began)

	em.Status(stream.StatusCompleted)
	return nil
}

func (p *Pipeline) stage(ctx context.Context, name string, began time.Time) {
	if p.metrics != nil {
		p.metrics.RecordStage(ctx, name, time.Since(began).Seconds())
	}
}
