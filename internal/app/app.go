// Package app wires the refinery subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the tool host, the
// pipeline stages and the HTTP server from the config, Run serves until the
// context is cancelled, and Shutdown drains in-flight streams and tears
// everything down in order.
//
// Providers are built by the caller (see [BuildProviders]) so that tests can
// inject mocks for every model role.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/refinery/internal/chat"
	"github.com/MrWong99/refinery/internal/config"
	"github.com/MrWong99/refinery/internal/extract"
	"github.com/MrWong99/refinery/internal/health"
	"github.com/MrWong99/refinery/internal/merge"
	"github.com/MrWong99/refinery/internal/observe"
	"github.com/MrWong99/refinery/internal/refine"
	"github.com/MrWong99/refinery/internal/rewrite"
	"github.com/MrWong99/refinery/internal/server"
	"github.com/MrWong99/refinery/internal/tools"
)

// DefaultSearchTimeout bounds one web_search call when pipeline.search_timeout
// is unset.
const DefaultSearchTimeout = 30 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar
	listener  net.Listener

	tools    *tools.Host
	pipeline *refine.Pipeline
	chat     *chat.Service
	health   *health.Handler
	server   *server.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithListener serves on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. MCP servers named in
// the config are connected synchronously; a server that cannot be reached
// fails New.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if err := a.providers.resolve(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 1. Tool host ─────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 2. Pipeline stages ───────────────────────────────────────────────
	a.initPipeline()

	// ── 3. Chat ──────────────────────────────────────────────────────────
	a.initChat()

	// ── 4. HTTP server ───────────────────────────────────────────────────
	a.health = health.New(a.providers.backendsChecker(), a.providers.failoverChecker())
	a.server = server.New(a.pipeline,
		server.WithChat(a.chat),
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTools registers web_search and every configured MCP server.
func (a *App) initTools(ctx context.Context) error {
	host := tools.New(tools.WithMetrics(a.metrics))
	a.tools = host
	a.closers = append(a.closers, host.Close)

	if a.providers.Search != nil {
		timeout := a.cfg.Pipeline.SearchTimeout
		if timeout <= 0 {
			timeout = DefaultSearchTimeout
		}
		if err := host.RegisterBuiltin(tools.WebSearch(a.providers.Search, timeout)); err != nil {
			return err
		}
	} else {
		slog.Warn("no search provider configured, context analysis runs without web_search")
	}

	for _, srv := range a.cfg.MCP.Servers {
		if err := host.RegisterServer(ctx, srv.ToolServer()); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name, "transport", srv.Transport)
	}
	return nil
}

// initPipeline builds the extractor, merger and rewriter. Zero pipeline
// settings keep each stage's defaults.
func (a *App) initPipeline() {
	pc := a.cfg.Pipeline

	exOpts := []extract.Option{
		extract.WithSynthesis(a.providers.Synthesis),
		extract.WithMaxIterations(pc.MaxToolIterations),
		extract.WithMaxTokens(pc.AnalysisMaxTokens, pc.SynthesisMaxTokens),
		extract.WithMetrics(a.metrics),
	}
	mgOpts := []merge.Option{merge.WithMetrics(a.metrics)}
	rwOpts := []rewrite.Option{
		rewrite.WithMaxTokens(pc.RewriteMaxTokens),
		rewrite.WithMetrics(a.metrics),
	}
	if pc.BackendTimeout > 0 {
		exOpts = append(exOpts, extract.WithTimeout(pc.BackendTimeout))
		mgOpts = append(mgOpts, merge.WithTimeout(pc.BackendTimeout))
	}
	if pc.AnalysisTemperature > 0 {
		exOpts = append(exOpts, extract.WithTemperature(pc.AnalysisTemperature))
	}
	if pc.MergeTemperature > 0 {
		mgOpts = append(mgOpts, merge.WithTemperature(pc.MergeTemperature))
	}
	if pc.RewriteTemperature > 0 {
		rwOpts = append(rwOpts, rewrite.WithTemperature(pc.RewriteTemperature))
	}

	a.pipeline = refine.New(
		extract.New(a.providers.Tool, a.tools, exOpts...),
		merge.New(a.providers.Merge, mgOpts...),
		rewrite.New(a.providers.Rewrite, rwOpts...),
		refine.WithConfig(pipelineConfig(pc)),
		refine.WithMetrics(a.metrics),
	)
}

func (a *App) initChat() {
	opts := []chat.Option{
		chat.WithSynthesis(a.providers.Synthesis),
		chat.WithMaxIterations(a.cfg.Pipeline.MaxToolIterations),
	}
	if p := a.cfg.Chat.SystemPrompt; p != "" {
		opts = append(opts, chat.WithSystemPrompt(p))
	}
	if t := a.cfg.Chat.Temperature; t > 0 {
		opts = append(opts, chat.WithTemperature(t))
	}
	a.chat = chat.New(a.providers.Tool, a.tools, opts...)
}

func pipelineConfig(pc config.PipelineConfig) refine.Config {
	return refine.Config{
		AnalysisChunkSize:   pc.AnalysisChunkSize,
		ProcessingChunkSize: pc.ProcessingChunkSize,
		AnalysisConcurrency: pc.AnalysisConcurrency,
	}
}

// stageSettings strips the fields a running pipeline can pick up.
func stageSettings(pc config.PipelineConfig) config.PipelineConfig {
	pc.AnalysisChunkSize = 0
	pc.ProcessingChunkSize = 0
	pc.AnalysisConcurrency = 0
	return pc
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Pipeline returns the refinement pipeline, for callers that run it without
// the HTTP server.
func (a *App) Pipeline() *refine.Pipeline { return a.pipeline }

// Handler returns the HTTP handler of the API server.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies a reloaded config. The log level and the chunking and
// concurrency settings take effect for runs started afterwards; everything
// else is logged as requiring a restart. Its signature matches the
// [config.NewWatcher] callback.
func (a *App) ApplyConfig(old, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(d.NewLogLevel.Slog())
			slog.Info("log level changed", "level", d.NewLogLevel)
		} else {
			slog.Warn("log level changed but the logger is not reloadable", "level", d.NewLogLevel)
		}
	}
	if d.PipelineChanged {
		a.pipeline.SetConfig(pipelineConfig(next.Pipeline))
		slog.Info("pipeline settings reloaded",
			"analysis_chunk_size", next.Pipeline.AnalysisChunkSize,
			"processing_chunk_size", next.Pipeline.ProcessingChunkSize,
			"analysis_concurrency", next.Pipeline.AnalysisConcurrency,
		)
		if stageSettings(old.Pipeline) != stageSettings(next.Pipeline) {
			slog.Warn("pipeline timeout, temperature and token changes apply after restart")
		}
	}
	for _, section := range d.RestartRequired {
		slog.Warn("config change requires restart", "section", section)
	}
	a.cfg = next
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API and blocks until ctx is cancelled or the server
// fails. After cancellation it returns ctx.Err(); call Shutdown to drain
// in-flight streams.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	var certFile, keyFile string
	if t := a.cfg.Server.TLS; t != nil {
		certFile, keyFile = t.CertFile, t.KeyFile
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Serve(ln, certFile, keyFile) }()
	slog.Info("server listening", "addr", ln.Addr().String(), "tls", certFile != "")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, waits for in-flight streams until ctx
// expires, then runs the closers in order. If ctx expires first the
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown incomplete", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far, for a New that fails midway.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}
