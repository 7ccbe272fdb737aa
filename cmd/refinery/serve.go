package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/refinery/internal/app"
	"github.com/MrWong99/refinery/internal/config"
	"github.com/MrWong99/refinery/internal/observe"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP streaming API",
		Long: `Serve the refinement, translation and chat endpoints.

The configuration file is watched and re-read on SIGHUP; log level and
chunking settings are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), root.configPath)
		},
	}
}

func runServe(ctx context.Context, out io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	lv := new(slog.LevelVar)
	lv.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(newLogger(lv))

	slog.Info("refinery starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "refinery",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := app.BuildProviders(cfg, reg, metrics)
	if err != nil {
		return err
	}

	printStartupSummary(out, cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(lv), app.WithMetrics(metrics))
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
		stopHUP := reloadOnHangup(watcher)
		defer stopHUP()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, draining streams", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// reloadOnHangup forces a config reload on every SIGHUP until the returned
// function is called.
func reloadOnHangup(w *config.Watcher) (stop func()) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-hup:
				switch err := w.Reload(); {
				case err == nil:
				case errors.Is(err, config.ErrUnchanged):
					slog.Info("SIGHUP: config unchanged")
				default:
					slog.Warn("SIGHUP: reload failed, keeping previous config", "err", err)
				}
			}
		}
	}()
	return func() {
		signal.Stop(hup)
		close(done)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        refinery - startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printLLM(w, "Tool LLM", cfg.Providers.ToolLLM)
	printLLM(w, "Synthesis", cfg.Providers.SynthesisLLM)
	printLLM(w, "Merge LLM", cfg.Providers.MergeLLM)
	printLLM(w, "Rewrite LLM", cfg.Providers.RewriteLLM)
	printProvider(w, "Search", cfg.Providers.Search.Name, "")
	fmt.Fprintf(w, "║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	fmt.Fprintf(w, "║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printLLM(w io.Writer, kind string, e config.LLMEntry) {
	model := e.Model
	if n := len(e.Fallbacks); n > 0 {
		model = fmt.Sprintf("%s +%d", model, n)
	}
	printProvider(w, kind, e.Name, model)
}

func printProvider(w io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, value)
}
