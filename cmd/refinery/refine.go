package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/refinery/internal/app"
	"github.com/MrWong99/refinery/internal/config"
	"github.com/MrWong99/refinery/internal/observe"
	"github.com/MrWong99/refinery/internal/refine"
	"github.com/MrWong99/refinery/internal/stream"
)

// errRunFailed reports a run that ended with an error status event.
var errRunFailed = errors.New("run failed")

type refineOptions struct {
	input      string
	background string
	start      int
	prompt     string
	raw        bool
}

func newRefineCmd(root *rootOptions) *cobra.Command {
	opts := &refineOptions{}
	cmd := &cobra.Command{
		Use:   "refine",
		Short: "Refine one transcript and print the result",
		Long: `Run the refinement pipeline once without starting the server.

The refined text goes to stdout and progress to stderr. With --raw every
event is written to stdout as one JSON line, exactly as the HTTP API streams it.

Examples:
  refinery refine --input episode.txt --background "A podcast about databases"
  cat episode.txt | refinery refine --start 12 --prompt "$(cat prompt.txt)"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRefine(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), root.configPath, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.input, "input", "i", "-", `transcript file, "-" reads stdin`)
	f.StringVar(&opts.background, "background", "", "background information for the context analysis")
	f.IntVar(&opts.start, "start", 0, "first processing chunk to rewrite (0-based)")
	f.StringVar(&opts.prompt, "prompt", "", "finished context prompt; skips the context analysis")
	f.BoolVar(&opts.raw, "raw", false, "write NDJSON events instead of the refined text")
	return cmd
}

func runRefine(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string, opts *refineOptions) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	lv := new(slog.LevelVar)
	lv.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(newLogger(lv))

	text, err := readInput(stdin, opts.input)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observe.DefaultMetrics()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := app.BuildProviders(cfg, reg, metrics)
	if err != nil {
		return err
	}
	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(lv), app.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Shutdown(context.Background()); err != nil {
			slog.Warn("shutdown error", "err", err)
		}
	}()

	req := refine.Request{
		Text:            text,
		BasePrompt:      opts.background,
		StartChunkIndex: opts.start,
	}
	if opts.prompt != "" {
		req.BasePrompt = opts.prompt
		req.SkipContextAnalysis = true
	}

	run, err := application.Pipeline().Stream(ctx, req)
	if err != nil {
		return err
	}
	slog.Debug("run started", "run_id", run.ID)
	return writeEvents(run.Events, stdout, stderr, opts.raw)
}

func readInput(stdin io.Reader, path string) (string, error) {
	var (
		b   []byte
		err error
	)
	if path == "" || path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(b), nil
}

// writeEvents drains events. Raw mode copies every event to out as NDJSON;
// otherwise content goes to out and progress lines to errOut. It returns
// errRunFailed when the run ended with an error status.
func writeEvents(events <-chan stream.Event, out, errOut io.Writer, raw bool) error {
	enc := stream.NewEncoder(out, nil)
	var failure string
	var writeErr error
	for ev := range events {
		if ev.Type == stream.TypeStatus {
			if reason, ok := strings.CutPrefix(ev.Content, stream.StatusError("")); ok {
				failure = reason
			}
		}
		if writeErr != nil {
			continue
		}
		if raw {
			writeErr = enc.Encode(ev)
			continue
		}
		switch ev.Type {
		case stream.TypeContent:
			_, writeErr = io.WriteString(out, ev.Content)
		case stream.TypeStatus:
			fmt.Fprintln(errOut, ev.Content)
		case stream.TypeSearchQuery:
			fmt.Fprintf(errOut, "searching: %s\n", ev.Content)
		case stream.TypeAnalysisProgress:
			if p, err := stream.ParseProgress(ev); err == nil {
				fmt.Fprintf(errOut, "analysed %d/%d\n", p.Done, p.Total)
			}
		case stream.TypeSummarizing:
			fmt.Fprintln(errOut, "merging context...")
		}
	}
	if writeErr != nil {
		return fmt.Errorf("write output: %w", writeErr)
	}
	if failure != "" {
		return fmt.Errorf("%w: %s", errRunFailed, failure)
	}
	if !raw {
		fmt.Fprintln(out)
	}
	return nil
}
