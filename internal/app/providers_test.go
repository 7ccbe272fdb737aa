package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/refinery/internal/config"
	"github.com/MrWong99/refinery/internal/observe"
	"github.com/MrWong99/refinery/internal/resilience"
	"github.com/MrWong99/refinery/pkg/provider/llm"
	llmmock "github.com/MrWong99/refinery/pkg/provider/llm/mock"
	"github.com/MrWong99/refinery/pkg/provider/search"
	searchmock "github.com/MrWong99/refinery/pkg/provider/search/mock"
)

func testRegistry() *config.Registry {
	reg := config.NewRegistry()
	for _, name := range []string{"openai", "ollama"} {
		reg.RegisterLLM(name, func(config.ProviderEntry) (llm.Provider, error) {
			return &llmmock.Provider{}, nil
		})
	}
	reg.RegisterSearch("tavily", func(config.ProviderEntry) (search.Provider, error) {
		return &searchmock.Provider{}, nil
	})
	return reg
}

func noopMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Providers: config.ProvidersConfig{
		ToolLLM: config.LLMEntry{ProviderEntry: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"}},
		RewriteLLM: config.LLMEntry{
			ProviderEntry: config.ProviderEntry{Name: "openai", Model: "gpt-4o"},
			Fallbacks:     []config.ProviderEntry{{Name: "ollama", Model: "qwen2.5"}},
		},
		Search: config.ProviderEntry{Name: "tavily", APIKey: "k"},
	}}

	ps, err := BuildProviders(cfg, testRegistry(), noopMetrics(t))
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if _, ok := ps.Tool.(*observe.InstrumentedLLM); !ok {
		t.Errorf("Tool = %T, want *observe.InstrumentedLLM", ps.Tool)
	}
	rw, ok := ps.Rewrite.(*resilience.LLM)
	if !ok {
		t.Fatalf("Rewrite = %T, want *resilience.LLM", ps.Rewrite)
	}
	states := rw.States()
	if _, ok := states["rewrite/openai"]; !ok {
		t.Errorf("states = %v, want rewrite/openai", states)
	}
	if _, ok := states["rewrite/ollama"]; !ok {
		t.Errorf("states = %v, want rewrite/ollama", states)
	}
	if ps.Synthesis != nil || ps.Merge != nil {
		t.Error("unset roles must stay nil until resolved")
	}
	if ps.Search == nil {
		t.Error("Search not created")
	}

	if err := ps.resolve(); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ps.Synthesis != ps.Tool || ps.Merge != ps.Rewrite {
		t.Error("synthesis must resolve to tool and merge to rewrite")
	}
}

func TestBuildProviders_Unregistered(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Providers: config.ProvidersConfig{
		ToolLLM: config.LLMEntry{
			ProviderEntry: config.ProviderEntry{Name: "openai", Model: "m"},
			Fallbacks:     []config.ProviderEntry{{Name: "llamafile", Model: "m"}},
		},
	}}
	_, err := BuildProviders(cfg, testRegistry(), noopMetrics(t))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestBackendsChecker(t *testing.T) {
	t.Parallel()

	down := errors.New("down")
	failing := resilience.NewLLM(
		resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		resilience.Member[llm.Provider]{Name: "rewrite/openai", Value: &llmmock.Provider{CompleteErr: down}},
		resilience.Member[llm.Provider]{Name: "rewrite/ollama", Value: &llmmock.Provider{CompleteErr: down}},
	)
	ps := &Providers{Tool: &llmmock.Provider{}, Rewrite: failing}
	if err := ps.resolve(); err != nil {
		t.Fatal(err)
	}
	check := ps.backendsChecker()

	if err := check.Check(context.Background()); err != nil {
		t.Fatalf("healthy backends reported %v", err)
	}

	if _, err := failing.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected failing backends to fail")
	}
	if err := check.Check(context.Background()); err == nil {
		t.Error("all-open circuits must fail readiness")
	}
}

func TestFailoverChecker(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("down")}
	fallback := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	rewrite := resilience.NewLLM(
		resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		resilience.Member[llm.Provider]{Name: "rewrite/openai", Value: primary},
		resilience.Member[llm.Provider]{Name: "rewrite/ollama", Value: fallback},
	)
	ps := &Providers{Tool: &llmmock.Provider{}, Rewrite: rewrite}
	if err := ps.resolve(); err != nil {
		t.Fatal(err)
	}
	check := ps.failoverChecker()
	if !check.Optional {
		t.Error("failover check must be optional")
	}
	if err := check.Check(context.Background()); err != nil {
		t.Fatalf("no open circuit, got %v", err)
	}

	if _, err := rewrite.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
		t.Fatalf("fallback should answer: %v", err)
	}
	err := check.Check(context.Background())
	if err == nil || err.Error() != "circuit open for rewrite/openai" {
		t.Errorf("err = %v, want the open primary named once", err)
	}
	if err := ps.backendsChecker().Check(context.Background()); err != nil {
		t.Errorf("backends check must pass while a fallback is closed: %v", err)
	}
}
