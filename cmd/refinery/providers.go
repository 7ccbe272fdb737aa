package main

import (
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/refinery/internal/config"
	"github.com/MrWong99/refinery/pkg/provider/llm"
	"github.com/MrWong99/refinery/pkg/provider/llm/anyllm"
	"github.com/MrWong99/refinery/pkg/provider/llm/openai"
	"github.com/MrWong99/refinery/pkg/provider/search"
	"github.com/MrWong99/refinery/pkg/provider/search/tavily"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
//
// "openai" uses the openai-go adapter, which also serves OpenAI-compatible
// gateways through base_url. Every other LLM name goes through any-llm-go.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		if window := optInt(entry.Options, "context_window"); window > 0 {
			caps := llm.CapabilitiesFor(entry.Model)
			caps.ContextWindow = window
			opts = append(opts, openai.WithCapabilities(caps))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range anyllm.Backends {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── Search ────────────────────────────────────────────────────────────────
	reg.RegisterSearch("tavily", func(entry config.ProviderEntry) (search.Provider, error) {
		var opts []tavily.Option
		if entry.BaseURL != "" {
			opts = append(opts, tavily.WithBaseURL(entry.BaseURL))
		}
		if depth := optString(entry.Options, "search_depth"); depth != "" {
			opts = append(opts, tavily.WithSearchDepth(depth))
		}
		if n := optInt(entry.Options, "max_results"); n > 0 {
			opts = append(opts, tavily.WithMaxResults(n))
		}
		if v, ok := entry.Options["include_answer"].(bool); ok && !v {
			opts = append(opts, tavily.WithoutAnswer())
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, tavily.WithTimeout(d))
		}
		return tavily.New(entry.APIKey, opts...)
	})

	slog.Debug("registered providers", "llm", reg.LLMNames(), "search", reg.SearchNames())
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes whole numbers as int; JSON
// style floats are truncated. Anything else yields 0.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// optDuration parses a Go duration string such as "45s". Invalid or missing
// values yield 0.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
