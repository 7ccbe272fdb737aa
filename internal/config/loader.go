package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/refinery/internal/tools"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":    {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"search": {"tavily"},
}

// envRef matches ${NAME}. Bare $NAME is left alone so prompts may contain "$$".
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references from
// the environment, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${NAME} in raw with the value of the environment
// variable NAME. Unset variables expand to the empty string.
func ExpandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// ApplyDefaults fills server fields left empty. Pipeline zero values are
// resolved by the packages that consume them.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Model roles
	if !cfg.Providers.ToolLLM.IsSet() {
		errs = append(errs, errors.New("providers.tool_llm.name is required"))
	}
	if !cfg.Providers.RewriteLLM.IsSet() {
		errs = append(errs, errors.New("providers.rewrite_llm.name is required"))
	}
	for role, entry := range map[string]LLMEntry{
		"tool_llm":      cfg.Providers.ToolLLM,
		"synthesis_llm": cfg.Providers.SynthesisLLM,
		"merge_llm":     cfg.Providers.MergeLLM,
		"rewrite_llm":   cfg.Providers.RewriteLLM,
	} {
		validateProviderName("llm", entry.Name)
		if entry.IsSet() && entry.Model == "" {
			errs = append(errs, fmt.Errorf("providers.%s.model is required", role))
		}
		for i, fb := range entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", role, i))
				continue
			}
			validateProviderName("llm", fb.Name)
			if fb.Model == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].model is required", role, i))
			}
		}
	}
	validateProviderName("search", cfg.Providers.Search.Name)
	if cfg.Providers.Search.Name == "" {
		slog.Warn("providers.search is not configured; context extraction and chat run without web search")
	}

	// Pipeline
	p := cfg.Pipeline
	for name, v := range map[string]int{
		"analysis_chunk_size":   p.AnalysisChunkSize,
		"processing_chunk_size": p.ProcessingChunkSize,
		"analysis_concurrency":  p.AnalysisConcurrency,
		"max_tool_iterations":   p.MaxToolIterations,
		"analysis_max_tokens":   p.AnalysisMaxTokens,
		"synthesis_max_tokens":  p.SynthesisMaxTokens,
		"rewrite_max_tokens":    p.RewriteMaxTokens,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s must not be negative, got %d", name, v))
		}
	}
	if p.BackendTimeout < 0 || p.SearchTimeout < 0 {
		errs = append(errs, errors.New("pipeline timeouts must not be negative"))
	}
	for name, v := range map[string]float64{
		"analysis_temperature": p.AnalysisTemperature,
		"merge_temperature":    p.MergeTemperature,
		"rewrite_temperature":  p.RewriteTemperature,
	} {
		if v < 0 || v > 2 {
			errs = append(errs, fmt.Errorf("pipeline.%s %.2f is out of range [0, 2]", name, v))
		}
	}
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", cfg.Chat.Temperature))
	}

	// MCP servers
	seen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			seen[srv.Name] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
